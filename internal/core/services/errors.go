package services

import "errors"

var (
	// ErrNotFound indicates a requested artifact, package, or route does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a version or ownership conflict.
	ErrConflict = errors.New("conflict")
	// ErrInvalidVersion indicates a tag that is not a semantic version.
	ErrInvalidVersion = errors.New("invalid version")
	// ErrInvalidName indicates an owner or package name with characters
	// outside the allowed set.
	ErrInvalidName = errors.New("invalid name")
	// ErrInvalidMultipart indicates a body that could not be decoded as multipart/form-data.
	ErrInvalidMultipart = errors.New("invalid multipart body")
	// ErrMissingFile indicates a publish form without a file part.
	ErrMissingFile = errors.New("missing file part")
	// ErrEmptyFile indicates a file part with no bytes.
	ErrEmptyFile = errors.New("empty file part")
	// ErrMissingTagName indicates a publish form without the tag_name field.
	ErrMissingTagName = errors.New("missing tag_name field")
	// ErrOwnerMismatch indicates form owner and path owner disagree.
	ErrOwnerMismatch = errors.New("owner mismatch")
	// ErrRepoMismatch indicates form repo and path repo disagree.
	ErrRepoMismatch = errors.New("repo mismatch")
	// ErrTooLarge indicates an artifact payload over the configured cap.
	ErrTooLarge = errors.New("artifact too large")
	// ErrChecksumMismatch indicates stored bytes no longer match their recorded checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrUnauthenticated indicates a missing or invalid credential.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates an authenticated principal acting outside its namespace.
	ErrForbidden = errors.New("forbidden")
)
