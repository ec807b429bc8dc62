package services

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/depotd/depot/internal/core/models"
	"github.com/depotd/depot/internal/formdata"
)

// PublishRequest is one inbound publish call before decoding.
type PublishRequest struct {
	Principal   *models.Principal
	Owner       string
	Repo        string
	ContentType string
	Body        io.Reader
}

// Publish decodes, validates, and stores one release, then records it
// in the catalog. Storage is the source of truth: once the artifact is
// on disk a catalog failure is logged, never rolled back.
func (r *Registry) Publish(req PublishRequest) (*models.ReleaseDescriptor, error) {
	if err := validateName("owner", req.Owner); err != nil {
		return nil, err
	}
	if err := validateName("package", req.Repo); err != nil {
		return nil, err
	}
	if req.Principal == nil {
		return nil, fmt.Errorf("%w: publish requires a credential", ErrUnauthenticated)
	}
	if req.Principal.Name != req.Owner {
		return nil, fmt.Errorf("%w: token for %s cannot publish under %s", ErrForbidden, req.Principal.Name, req.Owner)
	}

	form, err := formdata.Decode(req.Body, req.ContentType, formdata.Limits{MaxFileBytes: r.maxBytes})
	if err != nil {
		switch {
		case errors.Is(err, formdata.ErrInvalid):
			return nil, fmt.Errorf("%w: %v", ErrInvalidMultipart, err)
		case errors.Is(err, formdata.ErrTooLarge):
			return nil, fmt.Errorf("%w: %v", ErrTooLarge, err)
		}
		return nil, err
	}

	upload, err := buildUpload(req.Owner, req.Repo, form)
	if err != nil {
		return nil, err
	}

	if err := r.checkClaim(req.Owner, req.Repo); err != nil {
		return nil, err
	}

	loc, err := r.content.Store(upload)
	if err != nil {
		return nil, err
	}

	desc := &models.ReleaseDescriptor{
		ID:          uuid.NewString(),
		Owner:       req.Owner,
		Repo:        req.Repo,
		Tag:         upload.Version,
		ReleaseName: upload.Release.Name,
		Body:        upload.Release.Body,
		Draft:       upload.Release.Draft,
		Prerelease:  upload.Release.Prerelease,
		Filename:    upload.Filename,
		SizeBytes:   loc.SizeBytes,
		Checksum:    loc.Checksum,
		DownloadURL: fmt.Sprintf("/api/v1/packages/%s/%s/download/%s", req.Owner, req.Repo, upload.Version),
		UploadedAt:  time.Now().UTC(),
	}

	r.logger.Info().
		Str("owner", desc.Owner).
		Str("repo", desc.Repo).
		Str("tag", desc.Tag).
		Int64("size", desc.SizeBytes).
		Str("checksum", desc.Checksum).
		Msg("release published")

	if err := r.catalogExec(func() error {
		return r.catalog.RecordRelease(*desc)
	}); err != nil {
		r.logger.Error().Err(err).
			Str("repo", desc.Repo).
			Str("tag", desc.Tag).
			Msg("release stored but not recorded in catalog")
	}
	return desc, nil
}

// checkClaim rejects publishes under a package name another namespace
// already claimed. The check fails open when the catalog is
// unavailable; the record step surfaces the conflict authoritatively.
func (r *Registry) checkClaim(owner, repo string) error {
	var claimed string
	err := r.catalogExec(func() error {
		var lookupErr error
		claimed, lookupErr = r.catalog.PackageOwner(repo)
		return lookupErr
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("repo", repo).Msg("ownership pre-check unavailable")
		return nil
	}
	if claimed != "" && claimed != owner {
		return fmt.Errorf("%w: package %s is owned by %s", ErrForbidden, repo, claimed)
	}
	return nil
}

// buildUpload folds decoded form parts into a validated artifact.
func buildUpload(owner, repo string, form *formdata.Form) (*models.Artifact, error) {
	if v, ok := form.Fields["owner"]; ok && v != owner {
		return nil, fmt.Errorf("%w: form says %q, path says %q", ErrOwnerMismatch, v, owner)
	}
	if v, ok := form.Fields["repo"]; ok && v != repo {
		return nil, fmt.Errorf("%w: form says %q, path says %q", ErrRepoMismatch, v, repo)
	}

	tag, ok := form.Fields["tag_name"]
	if !ok || tag == "" {
		return nil, ErrMissingTagName
	}
	version, err := validateVersion(tag)
	if err != nil {
		return nil, err
	}

	if form.File == nil {
		return nil, ErrMissingFile
	}
	if len(form.File.Data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, form.File.Filename)
	}

	filename := form.File.Filename
	if filename == "" {
		filename = fmt.Sprintf("%s-%s.pkg", repo, version)
	}

	return &models.Artifact{
		Namespace:   owner,
		Name:        repo,
		Version:     version,
		Filename:    filename,
		ContentType: form.File.ContentType,
		Payload:     form.File.Data,
		Release: models.ReleaseInfo{
			Name:       form.Fields["name"],
			Body:       form.Fields["body"],
			Draft:      parseFlag(form.Fields["draft"]),
			Prerelease: parseFlag(form.Fields["prerelease"]),
		},
	}, nil
}

// parseFlag reads a form bool leniently; anything unparseable is false.
func parseFlag(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
