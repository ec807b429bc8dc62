package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/depotd/depot/internal/core/models"
	"github.com/depotd/depot/internal/core/services"
	"github.com/depotd/depot/internal/util/hashing"
)

// DiskContentStore persists artifacts in a deterministic versioned
// layout: <root>/packages/<name>/<version>/<name>-<version>.pkg, with a
// JSON sidecar next to every payload. The sidecar is written last and
// doubles as the publish marker: readers that resolve a version through
// its sidecar never observe a half-written artifact.
type DiskContentStore struct {
	root     string
	maxBytes int64
}

// NewDiskContentStore creates the layout root.
func NewDiskContentStore(root string, maxArtifactBytes int64) (*DiskContentStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "packages"), 0o755); err != nil {
		return nil, fmt.Errorf("creating packages directory: %w", err)
	}
	if maxArtifactBytes <= 0 {
		maxArtifactBytes = 100 << 20
	}
	return &DiskContentStore{root: root, maxBytes: maxArtifactBytes}, nil
}

// sidecar is the metadata file written next to every payload. It
// carries the release annotations too: storage is the source of truth,
// so they must survive even when the catalog write fails.
type sidecar struct {
	Owner       string             `json:"owner"`
	Name        string             `json:"name"`
	Version     string             `json:"version"`
	Filename    string             `json:"filename"`
	ContentType string             `json:"content_type"`
	SizeBytes   int64              `json:"size_bytes"`
	Checksum    string             `json:"checksum_sha256"`
	UploadedAt  time.Time          `json:"uploaded_at"`
	Release     models.ReleaseInfo `json:"release"`
}

func artifactFilename(name, version string) string {
	return name + "-" + version + ".pkg"
}

func (s *DiskContentStore) versionDir(name, version string) string {
	return filepath.Join(s.root, "packages", name, version)
}

// ArtifactPath returns the deterministic payload path for a version.
func (s *DiskContentStore) ArtifactPath(name, version string) string {
	return filepath.Join(s.versionDir(name, version), artifactFilename(name, version))
}

func (s *DiskContentStore) sidecarPath(name, version string) string {
	return s.ArtifactPath(name, version) + ".json"
}

// Store streams the payload through a SHA-256 tee into a temp file,
// links it onto its final path, then publishes the sidecar. The link
// fails if any prior publish already placed this version, so two racing
// publishes of the same version get exactly one success and one
// ErrConflict.
func (s *DiskContentStore) Store(a *models.Artifact) (*models.StoredLocation, error) {
	if int64(len(a.Payload)) > s.maxBytes {
		return nil, fmt.Errorf("%w: artifact is %d bytes, limit is %d", services.ErrTooLarge, len(a.Payload), s.maxBytes)
	}

	tmpDir := filepath.Join(s.root, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}

	tmp, err := os.CreateTemp(tmpDir, "publish-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	checksum, size, err := streamToFile(tmp, bytes.NewReader(a.Payload))
	if err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	finalPath := s.ArtifactPath(a.Name, a.Version)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating version directory: %w", err)
	}

	if err := os.Link(tmpPath, finalPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s version %s already published", services.ErrConflict, a.Name, a.Version)
		}
		return nil, fmt.Errorf("linking artifact into place: %w", err)
	}

	meta := sidecar{
		Owner:       a.Namespace,
		Name:        a.Name,
		Version:     a.Version,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		SizeBytes:   size,
		Checksum:    checksum,
		UploadedAt:  time.Now().UTC(),
		Release:     a.Release,
	}
	if err := writeJSONAtomic(s.sidecarPath(a.Name, a.Version), tmpDir, meta); err != nil {
		// Without its sidecar the payload is invisible to readers but
		// would still block every future publish of this version, so
		// undo the link.
		os.Remove(finalPath)
		return nil, err
	}

	return &models.StoredLocation{Path: finalPath, SizeBytes: size, Checksum: checksum}, nil
}

// Retrieve reads the sidecar then the payload, bounded by the store's
// maximum artifact size.
func (s *DiskContentStore) Retrieve(name, version string) (*services.StoredArtifact, error) {
	meta, err := s.readSidecar(name, version)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.ArtifactPath(name, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s version %s", services.ErrNotFound, name, version)
		}
		return nil, fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	payload, err := io.ReadAll(io.LimitReader(f, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	if int64(len(payload)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %s version %s exceeds %d bytes", services.ErrTooLarge, name, version, s.maxBytes)
	}

	return &services.StoredArtifact{
		Payload:     payload,
		Name:        meta.Name,
		Owner:       meta.Owner,
		Version:     meta.Version,
		Filename:    meta.Filename,
		ContentType: meta.ContentType,
		SizeBytes:   meta.SizeBytes,
		Checksum:    meta.Checksum,
		Release:     meta.Release,
	}, nil
}

// Describe reads only the sidecar; the returned artifact has no
// payload.
func (s *DiskContentStore) Describe(name, version string) (*services.StoredArtifact, error) {
	meta, err := s.readSidecar(name, version)
	if err != nil {
		return nil, err
	}
	return &services.StoredArtifact{
		Name:        meta.Name,
		Owner:       meta.Owner,
		Version:     meta.Version,
		Filename:    meta.Filename,
		ContentType: meta.ContentType,
		SizeBytes:   meta.SizeBytes,
		Checksum:    meta.Checksum,
		Release:     meta.Release,
	}, nil
}

// Exists reports whether the version's sidecar has been published.
func (s *DiskContentStore) Exists(name, version string) bool {
	_, err := os.Stat(s.sidecarPath(name, version))
	return err == nil
}

// Verify re-hashes the stored payload against the expected checksum.
// An empty expected checksum verifies against the sidecar's recorded
// value.
func (s *DiskContentStore) Verify(name, version, expected string) (bool, error) {
	if expected == "" {
		meta, err := s.readSidecar(name, version)
		if err != nil {
			return false, err
		}
		expected = meta.Checksum
	}

	f, err := os.Open(s.ArtifactPath(name, version))
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("%w: %s version %s", services.ErrNotFound, name, version)
		}
		return false, fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	actual, _, err := hashing.ComputeSHA256(f)
	if err != nil {
		return false, fmt.Errorf("hashing artifact: %w", err)
	}
	return actual == expected, nil
}

// Delete removes the whole version directory. Absence is ErrNotFound,
// not success.
func (s *DiskContentStore) Delete(name, version string) error {
	dir := s.versionDir(name, version)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s version %s", services.ErrNotFound, name, version)
		}
		return fmt.Errorf("checking version directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("deleting version directory: %w", err)
	}
	// Drop the package directory too once its last version is gone.
	os.Remove(filepath.Join(s.root, "packages", name))
	return nil
}

// List walks the layout and returns every fully published version.
func (s *DiskContentStore) List() ([]services.ArtifactRef, error) {
	packagesDir := filepath.Join(s.root, "packages")
	var refs []services.ArtifactRef

	names, err := os.ReadDir(packagesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading packages directory: %w", err)
	}

	for _, name := range names {
		if !name.IsDir() {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(packagesDir, name.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading package directory %s: %w", name.Name(), err)
		}
		for _, version := range versions {
			if !version.IsDir() {
				continue
			}
			if !s.Exists(name.Name(), version.Name()) {
				continue
			}
			refs = append(refs, services.ArtifactRef{Name: name.Name(), Version: version.Name()})
		}
	}

	return refs, nil
}

func (s *DiskContentStore) readSidecar(name, version string) (*sidecar, error) {
	raw, err := os.ReadFile(s.sidecarPath(name, version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s version %s", services.ErrNotFound, name, version)
		}
		return nil, fmt.Errorf("reading sidecar: %w", err)
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decoding sidecar for %s %s: %w", name, version, err)
	}
	if !hashing.IsHexDigest(meta.Checksum) {
		return nil, fmt.Errorf("sidecar for %s %s carries a malformed checksum %q", name, version, meta.Checksum)
	}
	return &meta, nil
}
