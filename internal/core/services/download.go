package services

import (
	"fmt"

	"github.com/depotd/depot/internal/util/hashing"
)

// DownloadResult is a fully verified artifact ready to stream.
type DownloadResult struct {
	Payload     []byte
	Filename    string
	ContentType string
	SizeBytes   int64
	Checksum    string
}

// Download resolves (owner, repo, version) to verified bytes. The
// payload is re-hashed on every read; a mismatch against the sidecar
// checksum is reported as corruption, never served.
func (r *Registry) Download(owner, repo, version string) (*DownloadResult, error) {
	if err := validateName("owner", owner); err != nil {
		return nil, err
	}
	if err := validateName("package", repo); err != nil {
		return nil, err
	}
	canonical, err := validateVersion(version)
	if err != nil {
		return nil, err
	}

	if !r.content.Exists(repo, canonical) {
		return nil, fmt.Errorf("%w: package %s/%s version %s", ErrNotFound, owner, repo, canonical)
	}

	stored, err := r.content.Retrieve(repo, canonical)
	if err != nil {
		return nil, err
	}
	if stored.Owner != owner {
		// The name exists under another namespace; do not leak it.
		return nil, fmt.Errorf("%w: package %s/%s version %s", ErrNotFound, owner, repo, canonical)
	}

	if got := hashing.SumBytes(stored.Payload); got != stored.Checksum {
		r.logger.Error().
			Str("repo", repo).
			Str("version", canonical).
			Str("expected", stored.Checksum).
			Str("actual", got).
			Msg("stored artifact fails checksum verification")
		return nil, fmt.Errorf("%w: %s@%s", ErrChecksumMismatch, repo, canonical)
	}

	go r.countDownload(owner, repo, canonical)

	contentType := stored.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &DownloadResult{
		Payload:     stored.Payload,
		Filename:    fmt.Sprintf("%s-%s.pkg", repo, canonical),
		ContentType: contentType,
		SizeBytes:   int64(len(stored.Payload)),
		Checksum:    stored.Checksum,
	}, nil
}

// countDownload is fire-and-forget analytics; failures are logged and
// never surfaced to the client.
func (r *Registry) countDownload(owner, repo, version string) {
	err := r.catalogExec(func() error {
		return r.catalog.IncrementDownloadCount(owner, repo, version)
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("repo", repo).Str("version", version).Msg("download count not recorded")
	}
}
