package services

import (
	"net/http"

	"github.com/depotd/depot/internal/core/models"
)

// ContentStore is the checksum-verified, versioned artifact store. Paths
// are a pure function of (name, version): storing the same version twice
// is a conflict, never an overwrite.
type ContentStore interface {
	// Store writes the artifact payload and its sidecar. Returns
	// ErrConflict when the version already exists.
	Store(a *models.Artifact) (*models.StoredLocation, error)

	// Retrieve reads the payload and sidecar fully, bounded by the
	// store's maximum artifact size. Returns ErrNotFound if absent.
	Retrieve(name, version string) (*StoredArtifact, error)

	// Describe reads only the sidecar; the returned artifact carries a
	// nil payload. Returns ErrNotFound if absent.
	Describe(name, version string) (*StoredArtifact, error)

	// Exists reports whether the version has been fully published.
	Exists(name, version string) bool

	// Verify re-reads and re-hashes the payload against the expected
	// checksum. An empty expected checksum verifies against the sidecar.
	Verify(name, version, expected string) (bool, error)

	// Delete removes the whole version directory. Absence is ErrNotFound.
	Delete(name, version string) error

	// List returns every stored (name, version) pair.
	List() ([]ArtifactRef, error)

	// ArtifactPath returns the deterministic payload path for a version.
	ArtifactPath(name, version string) string
}

// StoredArtifact is a fully read artifact: payload plus sidecar fields.
type StoredArtifact struct {
	Payload     []byte
	Name        string
	Owner       string
	Version     string
	Filename    string
	ContentType string
	SizeBytes   int64
	Checksum    string
	Release     models.ReleaseInfo
}

// ArtifactRef identifies one stored version.
type ArtifactRef struct {
	Name    string
	Version string
}

// MetadataStore is the advisory package/release catalog. Storage is the
// source of truth; catalog failures never roll back a stored artifact.
type MetadataStore interface {
	// RecordRelease upserts the package row and inserts the release row.
	// A package owned by a different namespace is ErrConflict.
	RecordRelease(desc models.ReleaseDescriptor) error

	// IncrementDownloadCount bumps the per-release download counter.
	IncrementDownloadCount(owner, repo, version string) error

	// LookupPackage returns the catalog summary, or nil when unknown.
	LookupPackage(owner, repo string) (*models.PackageSummary, error)

	// PackageOwner returns the namespace that first claimed the package
	// name, or "" when the name is unclaimed. Package names are
	// registry-global; the on-disk layout is keyed by name alone.
	PackageOwner(repo string) (string, error)

	// DeleteRelease removes the catalog row for a deleted artifact.
	DeleteRelease(owner, repo, tag string) error

	// Close closes the catalog.
	Close() error
}

// Authenticator resolves a request credential to a principal. Consulted
// before publish, delete, and admin operations only.
type Authenticator interface {
	// Authenticate returns the principal for the request's credential,
	// or ErrUnauthenticated.
	Authenticate(r *http.Request) (*models.Principal, error)
}
