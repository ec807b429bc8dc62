package models

import "time"

// Artifact is one package version's payload plus the descriptive fields
// that end up in its sidecar. Namespace is the publishing owner; Name is
// the registry-unique package name the on-disk layout is keyed by.
type Artifact struct {
	Namespace   string
	Name        string
	Version     string
	Filename    string
	ContentType string
	Payload     []byte
	Release     ReleaseInfo
}

// ReleaseInfo carries the optional release annotations from a publish form.
type ReleaseInfo struct {
	Name       string `json:"name,omitempty"`
	Body       string `json:"body,omitempty"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// StoredLocation describes where and how an artifact landed on disk.
type StoredLocation struct {
	Path      string
	SizeBytes int64
	Checksum  string
}

// ReleaseDescriptor is the publish result returned to clients and recorded
// in the metadata catalog.
type ReleaseDescriptor struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Repo        string    `json:"repo"`
	Tag         string    `json:"tag"`
	ReleaseName string    `json:"release_name,omitempty"`
	Body        string    `json:"body,omitempty"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	Filename    string    `json:"filename"`
	SizeBytes   int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	DownloadURL string    `json:"download_url"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// ReleaseSummary is one catalog row of a package summary.
type ReleaseSummary struct {
	Tag           string    `json:"tag"`
	ReleaseName   string    `json:"release_name,omitempty"`
	Draft         bool      `json:"draft"`
	Prerelease    bool      `json:"prerelease"`
	Filename      string    `json:"filename"`
	Checksum      string    `json:"checksum"`
	SizeBytes     int64     `json:"size"`
	DownloadCount int64     `json:"download_count"`
	UploadedAt    time.Time `json:"uploaded_at"`
}

// PackageSummary is the catalog's view of a package and its releases.
type PackageSummary struct {
	Owner          string           `json:"owner"`
	Repo           string           `json:"repo"`
	CreatedAt      time.Time        `json:"created_at"`
	TotalDownloads int64            `json:"total_downloads"`
	Releases       []ReleaseSummary `json:"releases"`
}

// Principal identifies an authenticated publisher.
type Principal struct {
	Name string
}

// ErrorResponse is the JSON error envelope for every failed request.
// DocumentationURL is reserved for linking error docs.
type ErrorResponse struct {
	Message          string `json:"message"`
	DocumentationURL string `json:"documentation_url,omitempty"`
}

// VerifySweepResult reports an integrity sweep over the content store.
type VerifySweepResult struct {
	Verified  int      `json:"verified"`
	Corrupted int      `json:"corrupted"`
	Failures  []string `json:"failures,omitempty"`
}

// StatsResponse is the payload of the stats endpoint.
type StatsResponse struct {
	Cache     CacheStats `json:"cache"`
	Artifacts int        `json:"artifacts"`
}

// CacheStats mirrors the LRU cache counters.
type CacheStats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}
