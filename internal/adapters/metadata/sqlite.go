package metadata

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/depotd/depot/internal/core/models"
	"github.com/depotd/depot/internal/core/services"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements MetadataStore backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the catalog database and runs
// migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := dataDir + "/depot.db?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS packages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			owner      TEXT NOT NULL,
			name       TEXT UNIQUE NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS releases (
			id             TEXT PRIMARY KEY,
			package_id     INTEGER NOT NULL,
			tag            TEXT NOT NULL,
			release_name   TEXT NOT NULL DEFAULT '',
			body           TEXT NOT NULL DEFAULT '',
			draft          INTEGER NOT NULL DEFAULT 0,
			prerelease     INTEGER NOT NULL DEFAULT 0,
			filename       TEXT NOT NULL,
			checksum       TEXT NOT NULL,
			size           INTEGER NOT NULL,
			download_count INTEGER NOT NULL DEFAULT 0,
			uploaded_at    DATETIME NOT NULL,
			UNIQUE(package_id, tag),
			FOREIGN KEY (package_id) REFERENCES packages(id)
		);
		CREATE INDEX IF NOT EXISTS idx_releases_checksum ON releases(checksum);
	`)
	return err
}

// ensurePackage resolves the package row for (owner, repo), creating it
// on first publish. Package names are registry-global, so a name
// already claimed by another namespace is a conflict.
func (s *SQLiteStore) ensurePackage(owner, repo string, createdAt time.Time) (int64, error) {
	var id int64
	var existing string
	err := s.db.QueryRow("SELECT id, owner FROM packages WHERE name = ?", repo).Scan(&id, &existing)
	if err == nil {
		if existing != owner {
			return 0, fmt.Errorf("%w: package %s is owned by %s", services.ErrConflict, repo, existing)
		}
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("looking up package: %w", err)
	}

	_, err = s.db.Exec("INSERT OR IGNORE INTO packages (owner, name, created_at) VALUES (?, ?, ?)", owner, repo, createdAt)
	if err != nil {
		return 0, fmt.Errorf("creating package: %w", err)
	}

	// Re-read: a concurrent publish may have inserted first.
	err = s.db.QueryRow("SELECT id, owner FROM packages WHERE name = ?", repo).Scan(&id, &existing)
	if err != nil {
		return 0, fmt.Errorf("getting package id: %w", err)
	}
	if existing != owner {
		return 0, fmt.Errorf("%w: package %s is owned by %s", services.ErrConflict, repo, existing)
	}
	return id, nil
}

// RecordRelease upserts the package row and inserts the release row.
func (s *SQLiteStore) RecordRelease(desc models.ReleaseDescriptor) error {
	pkgID, err := s.ensurePackage(desc.Owner, desc.Repo, desc.UploadedAt)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO releases (id, package_id, tag, release_name, body, draft, prerelease, filename, checksum, size, download_count, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, desc.ID, pkgID, desc.Tag, desc.ReleaseName, desc.Body, desc.Draft, desc.Prerelease, desc.Filename, desc.Checksum, desc.SizeBytes, desc.UploadedAt)
	if err != nil {
		if isUniqueConstraint(err) {
			return fmt.Errorf("%w: release %s already recorded", services.ErrConflict, desc.Tag)
		}
		return fmt.Errorf("recording release: %w", err)
	}
	return nil
}

// IncrementDownloadCount bumps the counter for one release. Releases
// missing from the catalog are ignored: storage is the source of truth
// and the catalog may lag behind it.
func (s *SQLiteStore) IncrementDownloadCount(owner, repo, version string) error {
	_, err := s.db.Exec(`
		UPDATE releases SET download_count = download_count + 1
		WHERE tag = ? AND package_id = (
			SELECT id FROM packages WHERE owner = ? AND name = ?
		)
	`, version, owner, repo)
	if err != nil {
		return fmt.Errorf("incrementing download count: %w", err)
	}
	return nil
}

// LookupPackage returns the catalog summary for (owner, repo), or nil
// when no such package is recorded under that namespace.
func (s *SQLiteStore) LookupPackage(owner, repo string) (*models.PackageSummary, error) {
	var pkgID int64
	summary := models.PackageSummary{Owner: owner, Repo: repo}
	err := s.db.QueryRow("SELECT id, created_at FROM packages WHERE owner = ? AND name = ?", owner, repo).
		Scan(&pkgID, &summary.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting package: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT tag, release_name, draft, prerelease, filename, checksum, size, download_count, uploaded_at
		FROM releases WHERE package_id = ?
		ORDER BY uploaded_at DESC
	`, pkgID)
	if err != nil {
		return nil, fmt.Errorf("listing releases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.ReleaseSummary
		if err := rows.Scan(&r.Tag, &r.ReleaseName, &r.Draft, &r.Prerelease, &r.Filename, &r.Checksum, &r.SizeBytes, &r.DownloadCount, &r.UploadedAt); err != nil {
			return nil, fmt.Errorf("scanning release: %w", err)
		}
		summary.TotalDownloads += r.DownloadCount
		summary.Releases = append(summary.Releases, r)
	}
	return &summary, rows.Err()
}

// PackageOwner returns the namespace that first claimed the package
// name, or "" when the name is unclaimed.
func (s *SQLiteStore) PackageOwner(repo string) (string, error) {
	var owner string
	err := s.db.QueryRow("SELECT owner FROM packages WHERE name = ?", repo).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting package owner: %w", err)
	}
	return owner, nil
}

// DeleteRelease removes the catalog row for a deleted artifact. The
// package row stays so the name remains claimed by its namespace.
func (s *SQLiteStore) DeleteRelease(owner, repo, tag string) error {
	result, err := s.db.Exec(`
		DELETE FROM releases WHERE tag = ? AND package_id = (
			SELECT id FROM packages WHERE owner = ? AND name = ?
		)
	`, tag, owner, repo)
	if err != nil {
		return fmt.Errorf("deleting release: %w", err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: release %s/%s@%s", services.ErrNotFound, owner, repo, tag)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
