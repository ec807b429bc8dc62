package services

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/depotd/depot/internal/core/models"
)

// Registry drives the publish, download, and delete pipelines over the
// content store. The metadata catalog is advisory: every catalog call
// runs through a circuit breaker and its failure never invalidates what
// storage already holds.
type Registry struct {
	content  ContentStore
	catalog  MetadataStore
	breaker  *gobreaker.CircuitBreaker
	logger   zerolog.Logger
	maxBytes int64
}

// NewRegistry wires the pipelines to their stores.
func NewRegistry(content ContentStore, catalog MetadataStore, logger zerolog.Logger, maxArtifactBytes int64) *Registry {
	r := &Registry{
		content:  content,
		catalog:  catalog,
		logger:   logger,
		maxBytes: maxArtifactBytes,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "catalog",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && ratio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
		// Domain results are not catalog outages.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound)
		},
	})
	return r
}

// catalogExec runs one catalog call through the breaker.
func (r *Registry) catalogExec(fn func() error) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// PackageSummary returns the catalog's view of a package under its
// namespace.
func (r *Registry) PackageSummary(owner, repo string) (*models.PackageSummary, error) {
	if err := validateName("owner", owner); err != nil {
		return nil, err
	}
	if err := validateName("package", repo); err != nil {
		return nil, err
	}

	var summary *models.PackageSummary
	err := r.catalogExec(func() error {
		var lookupErr error
		summary, lookupErr = r.catalog.LookupPackage(owner, repo)
		return lookupErr
	})
	if err != nil {
		return nil, fmt.Errorf("looking up package: %w", err)
	}
	if summary == nil {
		return nil, fmt.Errorf("%w: package %s/%s", ErrNotFound, owner, repo)
	}
	return summary, nil
}

// Delete removes one published version. The content store is
// authoritative; the catalog row is cleaned up best-effort.
func (r *Registry) Delete(principal *models.Principal, owner, repo, tag string) error {
	if err := validateName("owner", owner); err != nil {
		return err
	}
	if err := validateName("package", repo); err != nil {
		return err
	}
	version, err := validateVersion(tag)
	if err != nil {
		return err
	}
	if principal == nil {
		return fmt.Errorf("%w: delete requires a credential", ErrUnauthenticated)
	}
	if principal.Name != owner {
		return fmt.Errorf("%w: token for %s cannot delete under %s", ErrForbidden, principal.Name, owner)
	}

	stored, err := r.content.Describe(repo, version)
	if err != nil {
		return err
	}
	if stored.Owner != owner {
		// The name exists under another namespace; do not leak it.
		return fmt.Errorf("%w: package %s/%s version %s", ErrNotFound, owner, repo, version)
	}

	if err := r.content.Delete(repo, version); err != nil {
		return err
	}
	r.logger.Info().
		Str("owner", owner).
		Str("repo", repo).
		Str("tag", version).
		Msg("release deleted")

	if err := r.catalogExec(func() error {
		return r.catalog.DeleteRelease(owner, repo, version)
	}); err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn().Err(err).Str("repo", repo).Str("tag", version).Msg("catalog row not removed")
	}
	return nil
}

// VerifySweep re-hashes every stored artifact against its sidecar
// checksum and reports the corrupted ones.
func (r *Registry) VerifySweep() (*models.VerifySweepResult, error) {
	refs, err := r.content.List()
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}

	result := &models.VerifySweepResult{}
	for _, ref := range refs {
		ok, err := r.content.Verify(ref.Name, ref.Version, "")
		switch {
		case err != nil:
			result.Corrupted++
			result.Failures = append(result.Failures, fmt.Sprintf("%s@%s: %v", ref.Name, ref.Version, err))
			r.logger.Error().Err(err).Str("name", ref.Name).Str("version", ref.Version).Msg("integrity sweep failure")
		case !ok:
			result.Corrupted++
			result.Failures = append(result.Failures, fmt.Sprintf("%s@%s: checksum mismatch", ref.Name, ref.Version))
			r.logger.Error().Str("name", ref.Name).Str("version", ref.Version).Msg("stored artifact fails checksum verification")
		default:
			result.Verified++
		}
	}
	return result, nil
}

// ArtifactCount reports how many versions the content store holds.
func (r *Registry) ArtifactCount() (int, error) {
	refs, err := r.content.List()
	if err != nil {
		return 0, err
	}
	return len(refs), nil
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

const maxNameLength = 100

func validateName(kind, value string) error {
	if value == "" || len(value) > maxNameLength || !namePattern.MatchString(value) {
		return fmt.Errorf("%w: %s %q", ErrInvalidName, kind, value)
	}
	return nil
}

// validateVersion parses tag under strict SemVer and returns its
// canonical form. Build metadata does not participate in SemVer
// precedence, so it is dropped: tags differing only in metadata
// resolve to one storage path instead of aliasing distinct ones.
func validateVersion(tag string) (string, error) {
	v, err := semver.StrictNewVersion(tag)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, tag)
	}
	canonical := fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
	if pre := v.Prerelease(); pre != "" {
		canonical += "-" + pre
	}
	return canonical, nil
}
