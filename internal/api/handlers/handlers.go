// Package handlers is the HTTP boundary: it builds the route tables,
// parses request paths, maps pipeline errors onto status codes, and
// keeps every error response inside the JSON envelope.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/depotd/depot/internal/cache"
	"github.com/depotd/depot/internal/core/models"
	"github.com/depotd/depot/internal/core/services"
	"github.com/depotd/depot/internal/router"
	"github.com/depotd/depot/internal/util/logging"
)

const packagesPrefix = "/api/v1/packages/"

// staticPrefixes are the virtual directories served from the asset root.
var staticPrefixes = []string{"/css/", "/js/", "/images/", "/assets/"}

// Options carries the operational knobs the HTTP layer needs beyond its
// collaborators.
type Options struct {
	// MaxBodyBytes caps publish request bodies before any buffering.
	MaxBodyBytes int64

	// StaticDir is the physical root the static prefixes map onto.
	StaticDir string

	// MaxInFlight bounds concurrently served requests; 0 disables.
	MaxInFlight int

	// PublishRate/PublishBurst shape the token bucket on mutating
	// requests; a zero rate disables limiting.
	PublishRate  float64
	PublishBurst int
}

// Handler holds all HTTP handlers and their dependencies.
type Handler struct {
	registry *services.Registry
	cache    *cache.Cache
	auth     services.Authenticator
	logger   zerolog.Logger
	opts     Options
}

// New creates a new Handler with the given dependencies.
func New(registry *services.Registry, fileCache *cache.Cache, auth services.Authenticator, logger zerolog.Logger, opts Options) *Handler {
	if opts.MaxBodyBytes <= 0 {
		// Artifact cap plus slack for the multipart framing.
		opts.MaxBodyBytes = (100 << 20) + (1 << 20)
	}
	return &Handler{
		registry: registry,
		cache:    fileCache,
		auth:     auth,
		logger:   logger,
		opts:     opts,
	}
}

// Router builds the tiered route tables and wraps them in the
// middleware chain. Called once at startup; the tables are immutable
// while serving.
func (h *Handler) Router() http.Handler {
	r := router.New()

	r.HandleExact("/healthz", http.HandlerFunc(h.Health))
	r.HandleExact("/api/v1/stats", http.HandlerFunc(h.Stats))

	// More specific prefixes first: the admin route must win before
	// any later catch-all could.
	r.HandlePrefix(http.MethodPost, "/api/v1/admin/verify", http.HandlerFunc(h.AdminVerify))
	r.HandlePrefix(http.MethodGet, packagesPrefix, http.HandlerFunc(h.PackagesGet))
	r.HandlePrefix(http.MethodPost, packagesPrefix, http.HandlerFunc(h.Publish))
	r.HandlePrefix(http.MethodDelete, packagesPrefix, http.HandlerFunc(h.DeleteRelease))

	for _, prefix := range staticPrefixes {
		r.HandleStatic(prefix, h.staticHandler())
	}

	r.NotFound(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	}))
	r.MethodNotAllowed(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}))

	return h.middleware(r)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	count, err := h.registry.ArtifactCount()
	if err != nil {
		h.serviceError(w, r, err, "counting artifacts")
		return
	}
	writeJSON(w, http.StatusOK, models.StatsResponse{
		Cache:     h.cache.Stats(),
		Artifacts: count,
	})
}

// PackagesGet dispatches the two GET shapes under the packages prefix:
//
//	/api/v1/packages/{owner}/{repo}
//	/api/v1/packages/{owner}/{repo}/download/{version}
func (h *Handler) PackagesGet(w http.ResponseWriter, r *http.Request) {
	segs := packageSegments(r.URL.Path)
	switch {
	case len(segs) == 2:
		h.packageSummary(w, r, segs[0], segs[1])
	case len(segs) == 4 && segs[2] == "download":
		h.download(w, r, segs[0], segs[1], segs[3])
	default:
		writeError(w, http.StatusNotFound, "route not found")
	}
}

func (h *Handler) packageSummary(w http.ResponseWriter, r *http.Request, owner, repo string) {
	summary, err := h.registry.PackageSummary(owner, repo)
	if err != nil {
		h.serviceError(w, r, err, "looking up package")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request, owner, repo, version string) {
	res, err := h.registry.Download(owner, repo, version)
	if err != nil {
		h.serviceError(w, r, err, "downloading artifact")
		return
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(res.SizeBytes, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	w.Header().Set("X-Artifact-Checksum", res.Checksum)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Payload); err != nil {
		h.logger.Error().
			Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("repo", repo).
			Str("version", version).
			Msg("streaming artifact response")
	}
}

// Publish handles POST /api/v1/packages/{owner}/{repo}/releases.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	segs := packageSegments(r.URL.Path)
	if len(segs) != 3 || segs[2] != "releases" {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}

	principal, err := h.auth.Authenticate(r)
	if err != nil {
		h.serviceError(w, r, err, "authenticating publish")
		return
	}

	desc, err := h.registry.Publish(services.PublishRequest{
		Principal:   principal,
		Owner:       segs[0],
		Repo:        segs[1],
		ContentType: r.Header.Get("Content-Type"),
		Body:        http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes),
	})
	if err != nil {
		h.serviceError(w, r, err, "publishing release")
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

// DeleteRelease handles DELETE /api/v1/packages/{owner}/{repo}/releases/{tag}.
func (h *Handler) DeleteRelease(w http.ResponseWriter, r *http.Request) {
	segs := packageSegments(r.URL.Path)
	if len(segs) != 4 || segs[2] != "releases" {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}

	principal, err := h.auth.Authenticate(r)
	if err != nil {
		h.serviceError(w, r, err, "authenticating delete")
		return
	}

	if err := h.registry.Delete(principal, segs[0], segs[1], segs[3]); err != nil {
		h.serviceError(w, r, err, "deleting release")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// AdminVerify handles POST /api/v1/admin/verify.
func (h *Handler) AdminVerify(w http.ResponseWriter, r *http.Request) {
	if strings.TrimRight(r.URL.Path, "/") != "/api/v1/admin/verify" {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}

	if _, err := h.auth.Authenticate(r); err != nil {
		h.serviceError(w, r, err, "authenticating verify sweep")
		return
	}

	result, err := h.registry.VerifySweep()
	if err != nil {
		h.serviceError(w, r, err, "running verify sweep")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// packageSegments splits the remainder after the packages prefix into
// path segments.
func packageSegments(path string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, packagesPrefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// serviceError maps a pipeline error onto its status code and the JSON
// envelope. Unexpected errors are logged with context and flattened to
// a generic 500 so internals never reach the body.
func (h *Handler) serviceError(w http.ResponseWriter, r *http.Request, err error, context string) {
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, services.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrTooLarge), errors.As(err, &maxBytesErr):
		writeError(w, http.StatusRequestEntityTooLarge, "artifact exceeds the size limit")
	case errors.Is(err, services.ErrInvalidVersion),
		errors.Is(err, services.ErrInvalidName),
		errors.Is(err, services.ErrInvalidMultipart),
		errors.Is(err, services.ErrMissingFile),
		errors.Is(err, services.ErrEmptyFile),
		errors.Is(err, services.ErrMissingTagName),
		errors.Is(err, services.ErrOwnerMismatch),
		errors.Is(err, services.ErrRepoMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error().
			Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg(context)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Message: msg})
}
