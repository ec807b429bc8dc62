package handlers

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/depotd/depot/internal/adapters/auth"
	"github.com/depotd/depot/internal/adapters/metadata"
	"github.com/depotd/depot/internal/adapters/storage"
	"github.com/depotd/depot/internal/cache"
	"github.com/depotd/depot/internal/core/services"
)

type testEnv struct {
	router    http.Handler
	content   *storage.DiskContentStore
	cache     *cache.Cache
	staticDir string
}

func setupTestHandler(t *testing.T, opts Options) *testEnv {
	t.Helper()
	dir := t.TempDir()

	content, err := storage.NewDiskContentStore(dir, 10<<20)
	if err != nil {
		t.Fatalf("NewDiskContentStore: %v", err)
	}

	meta, err := metadata.NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	authenticator := auth.NewTokenAuth(map[string]string{
		"acme-token":  "acme",
		"rival-token": "rival",
	})
	logger := zerolog.Nop()
	registry := services.NewRegistry(content, meta, logger, 10<<20)
	fileCache := cache.New(16, time.Minute, 32<<10)

	if opts.StaticDir == "" {
		opts.StaticDir = filepath.Join(dir, "static")
	}

	h := New(registry, fileCache, authenticator, logger, opts)
	return &testEnv{
		router:    h.Router(),
		content:   content,
		cache:     fileCache,
		staticDir: opts.StaticDir,
	}
}

func multipartBody(t *testing.T, fields map[string]string, filename string, file []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField(%s): %v", k, err)
		}
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(file)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	return buf.Bytes(), mw.FormDataContentType()
}

func doRequest(t *testing.T, router http.Handler, method, path, token, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func publish(t *testing.T, router http.Handler, token, owner, repo, tag string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, map[string]string{"tag_name": tag}, repo+".pkg", payload)
	return doRequest(t, router, "POST", "/api/v1/packages/"+owner+"/"+repo+"/releases", token, contentType, body)
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestPublishThenDownload(t *testing.T) {
	env := setupTestHandler(t, Options{})

	rr := publish(t, env.router, "acme-token", "acme", "widget", "1.0.0", []byte("hello"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("publish: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	sum := sha256.Sum256([]byte("hello"))
	wantChecksum := hex.EncodeToString(sum[:])

	var desc map[string]interface{}
	decodeJSON(t, rr, &desc)
	if desc["checksum"] != wantChecksum {
		t.Errorf("checksum = %v, want %s", desc["checksum"], wantChecksum)
	}
	if desc["tag"] != "1.0.0" {
		t.Errorf("tag = %v, want 1.0.0", desc["tag"])
	}

	rr = doRequest(t, env.router, "GET", "/api/v1/packages/acme/widget/download/1.0.0", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "hello" {
		t.Errorf("body = %q, want hello", rr.Body.String())
	}
	if got := rr.Header().Get("Content-Length"); got != "5" {
		t.Errorf("Content-Length = %q, want 5", got)
	}
	if got := rr.Header().Get("Content-Disposition"); !strings.Contains(got, "widget-1.0.0.pkg") {
		t.Errorf("Content-Disposition = %q, want attachment filename", got)
	}
	if got := rr.Header().Get("X-Artifact-Checksum"); got != wantChecksum {
		t.Errorf("X-Artifact-Checksum = %q, want %s", got, wantChecksum)
	}
}

func TestDuplicatePublishKeepsFirstPayload(t *testing.T) {
	env := setupTestHandler(t, Options{})

	rr := publish(t, env.router, "acme-token", "acme", "widget", "1.0.0", []byte("first"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("first publish: expected 201, got %d", rr.Code)
	}

	rr = publish(t, env.router, "acme-token", "acme", "widget", "1.0.0", []byte("second"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("second publish: expected 409, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, env.router, "GET", "/api/v1/packages/acme/widget/download/1.0.0", "", "", nil)
	if rr.Body.String() != "first" {
		t.Errorf("stored payload changed to %q after conflicting publish", rr.Body.String())
	}
}

func TestDownloadMissingArtifact(t *testing.T) {
	env := setupTestHandler(t, Options{})

	rr := doRequest(t, env.router, "GET", "/api/v1/packages/acme/widget/download/9.9.9", "", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	var payload map[string]interface{}
	decodeJSON(t, rr, &payload)
	if payload["message"] == "" || payload["message"] == nil {
		t.Error("expected a message field in the error envelope")
	}
}

func TestDownloadInvalidVersion(t *testing.T) {
	env := setupTestHandler(t, Options{})

	rr := doRequest(t, env.router, "GET", "/api/v1/packages/acme/widget/download/not-a-version", "", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestPublishInvalidVersionWritesNothing(t *testing.T) {
	env := setupTestHandler(t, Options{})

	rr := publish(t, env.router, "acme-token", "acme", "widget", "not-a-version", []byte("data"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}

	refs, err := env.content.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("expected no stored artifacts after failed validation, got %d", len(refs))
	}
}

func TestPublishRequiresAuth(t *testing.T) {
	env := setupTestHandler(t, Options{})

	rr := publish(t, env.router, "", "acme", "widget", "1.0.0", []byte("data"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", rr.Code)
	}

	rr = publish(t, env.router, "bad-token", "acme", "widget", "1.0.0", []byte("data"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unknown token: expected 401, got %d", rr.Code)
	}
}

func TestPublishOutsideNamespaceForbidden(t *testing.T) {
	env := setupTestHandler(t, Options{})

	rr := publish(t, env.router, "rival-token", "acme", "widget", "1.0.0", []byte("data"))
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPublishOwnerFieldMismatch(t *testing.T) {
	env := setupTestHandler(t, Options{})

	body, contentType := multipartBody(t, map[string]string{
		"tag_name": "1.0.0",
		"owner":    "someone-else",
	}, "widget.pkg", []byte("data"))
	rr := doRequest(t, env.router, "POST", "/api/v1/packages/acme/widget/releases", "acme-token", contentType, body)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPackageSummary(t *testing.T) {
	env := setupTestHandler(t, Options{})

	publish(t, env.router, "acme-token", "acme", "widget", "1.0.0", []byte("v1"))
	publish(t, env.router, "acme-token", "acme", "widget", "2.0.0", []byte("v2"))

	rr := doRequest(t, env.router, "GET", "/api/v1/packages/acme/widget", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var summary map[string]interface{}
	decodeJSON(t, rr, &summary)
	releases := summary["releases"].([]interface{})
	if len(releases) != 2 {
		t.Errorf("expected 2 releases, got %d", len(releases))
	}
}

func TestDeleteRelease(t *testing.T) {
	env := setupTestHandler(t, Options{})

	publish(t, env.router, "acme-token", "acme", "widget", "1.0.0", []byte("data"))

	rr := doRequest(t, env.router, "DELETE", "/api/v1/packages/acme/widget/releases/1.0.0", "acme-token", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, env.router, "GET", "/api/v1/packages/acme/widget/download/1.0.0", "", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rr.Code)
	}

	rr = doRequest(t, env.router, "DELETE", "/api/v1/packages/acme/widget/releases/1.0.0", "acme-token", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rr.Code)
	}
}

func TestRouteNotFoundJSON(t *testing.T) {
	env := setupTestHandler(t, Options{})

	rr := doRequest(t, env.router, "GET", "/api/v1/does-not-exist", "", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content-type = %q, want application/json", got)
	}

	var payload map[string]interface{}
	decodeJSON(t, rr, &payload)
	if payload["message"] != "route not found" {
		t.Fatalf("message = %v, want route not found", payload["message"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := setupTestHandler(t, Options{})

	rr := doRequest(t, env.router, "PUT", "/api/v1/packages/acme/widget", "", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); !strings.Contains(allow, "GET") {
		t.Errorf("Allow = %q, want it to include GET", allow)
	}

	rr = doRequest(t, env.router, "GET", "/api/v1/admin/verify", "", "", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET on admin verify: expected 405, got %d", rr.Code)
	}
}

func TestStaticServedThroughCache(t *testing.T) {
	env := setupTestHandler(t, Options{})

	cssDir := filepath.Join(env.staticDir, "css")
	if err := os.MkdirAll(cssDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	content := "body { margin: 0; }"
	if err := os.WriteFile(filepath.Join(cssDir, "site.css"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rr := doRequest(t, env.router, "GET", "/css/site.css", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("first request X-Cache = %q, want MISS", got)
	}
	if rr.Body.String() != content {
		t.Errorf("body = %q, want %q", rr.Body.String(), content)
	}

	rr = doRequest(t, env.router, "GET", "/css/site.css", "", "", nil)
	if got := rr.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("second request X-Cache = %q, want HIT", got)
	}
	if rr.Body.String() != content {
		t.Errorf("cached body = %q, want %q", rr.Body.String(), content)
	}
}

func TestStaticRejectsTraversal(t *testing.T) {
	env := setupTestHandler(t, Options{})

	if err := os.MkdirAll(env.staticDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	secret := filepath.Join(filepath.Dir(env.staticDir), "secret.txt")
	if err := os.WriteFile(secret, []byte("secret"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rr := doRequest(t, env.router, "GET", "/css/../secret.txt", "", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for traversal, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "secret") {
		t.Error("traversal leaked file contents")
	}
}

func TestStaticMissingFile(t *testing.T) {
	env := setupTestHandler(t, Options{})

	rr := doRequest(t, env.router, "GET", "/js/nope.js", "", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := setupTestHandler(t, Options{})

	publish(t, env.router, "acme-token", "acme", "widget", "1.0.0", []byte("data"))

	rr := doRequest(t, env.router, "GET", "/api/v1/stats", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var stats map[string]interface{}
	decodeJSON(t, rr, &stats)
	if stats["artifacts"].(float64) != 1 {
		t.Errorf("artifacts = %v, want 1", stats["artifacts"])
	}
	if _, ok := stats["cache"].(map[string]interface{}); !ok {
		t.Error("expected a cache stats object")
	}
}

func TestAdminVerifyDetectsCorruption(t *testing.T) {
	env := setupTestHandler(t, Options{})

	publish(t, env.router, "acme-token", "acme", "widget", "1.0.0", []byte("pristine"))
	publish(t, env.router, "acme-token", "acme", "widget", "2.0.0", []byte("doomed"))

	// Flip the stored bytes behind the sidecar's back.
	path := env.content.ArtifactPath("widget", "2.0.0")
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rr := doRequest(t, env.router, "POST", "/api/v1/admin/verify", "acme-token", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var result map[string]interface{}
	decodeJSON(t, rr, &result)
	if result["verified"].(float64) != 1 {
		t.Errorf("verified = %v, want 1", result["verified"])
	}
	if result["corrupted"].(float64) != 1 {
		t.Errorf("corrupted = %v, want 1", result["corrupted"])
	}
}

func TestAdminVerifyRequiresAuth(t *testing.T) {
	env := setupTestHandler(t, Options{})

	rr := doRequest(t, env.router, "POST", "/api/v1/admin/verify", "", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := setupTestHandler(t, Options{})

	rr := doRequest(t, env.router, "GET", "/healthz", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected the request ID echoed in X-Request-ID")
	}
}

func TestRateLimitOnMutatingRequests(t *testing.T) {
	env := setupTestHandler(t, Options{PublishRate: 0.001, PublishBurst: 1})

	rr := publish(t, env.router, "acme-token", "acme", "widget", "1.0.0", []byte("data"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("first publish: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = publish(t, env.router, "acme-token", "acme", "widget", "2.0.0", []byte("data"))
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("second publish: expected 429, got %d", rr.Code)
	}

	// Reads are never limited.
	rr = doRequest(t, env.router, "GET", "/api/v1/packages/acme/widget/download/1.0.0", "", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("download under rate limit: expected 200, got %d", rr.Code)
	}
}

func TestConcurrentPublishSameVersion(t *testing.T) {
	env := setupTestHandler(t, Options{})

	const workers = 2
	start := make(chan struct{})
	var wg sync.WaitGroup
	codes := make(chan int, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			rr := publish(t, env.router, "acme-token", "acme", "concurrent", "1.0.0", []byte("same"))
			codes <- rr.Code
		}()
	}

	close(start)
	wg.Wait()
	close(codes)

	var created, conflict int
	for code := range codes {
		switch {
		case code == http.StatusCreated:
			created++
		case code == http.StatusConflict:
			conflict++
		case code >= 500:
			t.Fatalf("unexpected server error code: %d", code)
		}
	}
	if created != 1 || conflict != 1 {
		t.Fatalf("expected one created and one conflict, got created=%d conflict=%d", created, conflict)
	}
}
