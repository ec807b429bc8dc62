package handlers

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/depotd/depot/internal/util/logging"
)

// staticHandler serves the virtual asset directories. Files at or
// under the cache admission threshold are served through the LRU
// cache; larger files stream from disk.
func (h *Handler) staticHandler() http.Handler {
	return http.HandlerFunc(h.serveStatic)
}

func (h *Handler) serveStatic(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path

	// Reject traversal before any disk access.
	if strings.Contains(urlPath, "..") || path.Clean(urlPath) != urlPath {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	now := time.Now()
	if entry, ok := h.cache.Get(urlPath); ok && !entry.Expired(now) {
		w.Header().Set("Content-Type", entry.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(entry.Payload)))
		w.Header().Set("X-Cache", "HIT")
		w.Write(entry.Payload)
		return
	}

	full := filepath.Join(h.opts.StaticDir, filepath.FromSlash(strings.TrimPrefix(urlPath, "/")))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	contentType := mime.TypeByExtension(path.Ext(urlPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if info.Size() <= int64(h.cache.MaxEntrySize()) {
		payload, err := os.ReadFile(full)
		if err != nil {
			h.staticReadError(w, r, err)
			return
		}
		h.cache.Put(urlPath, payload, contentType)
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Header().Set("X-Cache", "MISS")
		w.Write(payload)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		h.staticReadError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Error().
			Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("streaming static file")
	}
}

func (h *Handler) staticReadError(w http.ResponseWriter, r *http.Request, err error) {
	if os.IsNotExist(err) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	h.logger.Error().
		Err(err).
		Str("request_id", logging.RequestID(r.Context())).
		Str("path", r.URL.Path).
		Msg("reading static file")
	writeError(w, http.StatusInternalServerError, "internal error")
}
