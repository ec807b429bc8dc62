package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
)

// hashingWriter tees writes through SHA-256 so streaming a payload to
// disk yields its checksum in the same pass.
type hashingWriter struct {
	w io.Writer
	h hash.Hash
}

func newHashingWriter(w io.Writer) *hashingWriter {
	return &hashingWriter{
		w: w,
		h: sha256.New(),
	}
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
	}
	return n, err
}

func (hw *hashingWriter) Hash() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}

// streamToFile writes from r to f while computing SHA-256.
func streamToFile(f *os.File, r io.Reader) (string, int64, error) {
	hw := newHashingWriter(f)
	n, err := io.Copy(hw, r)
	if err != nil {
		return "", 0, fmt.Errorf("streaming to file: %w", err)
	}
	return hw.Hash(), n, nil
}

// writeJSONAtomic publishes v at path via a temp file and rename, so a
// reader never observes a partially written sidecar.
func writeJSONAtomic(path, tmpDir string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}

	tmp, err := os.CreateTemp(tmpDir, "sidecar-*")
	if err != nil {
		return fmt.Errorf("creating sidecar temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing sidecar temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("publishing sidecar: %w", err)
	}
	return nil
}
