package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// ComputeSHA256 reads from r and returns the hex-encoded SHA256 hash and bytes read.
func ComputeSHA256(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("computing hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SumBytes returns the hex-encoded SHA256 hash of b.
func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// IsHexDigest reports whether v looks like a lowercase hex SHA256 digest.
func IsHexDigest(v string) bool {
	if len(v) != 64 {
		return false
	}
	for i := 0; i < len(v); i++ {
		ch := v[i]
		if (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') {
			continue
		}
		return false
	}
	return true
}
