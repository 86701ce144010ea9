// Package integrity computes content digests over archive blobs. Pure
// functions, no side effects.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
)

// Checksum returns the SHA-256 digest of the blob as lowercase hex.
func Checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the blob's digest matches the expected checksum.
func Verify(blob []byte, expected string) bool {
	return Checksum(blob) == expected
}
