package engine

import "errors"

var (
	// ErrNotFound reports an unknown backup id.
	ErrNotFound = errors.New("backup not found")

	// ErrIntegrityMismatch reports a checksum failure on restore or verify.
	// Always fatal to the operation that hit it.
	ErrIntegrityMismatch = errors.New("backup integrity mismatch")
)
