// Package blob is the narrow adapter the snapshot chunk store offloads large
// bodies to. Backends are content-addressed by sha256; production S3/R2
// adapters live outside this module, the filesystem backend here serves
// single-node deployments and tests.
package blob

import (
	"context"
	"fmt"
	"io"
	"regexp"
)

// HashPrefix is the wire form prefix of a blob hash string.
const HashPrefix = "sha256:"

var hashPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// ValidHash reports whether s is a well-formed "sha256:<64 lowercase hex>"
// blob hash string.
func ValidHash(s string) bool {
	return hashPattern.MatchString(s)
}

// Ref describes a stored blob, as it may ride inside row payloads.
type Ref struct {
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`
	KeyID     string `json:"keyId,omitempty"`
}

// Store is the backend contract. Put must be durable before returning;
// partial writes must never be observable through Get.
type Store interface {
	// Put stores body under hash ("sha256:<hex>"). Idempotent: storing an
	// existing hash is a no-op.
	Put(ctx context.Context, hash string, body io.Reader, size int64) error

	// Get opens the blob, or returns ErrNotFound.
	Get(ctx context.Context, hash string) (io.ReadCloser, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, hash string) error
}

// ErrNotFound is returned by Get for unknown hashes.
var ErrNotFound = fmt.Errorf("blob not found")
