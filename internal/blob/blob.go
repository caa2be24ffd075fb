// Package blob abstracts where uploaded file content lives. A file ref is
// an opaque key understood by the configured store; the pipeline only ever
// reads blobs, it never writes them.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when the ref does not resolve to stored content.
var ErrNotFound = errors.New("blob not found")

// Store resolves file refs to content.
type Store interface {
	// Get opens the blob for reading. The caller closes the reader.
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
	// Put stores content under ref, overwriting any previous value.
	Put(ctx context.Context, ref string, r io.Reader, size int64) error
}
