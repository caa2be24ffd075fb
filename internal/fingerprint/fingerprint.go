// Package fingerprint computes content fingerprints: deterministic sha256
// digests of a byte stream, streamed in fixed-size chunks so files of
// unbounded size never need to fit in memory.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// DefaultChunkSize is the read granularity. The digest is independent of
// this value; it only controls memory use and progress callback frequency.
const DefaultChunkSize = 64 * 1024

// ProgressFunc is invoked at each chunk boundary with the number of bytes
// hashed so far and the expected total (0 when unknown).
type ProgressFunc func(hashed, total int64)

// Fingerprinter streams bytes into a sha256 digest.
type Fingerprinter struct {
	chunkSize int
}

// Option configures a Fingerprinter.
type Option func(*Fingerprinter)

// WithChunkSize overrides the read granularity.
func WithChunkSize(n int) Option {
	return func(f *Fingerprinter) {
		if n > 0 {
			f.chunkSize = n
		}
	}
}

// New constructs a Fingerprinter.
func New(opts ...Option) *Fingerprinter {
	f := &Fingerprinter{chunkSize: DefaultChunkSize}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Sum hashes r to completion and returns the lowercase hex digest. total is
// the expected stream length for progress reporting; pass 0 when unknown.
// progress may be nil. Read errors propagate; the stream is never silently
// truncated.
func (f *Fingerprinter) Sum(r io.Reader, total int64, progress ProgressFunc) (string, error) {
	h := sha256.New()
	buf := make([]byte, f.chunkSize)
	var hashed int64

	for {
		n, err := r.Read(buf)
		if n > 0 {
			// Hash.Write never returns an error.
			h.Write(buf[:n])
			hashed += int64(n)
			if progress != nil {
				progress(hashed, total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read at offset %d: %w", hashed, err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
