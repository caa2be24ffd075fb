package fingerprint

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSum_MatchesReferenceDigest(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	want := sha256.Sum256(data)

	got, err := New().Sum(bytes.NewReader(data), int64(len(data)), nil)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestSum_DeterministicAcrossChunkSizes(t *testing.T) {
	data := make([]byte, 1<<20+13) // deliberately not chunk-aligned
	_, err := rand.Read(data)
	require.NoError(t, err)

	var digests []string
	for _, size := range []int{1, 7, 4096, DefaultChunkSize, len(data) * 2} {
		d, err := New(WithChunkSize(size)).Sum(bytes.NewReader(data), int64(len(data)), nil)
		require.NoError(t, err)
		digests = append(digests, d)
	}
	for _, d := range digests[1:] {
		assert.Equal(t, digests[0], d, "digest must not depend on chunk size")
	}
}

func TestSum_ReportsProgressAtChunkBoundaries(t *testing.T) {
	data := make([]byte, 10*1024)
	var reports []int64

	_, err := New(WithChunkSize(4096)).Sum(bytes.NewReader(data), int64(len(data)), func(hashed, total int64) {
		assert.Equal(t, int64(len(data)), total)
		reports = append(reports, hashed)
	})
	require.NoError(t, err)

	require.NotEmpty(t, reports)
	assert.Equal(t, int64(len(data)), reports[len(reports)-1])
	for i := 1; i < len(reports); i++ {
		assert.Greater(t, reports[i], reports[i-1], "progress must be monotonic")
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestSum_PropagatesReadError(t *testing.T) {
	readErr := errors.New("disk on fire")
	_, err := New(WithChunkSize(8)).Sum(&failingReader{data: []byte("partial"), err: readErr}, 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, readErr)
}

func TestSum_EmptyStream(t *testing.T) {
	want := sha256.Sum256(nil)
	got, err := New().Sum(io.LimitReader(bytes.NewReader(nil), 0), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(want[:]), got)
}
