package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/lucidnotes/doc-pipeline/constants"
	"github.com/lucidnotes/doc-pipeline/internal/blob"
	"github.com/lucidnotes/doc-pipeline/internal/common"
)

// maxParseBytes caps how much of a blob the reference parser will read.
const maxParseBytes = 16 << 20

// ParseStage resolves the document's file ref through the blob store and
// extracts plain text. It stands in for the real format-aware parser; the
// failure classification is what downstream retry logic depends on.
type ParseStage struct {
	store blob.Store
}

// NewParseStage wires a ParseStage over the blob store.
func NewParseStage(store blob.Store) *ParseStage {
	return &ParseStage{store: store}
}

func (s *ParseStage) Kind() constants.StageKind { return constants.StageParse }

func (s *ParseStage) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	rc, err := s.store.Get(ctx, req.Document.FileRef)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			// Content that was never stored cannot appear on retry.
			return nil, common.PermanentStageError(err)
		}
		return nil, common.TransientStageError(err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, maxParseBytes+1))
	if err != nil {
		return nil, common.TransientStageError(fmt.Errorf("read blob %s: %w", req.Document.FileRef, err))
	}
	if len(raw) > maxParseBytes {
		return nil, common.Permanentf("blob %s exceeds %d byte parse limit", req.Document.FileRef, maxParseBytes)
	}
	if len(raw) == 0 {
		return nil, common.Permanentf("blob %s is empty", req.Document.FileRef)
	}
	if !utf8.Valid(raw) {
		return nil, common.Permanentf("blob %s is not valid UTF-8 text", req.Document.FileRef)
	}

	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, common.Permanentf("blob %s contains no extractable text", req.Document.FileRef)
	}

	return json.Marshal(parseOutput{Text: text, Bytes: int64(len(raw))})
}
