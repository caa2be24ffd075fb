package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"

	"github.com/lucidnotes/doc-pipeline/constants"
	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
)

const (
	embedDim       = 16
	embedChunkSize = 512 // words per chunk
)

// EmbedStage derives a deterministic vector per text chunk. A production
// deployment swaps this for an executor that calls an embedding service;
// the digest-based vectors keep the DAG runnable and reproducible without
// one.
type EmbedStage struct{}

// NewEmbedStage returns the reference embedding executor.
func NewEmbedStage() *EmbedStage { return &EmbedStage{} }

func (s *EmbedStage) Kind() constants.StageKind { return constants.StageEmbed }

func (s *EmbedStage) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	var parsed parseOutput
	if err := json.Unmarshal(req.Inputs[constants.StageParse], &parsed); err != nil {
		return nil, common.Permanentf("decode parse output: %v", err)
	}
	if parsed.Text == "" {
		return nil, common.Permanentf("parse output has no text")
	}

	words := strings.Fields(parsed.Text)
	var embeddings []entity.Embedding
	for chunk := 0; chunk*embedChunkSize < len(words); chunk++ {
		if err := ctx.Err(); err != nil {
			return nil, common.TransientStageError(err)
		}
		end := (chunk + 1) * embedChunkSize
		if end > len(words) {
			end = len(words)
		}
		embeddings = append(embeddings, entity.Embedding{
			Chunk:  chunk,
			Vector: chunkVector(strings.Join(words[chunk*embedChunkSize:end], " ")),
		})
	}

	return json.Marshal(embedOutput{Embeddings: embeddings})
}

// chunkVector maps a chunk to a unit vector derived from its digest, so
// identical text always embeds identically.
func chunkVector(chunk string) []float64 {
	sum := sha256.Sum256([]byte(chunk))
	vec := make([]float64, embedDim)
	var norm float64
	for i := 0; i < embedDim; i++ {
		bits := binary.BigEndian.Uint16(sum[i*2 : i*2+2])
		v := float64(bits)/math.MaxUint16*2 - 1
		vec[i] = v
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
