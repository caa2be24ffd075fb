// Package pipeline defines the stage executor contract and ships reference
// executors for every stage kind. Real parsing/embedding engines plug in by
// registering a different executor for the same kind.
package pipeline

import (
	"context"
	"encoding/json"

	"github.com/lucidnotes/doc-pipeline/constants"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
)

// Request carries everything a stage needs: the owning document and the
// outputs of the stages it depends on, keyed by stage kind.
type Request struct {
	Document *entity.Document
	Inputs   map[constants.StageKind]json.RawMessage
}

// Executor runs one unit of pipeline work. Implementations classify every
// failure as transient (common.TransientStageError) or permanent
// (common.PermanentStageError); unclassified errors are treated as
// transient.
type Executor interface {
	Kind() constants.StageKind
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// Registry maps each closed stage kind to its executor.
type Registry struct {
	executors map[constants.StageKind]Executor
}

// NewRegistry builds a registry from the given executors. Later entries for
// the same kind win, which lets callers override a single reference stage.
func NewRegistry(executors ...Executor) *Registry {
	m := make(map[constants.StageKind]Executor, len(executors))
	for _, e := range executors {
		m[e.Kind()] = e
	}
	return &Registry{executors: m}
}

// Get returns the executor registered for kind.
func (r *Registry) Get(kind constants.StageKind) (Executor, bool) {
	e, ok := r.executors[kind]
	return e, ok
}

// Stage output payloads. Each stage persists exactly one of these as its
// job output; the artifact assembler decodes them back.

type parseOutput struct {
	Text  string `json:"text"`
	Bytes int64  `json:"bytes"`
}

type embedOutput struct {
	Embeddings []entity.Embedding `json:"embeddings"`
}

type keywordsOutput struct {
	Keywords []entity.Keyword `json:"keywords"`
}

type conceptMapOutput struct {
	Nodes []entity.ConceptNode `json:"nodes"`
	Edges []entity.ConceptEdge `json:"edges"`
}
