package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lucidnotes/doc-pipeline/constants"
	"github.com/lucidnotes/doc-pipeline/internal/blob"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
)

// artifactSchema constrains the assembled artifact before it is cached.
// A document is only marked Completed with a payload that validates here.
const artifactSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["extracted_text", "keywords", "concept_map"],
  "properties": {
    "extracted_text": {"type": "string", "minLength": 1},
    "keywords": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["term", "weight"],
        "properties": {
          "term": {"type": "string", "minLength": 1},
          "weight": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    },
    "concept_map": {
      "type": "object",
      "required": ["nodes", "edges"],
      "properties": {
        "nodes": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "label"],
            "properties": {
              "id": {"type": "string"},
              "label": {"type": "string"},
              "score": {"type": "number"}
            }
          }
        },
        "edges": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["source", "target"],
            "properties": {
              "source": {"type": "string"},
              "target": {"type": "string"},
              "weight": {"type": "number"}
            }
          }
        }
      }
    },
    "embedding": {"type": "array"}
  }
}`

var compiledArtifactSchema = jsonschema.MustCompileString("artifact.json", artifactSchema)

// AssembleArtifact builds the final cached artifact from the per-stage
// outputs and validates it against the artifact schema. Jobs must all be
// succeeded; the orchestrator guarantees that before calling.
func AssembleArtifact(jobs []entity.Job) (json.RawMessage, error) {
	outputs := make(map[constants.StageKind]json.RawMessage, len(jobs))
	for i := range jobs {
		outputs[jobs[i].StageKind] = jobs[i].Output
	}

	var parsed parseOutput
	if err := json.Unmarshal(outputs[constants.StageParse], &parsed); err != nil {
		return nil, fmt.Errorf("decode parse output: %w", err)
	}
	var kw keywordsOutput
	if err := json.Unmarshal(outputs[constants.StageExtractKeywords], &kw); err != nil {
		return nil, fmt.Errorf("decode keywords output: %w", err)
	}
	var emb embedOutput
	if err := json.Unmarshal(outputs[constants.StageEmbed], &emb); err != nil {
		return nil, fmt.Errorf("decode embed output: %w", err)
	}
	var cm conceptMapOutput
	if err := json.Unmarshal(outputs[constants.StageGenerateMap], &cm); err != nil {
		return nil, fmt.Errorf("decode concept map output: %w", err)
	}

	artifact := entity.Artifact{
		ExtractedText: parsed.Text,
		Keywords:      kw.Keywords,
		ConceptMap:    entity.ConceptMap{Nodes: cm.Nodes, Edges: cm.Edges},
		Embedding:     emb.Embeddings,
	}
	if artifact.Keywords == nil {
		artifact.Keywords = []entity.Keyword{}
	}
	if artifact.ConceptMap.Nodes == nil {
		artifact.ConceptMap.Nodes = []entity.ConceptNode{}
	}
	if artifact.ConceptMap.Edges == nil {
		artifact.ConceptMap.Edges = []entity.ConceptEdge{}
	}

	raw, err := json.Marshal(artifact)
	if err != nil {
		return nil, err
	}
	if err := ValidateArtifact(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ValidateArtifact checks raw against the artifact schema.
func ValidateArtifact(raw json.RawMessage) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("artifact is not valid JSON: %w", err)
	}
	if err := compiledArtifactSchema.Validate(v); err != nil {
		return fmt.Errorf("artifact failed schema validation: %w", err)
	}
	return nil
}

// DefaultRegistry registers the reference executor for every stage kind.
func DefaultRegistry(store blob.Store) *Registry {
	return NewRegistry(
		NewParseStage(store),
		NewEmbedStage(),
		NewKeywordStage(),
		NewConceptMapStage(),
	)
}
