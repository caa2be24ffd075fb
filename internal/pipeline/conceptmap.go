package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/lucidnotes/doc-pipeline/constants"
	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
)

// ConceptMapStage builds a keyword co-occurrence graph: one node per
// extracted keyword, one edge per pair of keywords appearing in the same
// sentence. It consumes both upstream branches, which is what forces the
// DAG join.
type ConceptMapStage struct{}

// NewConceptMapStage returns the reference concept-map executor.
func NewConceptMapStage() *ConceptMapStage { return &ConceptMapStage{} }

func (s *ConceptMapStage) Kind() constants.StageKind { return constants.StageGenerateMap }

func (s *ConceptMapStage) Execute(_ context.Context, req Request) (json.RawMessage, error) {
	var parsed parseOutput
	if err := json.Unmarshal(req.Inputs[constants.StageParse], &parsed); err != nil {
		return nil, common.Permanentf("decode parse output: %v", err)
	}
	var kw keywordsOutput
	if err := json.Unmarshal(req.Inputs[constants.StageExtractKeywords], &kw); err != nil {
		return nil, common.Permanentf("decode keywords output: %v", err)
	}
	var emb embedOutput
	if err := json.Unmarshal(req.Inputs[constants.StageEmbed], &emb); err != nil {
		return nil, common.Permanentf("decode embed output: %v", err)
	}

	nodes := make([]entity.ConceptNode, 0, len(kw.Keywords))
	terms := make(map[string]struct{}, len(kw.Keywords))
	for _, k := range kw.Keywords {
		nodes = append(nodes, entity.ConceptNode{ID: k.Term, Label: k.Term, Score: k.Weight})
		terms[k.Term] = struct{}{}
	}

	cooc := make(map[[2]string]int)
	for _, sentence := range splitSentences(parsed.Text) {
		present := make([]string, 0, 4)
		seen := make(map[string]bool)
		for _, tok := range tokenize(sentence) {
			if _, ok := terms[tok]; ok && !seen[tok] {
				seen[tok] = true
				present = append(present, tok)
			}
		}
		sort.Strings(present)
		for i := 0; i < len(present); i++ {
			for j := i + 1; j < len(present); j++ {
				cooc[[2]string{present[i], present[j]}]++
			}
		}
	}

	maxCooc := 0
	for _, n := range cooc {
		if n > maxCooc {
			maxCooc = n
		}
	}
	edges := make([]entity.ConceptEdge, 0, len(cooc))
	for pair, n := range cooc {
		edges = append(edges, entity.ConceptEdge{
			Source: pair[0],
			Target: pair[1],
			Weight: float64(n) / float64(maxCooc),
		})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})

	return json.Marshal(conceptMapOutput{Nodes: nodes, Edges: edges})
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
}
