package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"unicode"

	"github.com/lucidnotes/doc-pipeline/constants"
	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
)

const maxKeywords = 12

// english stopwords plus a few document-boilerplate terms; enough for the
// reference extractor, not meant to be exhaustive.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "any": {}, "can": {}, "had": {}, "her": {},
	"was": {}, "one": {}, "our": {}, "out": {}, "has": {}, "have": {},
	"this": {}, "that": {}, "with": {}, "from": {}, "they": {}, "will": {},
	"would": {}, "there": {}, "their": {}, "what": {}, "about": {},
	"which": {}, "when": {}, "were": {}, "been": {}, "more": {}, "also": {},
	"into": {}, "other": {}, "some": {}, "such": {}, "than": {}, "then": {},
	"these": {}, "those": {}, "where": {}, "while": {}, "each": {},
	"between": {}, "during": {}, "because": {}, "over": {}, "under": {},
}

// KeywordStage runs stopword-filtered frequency extraction over the parsed
// text. Like the other reference executors it is deliberately simple and
// fully deterministic.
type KeywordStage struct{}

// NewKeywordStage returns the reference keyword executor.
func NewKeywordStage() *KeywordStage { return &KeywordStage{} }

func (s *KeywordStage) Kind() constants.StageKind { return constants.StageExtractKeywords }

func (s *KeywordStage) Execute(_ context.Context, req Request) (json.RawMessage, error) {
	var parsed parseOutput
	if err := json.Unmarshal(req.Inputs[constants.StageParse], &parsed); err != nil {
		return nil, common.Permanentf("decode parse output: %v", err)
	}
	if parsed.Text == "" {
		return nil, common.Permanentf("parse output has no text")
	}

	counts := make(map[string]int)
	for _, tok := range tokenize(parsed.Text) {
		counts[tok]++
	}

	terms := make([]string, 0, len(counts))
	maxCount := 0
	for term, n := range counts {
		terms = append(terms, term)
		if n > maxCount {
			maxCount = n
		}
	}
	// Count-descending, ties alphabetical so output is stable.
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > maxKeywords {
		terms = terms[:maxKeywords]
	}

	keywords := make([]entity.Keyword, 0, len(terms))
	for _, term := range terms {
		keywords = append(keywords, entity.Keyword{
			Term:   term,
			Weight: float64(counts[term]) / float64(maxCount),
		})
	}

	return json.Marshal(keywordsOutput{Keywords: keywords})
}

// tokenize lowercases and splits on non-letter runs, dropping stopwords and
// tokens shorter than three runes.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}
