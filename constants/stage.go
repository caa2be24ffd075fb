package constants

// StageKind identifies one unit of pipeline work. The set is closed; adding
// a stage means extending the DAG template below and registering an executor
// for it.
type StageKind string

const (
	StageParse           StageKind = "PARSE"
	StageEmbed           StageKind = "EMBED"
	StageExtractKeywords StageKind = "EXTRACT_KEYWORDS"
	StageGenerateMap     StageKind = "GENERATE_MAP"
)

// StageKinds lists every stage in DAG order (dependencies before dependents).
var StageKinds = []StageKind{
	StageParse,
	StageEmbed,
	StageExtractKeywords,
	StageGenerateMap,
}

// StageDependencies is the fixed DAG template: Parse feeds Embed and
// ExtractKeywords, which both feed GenerateMap. It is computed once at
// document creation and never mutated afterwards.
var StageDependencies = map[StageKind][]StageKind{
	StageParse:           {},
	StageEmbed:           {StageParse},
	StageExtractKeywords: {StageParse},
	StageGenerateMap:     {StageEmbed, StageExtractKeywords},
}

var stageDisplayNames = map[StageKind]string{
	StageParse:           "Extracting text",
	StageEmbed:           "Computing embeddings",
	StageExtractKeywords: "Extracting keywords",
	StageGenerateMap:     "Generating concept map",
}

// DisplayName returns the human-readable stage name surfaced by the status
// aggregator.
func (k StageKind) DisplayName() string {
	if n, ok := stageDisplayNames[k]; ok {
		return n
	}
	return string(k)
}

var stageTitles = map[StageKind]string{
	StageParse:           "Parse",
	StageEmbed:           "Embed",
	StageExtractKeywords: "Keyword extraction",
	StageGenerateMap:     "Concept map generation",
}

// Title returns the short stage name used in error messages.
func (k StageKind) Title() string {
	if n, ok := stageTitles[k]; ok {
		return n
	}
	return string(k)
}

// ValidStage reports whether k is one of the closed stage kinds.
func ValidStage(k StageKind) bool {
	_, ok := StageDependencies[k]
	return ok
}

// DefaultMaxAttempts is the per-stage retry ceiling unless configured
// otherwise.
const DefaultMaxAttempts = 5
