package entity

// Artifact is the versioned analysis result assembled from the stage
// outputs on full DAG success. It is cached as a single JSON value.
type Artifact struct {
	ExtractedText string      `json:"extracted_text"`
	Keywords      []Keyword   `json:"keywords"`
	ConceptMap    ConceptMap  `json:"concept_map"`
	Embedding     []Embedding `json:"embedding,omitempty"`
}

// Keyword is one extracted keyword with its relative weight.
type Keyword struct {
	Term   string  `json:"term"`
	Weight float64 `json:"weight"`
}

// Embedding is one chunk vector.
type Embedding struct {
	Chunk  int       `json:"chunk"`
	Vector []float64 `json:"vector"`
}

// ConceptMap is a keyword co-occurrence graph.
type ConceptMap struct {
	Nodes []ConceptNode `json:"nodes"`
	Edges []ConceptEdge `json:"edges"`
}

// ConceptNode is one concept in the map.
type ConceptNode struct {
	ID    string  `json:"id"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// ConceptEdge links two concepts that co-occur.
type ConceptEdge struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Weight float64 `json:"weight"`
}
