package vectordb

import "context"

// RetrievedChunk is one scored hit from a similarity search. Immutable after
// retrieval; identity for deduplication is SourceID (or a stable hash of the
// normalized text when SourceID is empty).
type RetrievedChunk struct {
	SourceID    string                 `json:"source_id"`
	Text        string                 `json:"text"`
	Score       float64                `json:"score"`
	SectionHint string                 `json:"section_hint,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// VectorDB is the similarity-search capability consumed by the engine.
type VectorDB interface {
	// Search returns up to k scored chunks for the query embedding. filter
	// uses the store's native filter expression syntax and may be empty.
	Search(ctx context.Context, collection string, embedding []float32, k int, filter string) ([]RetrievedChunk, error)
}
