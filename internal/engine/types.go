package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rbase-ai/deepreview/internal/vectordb"
)

// SectionSpec describes one subdivision of a review document. Read-only
// during generation.
type SectionSpec struct {
	Name           string
	Outline        string
	TargetLanguage string
	MaxIterations  int
	TopKPerSection int
	TopKAccepted   int
}

// SectionDraft is the running (then final) state of one section's loop.
type SectionDraft struct {
	Name           string
	Content        string
	EvidenceUsed   EvidenceSet
	IterationCount int
	Converged      bool
	Failed         bool
	FailureReason  string
}

// ReviewDocument is the assembled output of a generation request. Immutable
// once assembled; it is the unit stored by the cache.
type ReviewDocument struct {
	Title      string          `json:"title"`
	Abstract   string          `json:"abstract"`
	Sections   []SectionDraft  `json:"-"`
	Body       string          `json:"body"`
	Conclusion string          `json:"conclusion"`
	References []ReferenceItem `json:"references"`
	Language   string          `json:"language"`
}

// ReferenceItem is one resolved entry of the document's references list.
type ReferenceItem struct {
	Index       int    `json:"index"`
	ReferenceID string `json:"reference_id"`
	Citation    string `json:"citation"`
}

// EvidenceSet is an ordered, deduplicated sequence of retrieved chunks,
// capped at topKAccepted. Owned by the aggregator for one section's run;
// components downstream receive it by value and never mutate it.
type EvidenceSet []vectordb.RetrievedChunk

// Size returns the number of accepted chunks.
func (e EvidenceSet) Size() int { return len(e) }

// chunkIdentity is the dedup key: reference id when present, else a stable
// hash of the normalized text.
func chunkIdentity(c vectordb.RetrievedChunk) string {
	if c.SourceID != "" {
		return c.SourceID
	}
	norm := strings.Join(strings.Fields(strings.ToLower(c.Text)), " ")
	sum := sha256.Sum256([]byte(norm))
	return "txt:" + hex.EncodeToString(sum[:8])
}
