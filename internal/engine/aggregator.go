package engine

import (
	"sort"

	"github.com/rbase-ai/deepreview/internal/vectordb"
)

// ResultAggregator merges retrieval results across queries and iterations.
type ResultAggregator struct {
	topKAccepted int
}

func NewResultAggregator(topKAccepted int) *ResultAggregator {
	return &ResultAggregator{topKAccepted: topKAccepted}
}

// Merge folds incoming chunks into the existing evidence set. Duplicates
// (same source identity) keep the higher score; ordering is score descending
// with first-seen tie-break so repeated merges with identical inputs produce
// identical output. The result is truncated to topKAccepted.
func (a *ResultAggregator) Merge(existing EvidenceSet, incoming []vectordb.RetrievedChunk) EvidenceSet {
	type entry struct {
		chunk vectordb.RetrievedChunk
		seen  int
	}
	order := make([]string, 0, len(existing)+len(incoming))
	byID := make(map[string]*entry, len(existing)+len(incoming))

	add := func(c vectordb.RetrievedChunk) {
		id := chunkIdentity(c)
		if e, ok := byID[id]; ok {
			if c.Score > e.chunk.Score {
				e.chunk = c
			}
			return
		}
		byID[id] = &entry{chunk: c, seen: len(order)}
		order = append(order, id)
	}
	for _, c := range existing {
		add(c)
	}
	for _, c := range incoming {
		add(c)
	}

	merged := make([]*entry, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].chunk.Score != merged[j].chunk.Score {
			return merged[i].chunk.Score > merged[j].chunk.Score
		}
		return merged[i].seen < merged[j].seen
	})

	if a.topKAccepted > 0 && len(merged) > a.topKAccepted {
		merged = merged[:a.topKAccepted]
	}
	out := make(EvidenceSet, len(merged))
	for i, e := range merged {
		out[i] = e.chunk
	}
	return out
}
