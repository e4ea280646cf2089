package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rbase-ai/deepreview/internal/provider"
	"github.com/rbase-ai/deepreview/internal/vectordb"
)

// RetrievalClient embeds a query and runs it against the vector store with a
// bounded wait. Pure adapter; failures are reported, never retried here.
type RetrievalClient struct {
	llm     provider.LLMProvider
	db      vectordb.VectorDB
	timeout time.Duration
	logger  *log.Logger
}

func NewRetrievalClient(llm provider.LLMProvider, db vectordb.VectorDB, timeout time.Duration) *RetrievalClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RetrievalClient{
		llm:     llm,
		db:      db,
		timeout: timeout,
		logger:  log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags),
	}
}

// Search returns up to k scored chunks for the query text.
func (r *RetrievalClient) Search(ctx context.Context, collection, query, filter string, k int) ([]vectordb.RetrievedChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vecs, err := r.llm.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedding returned no vectors")
	}

	chunks, err := r.db.Search(ctx, collection, vecs[0], k, filter)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return chunks, nil
}
