package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbase-ai/deepreview/internal/provider"
	"github.com/rbase-ai/deepreview/internal/vectordb"
)

type stubRetriever struct {
	chunks []vectordb.RetrievedChunk
	err    error
	calls  int
}

func (s *stubRetriever) Search(ctx context.Context, collection, query, filter string, k int) ([]vectordb.RetrievedChunk, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.chunks, nil
}

type stubRewriter struct{ calls int }

func (s *stubRewriter) Rewrite(ctx context.Context, topic, section, query string) (string, provider.TokenUsage, error) {
	s.calls++
	return fmt.Sprintf("%s refined %d", query, s.calls), provider.TokenUsage{}, nil
}

type stubSynthesizer struct {
	drafts    int
	optimizes int
	draftErr  error
}

func (s *stubSynthesizer) Draft(ctx context.Context, spec SectionSpec, topic string, evidence EvidenceSet) (string, provider.TokenUsage, error) {
	s.drafts++
	if s.draftErr != nil {
		return "", provider.TokenUsage{}, s.draftErr
	}
	return fmt.Sprintf("draft %d from %d chunks", s.drafts, evidence.Size()), provider.TokenUsage{TotalTokens: 10}, nil
}

func (s *stubSynthesizer) Optimize(ctx context.Context, spec SectionSpec, draft string, evidence EvidenceSet) (string, provider.TokenUsage, error) {
	s.optimizes++
	return draft, provider.TokenUsage{TotalTokens: 5}, nil
}

func testSpec() SectionSpec {
	return SectionSpec{
		Name:           "Introduction",
		MaxIterations:  3,
		TopKPerSection: 20,
		TopKAccepted:   20,
	}
}

func TestRunStopsWhenEvidenceStopsGrowing(t *testing.T) {
	retriever := &stubRetriever{chunks: []vectordb.RetrievedChunk{{SourceID: "1", Text: "chunk", Score: 0.9}}}
	rewriter := &stubRewriter{}
	synth := &stubSynthesizer{}
	ctrl := NewIterationController(rewriter, retriever, synth, 1, 2, time.Millisecond)

	draft, usage, err := ctrl.Run(context.Background(), testSpec(), "topic", "coll", SectionQuery{Query: "q"})

	require.NoError(t, err)
	assert.Equal(t, 2, draft.IterationCount, "static evidence terminates at iteration 2")
	assert.True(t, draft.Converged)
	assert.NotEmpty(t, draft.Content)
	assert.Equal(t, 1, draft.EvidenceUsed.Size())
	assert.Equal(t, 1, synth.drafts, "no redraft when evidence did not grow")
	assert.LessOrEqual(t, rewriter.calls, 2, "rewrites stay within the iteration budget")
	assert.Greater(t, usage.TotalTokens, int64(0))
}

func TestRunNeverExceedsIterationBudget(t *testing.T) {
	// A different chunk every call keeps the evidence growing.
	n := 0
	retriever := &growingRetriever{next: &n}
	rewriter := &stubRewriter{}
	synth := &stubSynthesizer{}
	ctrl := NewIterationController(rewriter, retriever, synth, 1, 2, time.Millisecond)

	draft, _, err := ctrl.Run(context.Background(), testSpec(), "topic", "coll", SectionQuery{Query: "q"})

	require.NoError(t, err)
	assert.Equal(t, 3, draft.IterationCount)
	assert.LessOrEqual(t, rewriter.calls, 2)
}

type growingRetriever struct{ next *int }

func (g *growingRetriever) Search(ctx context.Context, collection, query, filter string, k int) ([]vectordb.RetrievedChunk, error) {
	*g.next++
	return []vectordb.RetrievedChunk{{SourceID: fmt.Sprintf("%d", *g.next), Text: "chunk", Score: 0.5}}, nil
}

func TestRunFailsWhenRetrievalNeverSucceeds(t *testing.T) {
	retriever := &stubRetriever{err: errors.New("vector store down")}
	ctrl := NewIterationController(&stubRewriter{}, retriever, &stubSynthesizer{}, 1, 2, time.Millisecond)

	draft, _, err := ctrl.Run(context.Background(), testSpec(), "topic", "coll", SectionQuery{Query: "q"})

	require.Error(t, err)
	assert.True(t, draft.Failed)
	assert.GreaterOrEqual(t, retriever.calls, 2, "a fully failed iteration is retried once")
}

func TestRunFailsWhenGenerationExhaustsRetries(t *testing.T) {
	retriever := &stubRetriever{chunks: []vectordb.RetrievedChunk{{SourceID: "1", Text: "chunk", Score: 0.9}}}
	synth := &stubSynthesizer{draftErr: errors.New("model unavailable")}
	ctrl := NewIterationController(&stubRewriter{}, retriever, synth, 1, 2, time.Millisecond)

	draft, _, err := ctrl.Run(context.Background(), testSpec(), "topic", "coll", SectionQuery{Query: "q"})

	require.Error(t, err)
	assert.True(t, draft.Failed)
	assert.Equal(t, 2, synth.drafts, "draft retried up to max retries")
}
