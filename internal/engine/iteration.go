package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rbase-ai/deepreview/internal/provider"
	"github.com/rbase-ai/deepreview/internal/vectordb"
)

// Retriever is the search capability the loop consumes.
type Retriever interface {
	Search(ctx context.Context, collection, query, filter string, k int) ([]vectordb.RetrievedChunk, error)
}

// Rewriter refines a section query on later iterations.
type Rewriter interface {
	Rewrite(ctx context.Context, topic, section, query string) (string, provider.TokenUsage, error)
}

// Synthesizer drafts and optimizes section prose.
type Synthesizer interface {
	Draft(ctx context.Context, spec SectionSpec, topic string, evidence EvidenceSet) (string, provider.TokenUsage, error)
	Optimize(ctx context.Context, spec SectionSpec, draft string, evidence EvidenceSet) (string, provider.TokenUsage, error)
}

// IterationController drives the retrieve, aggregate, synthesize loop for one
// section. Internally sequential; each iteration consumes the prior evidence
// set and produces a new one.
type IterationController struct {
	planner     Rewriter
	retrieval   Retriever
	synthesizer Synthesizer

	minEvidence  int
	maxRetries   int
	retryBackoff time.Duration
	logger       *log.Logger
}

func NewIterationController(planner Rewriter, retrieval Retriever, synthesizer Synthesizer, minEvidence, maxRetries int, retryBackoff time.Duration) *IterationController {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &IterationController{
		planner:      planner,
		retrieval:    retrieval,
		synthesizer:  synthesizer,
		minEvidence:  minEvidence,
		maxRetries:   maxRetries,
		retryBackoff: retryBackoff,
		logger:       log.New(log.Writer(), "[SECTION] ", log.LstdFlags),
	}
}

// Run generates a terminal draft for the section. The loop stops when the
// evidence set stops growing, when the optimization pass leaves the draft
// unchanged, or when the iteration budget is exhausted. A retrieval failure
// within an iteration is retried once; if it still fails the previous draft
// is kept unchanged.
func (c *IterationController) Run(ctx context.Context, spec SectionSpec, topic, collection string, initial SectionQuery) (SectionDraft, provider.TokenUsage, error) {
	var total provider.TokenUsage
	draft := SectionDraft{Name: spec.Name}
	evidence := EvidenceSet{}
	aggregator := NewResultAggregator(spec.TopKAccepted)
	query := initial.Query
	filter := initial.Conditions

	for i := 1; i <= spec.MaxIterations; i++ {
		draft.IterationCount = i

		if i > 1 {
			rewritten, usage, err := c.planner.Rewrite(ctx, topic, spec.Name, query)
			total.Add(usage)
			if err != nil {
				c.logger.Printf("section %q iteration %d: rewrite failed, reusing query: %v", spec.Name, i, err)
			} else {
				query = rewritten
			}
		}

		results, err := c.searchOnce(ctx, collection, query, filter, spec.TopKPerSection)
		if err != nil {
			// One more attempt before giving up on the iteration.
			c.logger.Printf("section %q iteration %d: retrieval failed, retrying: %v", spec.Name, i, err)
			results, err = c.searchOnce(ctx, collection, query, filter, spec.TopKPerSection)
		}
		if err != nil {
			c.logger.Printf("section %q iteration %d: retrieval failed twice: %v", spec.Name, i, err)
			if draft.Content != "" {
				return c.finish(ctx, spec, draft, evidence, &total), total, nil
			}
			if evidence.Size() == 0 {
				draft.Failed = true
				draft.FailureReason = fmt.Sprintf("retrieval failed: %v", err)
				return draft, total, fmt.Errorf("section %q: retrieval failed with no evidence: %w", spec.Name, err)
			}
			results = nil
		}

		merged := aggregator.Merge(evidence, results)
		grown := merged.Size() > evidence.Size()
		evidence = merged
		draft.EvidenceUsed = evidence

		if i > 1 && !grown {
			// No new information; the prior draft stands.
			draft.Converged = true
			if draft.Content == "" {
				break
			}
			return c.finish(ctx, spec, draft, evidence, &total), total, nil
		}

		content, err := c.generateWithRetry(ctx, func(ctx context.Context) (string, provider.TokenUsage, error) {
			return c.synthesizer.Draft(ctx, spec, topic, evidence)
		}, &total)
		if err != nil {
			if draft.Content != "" {
				c.logger.Printf("section %q iteration %d: draft failed, keeping previous: %v", spec.Name, i, err)
				return c.finish(ctx, spec, draft, evidence, &total), total, nil
			}
			draft.Failed = true
			draft.FailureReason = fmt.Sprintf("generation failed: %v", err)
			return draft, total, fmt.Errorf("section %q: %w", spec.Name, err)
		}
		draft.Content = content

		if evidence.Size() >= spec.TopKAccepted && evidence.Size() >= c.minEvidence {
			// Evidence budget is full; more retrieval cannot change the set.
			draft.Converged = true
			return c.finish(ctx, spec, draft, evidence, &total), total, nil
		}
	}

	if draft.Content == "" {
		draft.Failed = true
		if draft.FailureReason == "" {
			draft.FailureReason = "no draft produced within iteration budget"
		}
		return draft, total, fmt.Errorf("section %q: no draft produced", spec.Name)
	}
	return c.finish(ctx, spec, draft, evidence, &total), total, nil
}

// finish runs the single optimization pass that acts as the quality gate for
// a terminal draft.
func (c *IterationController) finish(ctx context.Context, spec SectionSpec, draft SectionDraft, evidence EvidenceSet, total *provider.TokenUsage) SectionDraft {
	optimized, err := c.generateWithRetry(ctx, func(ctx context.Context) (string, provider.TokenUsage, error) {
		return c.synthesizer.Optimize(ctx, spec, draft.Content, evidence)
	}, total)
	if err != nil {
		c.logger.Printf("section %q: optimization pass failed, keeping draft: %v", spec.Name, err)
		return draft
	}
	if optimized == draft.Content {
		draft.Converged = true
	}
	draft.Content = optimized
	return draft
}

func (c *IterationController) searchOnce(ctx context.Context, collection, query, filter string, k int) ([]vectordb.RetrievedChunk, error) {
	results, err := c.retrieval.Search(ctx, collection, query, filter, k)
	if err != nil {
		retrievalFailures.Inc()
		if filter != "" {
			// A bad filter expression should not starve the section.
			c.logger.Printf("search with filter %q failed, retrying unfiltered: %v", filter, err)
			return c.retrieval.Search(ctx, collection, query, "", k)
		}
	}
	return results, err
}

func (c *IterationController) generateWithRetry(ctx context.Context, call func(context.Context) (string, provider.TokenUsage, error), total *provider.TokenUsage) (string, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.retryBackoff * time.Duration(attempt)):
			}
		}
		content, usage, err := call(ctx)
		total.Add(usage)
		if err == nil {
			return content, nil
		}
		lastErr = err
	}
	return "", lastErr
}
