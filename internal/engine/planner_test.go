package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbase-ai/deepreview/internal/provider"
)

// stubLLM returns canned responses in order and fails once they run out.
type stubLLM struct {
	responses []string
	calls     int
	err       error
}

func (s *stubLLM) Generate(ctx context.Context, prompt, model string, opts provider.Options) (string, provider.TokenUsage, error) {
	if s.err != nil {
		return "", provider.TokenUsage{}, s.err
	}
	if s.calls >= len(s.responses) {
		return "", provider.TokenUsage{}, errors.New("no more stub responses")
	}
	out := s.responses[s.calls]
	s.calls++
	return out, provider.TokenUsage{TotalTokens: 7}, nil
}

func (s *stubLLM) GenerateStream(ctx context.Context, prompt, model string, opts provider.Options) (<-chan provider.Fragment, error) {
	out, usage, err := s.Generate(ctx, prompt, model, opts)
	if err != nil {
		return nil, err
	}
	ch := make(chan provider.Fragment, 2)
	ch <- provider.Fragment{Content: out}
	ch <- provider.Fragment{Done: true, Usage: &usage}
	close(ch)
	return ch, nil
}

func (s *stubLLM) Embed(ctx context.Context, input []string) ([][]float32, error) {
	vecs := make([][]float32, len(input))
	for i := range input {
		vecs[i] = []float32{0.1, 0.2, 0.3}
	}
	return vecs, nil
}

func TestParsePlanStripsCodeFences(t *testing.T) {
	raw := "Here is the plan:\n```json\n{\"Introduction\": {\"query\": \"microbial communities overview\", \"conditions\": \"\"}}\n```"

	plan, err := parsePlan(raw)

	require.NoError(t, err)
	assert.Equal(t, "microbial communities overview", plan["Introduction"].Query)
}

func TestParsePlanRejectsNonJSON(t *testing.T) {
	_, err := parsePlan("I could not produce a plan, sorry.")
	assert.Error(t, err)
}

func TestPlanSectionsFillsMissingSections(t *testing.T) {
	llm := &stubLLM{responses: []string{`{"Introduction": {"query": "intro query", "conditions": "pubdate >= 1577836800"}}`}}
	planner := NewQueryPlanner(llm, "gpt-4o")

	plan, _, err := planner.PlanSections(context.Background(), "AI in Healthcare", OverviewSections)

	require.NoError(t, err)
	require.Len(t, plan, len(OverviewSections))
	assert.Equal(t, "intro query", plan["Introduction"].Query)
	assert.Equal(t, "pubdate >= 1577836800", plan["Introduction"].Conditions)
	assert.Equal(t, "AI in Healthcare Emerging Trends", plan["Emerging Trends"].Query)
}

func TestPlanSectionsFallsBackOnLLMFailure(t *testing.T) {
	llm := &stubLLM{err: errors.New("provider down")}
	planner := NewQueryPlanner(llm, "gpt-4o")

	plan, _, err := planner.PlanSections(context.Background(), "AI in Healthcare", OverviewSections)

	assert.Error(t, err)
	require.Len(t, plan, len(OverviewSections), "fallback plan still covers every section")
	for _, s := range OverviewSections {
		assert.NotEmpty(t, plan[s].Query)
	}
}

func TestRewriteTrimsQuotes(t *testing.T) {
	llm := &stubLLM{responses: []string{"\"refined query about healthcare AI\"\n"}}
	planner := NewQueryPlanner(llm, "gpt-4o")

	out, _, err := planner.Rewrite(context.Background(), "topic", "Introduction", "old query")

	require.NoError(t, err)
	assert.Equal(t, "refined query about healthcare AI", out)
}
