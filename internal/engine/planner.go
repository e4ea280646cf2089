package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/rbase-ai/deepreview/internal/provider"
)

// SectionQuery is the retrieval plan for one section.
type SectionQuery struct {
	Query      string `json:"query"`
	Conditions string `json:"conditions"`
}

// QueryPlanner turns a topic and section structure into retrieval queries,
// and rewrites queries on later iterations when evidence is thin.
type QueryPlanner struct {
	llm    provider.LLMProvider
	model  string
	logger *log.Logger
}

func NewQueryPlanner(llm provider.LLMProvider, model string) *QueryPlanner {
	return &QueryPlanner{
		llm:    llm,
		model:  model,
		logger: log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// PlanSections produces one search query (plus optional filter conditions)
// per section with a single LLM call. A malformed plan degrades to default
// "<topic> <section>" queries rather than failing the request.
func (p *QueryPlanner) PlanSections(ctx context.Context, topic string, sections []string) (map[string]SectionQuery, provider.TokenUsage, error) {
	var structure strings.Builder
	for i, s := range sections {
		outline := overviewOutlines[s]
		if outline == "" {
			outline = profileOutlines[s]
		}
		fmt.Fprintf(&structure, "%d. %s (%s)\n", i+1, s, outline)
	}

	prompt := fmt.Sprintf(structurePrompt, topic, structure.String())
	raw, usage, err := p.llm.Generate(ctx, prompt, p.model, provider.Options{Temperature: 0.3})
	if err != nil {
		return p.fallbackPlan(topic, sections), usage, fmt.Errorf("section planning failed: %w", err)
	}

	plan, err := parsePlan(raw)
	if err != nil {
		p.logger.Printf("plan parse failed, falling back to default queries: %v", err)
		return p.fallbackPlan(topic, sections), usage, nil
	}

	// Every section gets a query even when the plan omits it.
	for _, s := range sections {
		if q, ok := plan[s]; !ok || strings.TrimSpace(q.Query) == "" {
			plan[s] = SectionQuery{Query: fmt.Sprintf("%s %s", topic, s)}
		}
	}
	return plan, usage, nil
}

// Rewrite produces a refinement query for a section whose evidence set is
// thin or stopped growing.
func (p *QueryPlanner) Rewrite(ctx context.Context, topic, section, query string) (string, provider.TokenUsage, error) {
	prompt := fmt.Sprintf(rewriteQueryPrompt, topic, section, query)
	out, usage, err := p.llm.Generate(ctx, prompt, p.model, provider.Options{Temperature: 0.5})
	if err != nil {
		return "", usage, fmt.Errorf("query rewrite failed: %w", err)
	}
	out = strings.Trim(strings.TrimSpace(out), `"`)
	if out == "" {
		out = query
	}
	return out, usage, nil
}

func (p *QueryPlanner) fallbackPlan(topic string, sections []string) map[string]SectionQuery {
	plan := make(map[string]SectionQuery, len(sections))
	for _, s := range sections {
		plan[s] = SectionQuery{Query: fmt.Sprintf("%s %s", topic, s)}
	}
	return plan
}

// parsePlan tolerates code fences and leading prose around the JSON object.
func parsePlan(raw string) (map[string]SectionQuery, error) {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "```"); i >= 0 {
		raw = raw[i+3:]
		raw = strings.TrimPrefix(raw, "json")
		if j := strings.Index(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in plan output")
	}
	var plan map[string]SectionQuery
	if err := json.Unmarshal([]byte(raw[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("empty plan")
	}
	return plan, nil
}
