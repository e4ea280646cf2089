package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rbase-ai/deepreview/internal/provider"
)

// SectionSynthesizer drafts and optimizes section prose grounded in the
// accepted evidence. Instruction payloads are a pure function of the inputs;
// generator non-determinism is accepted and not masked.
type SectionSynthesizer struct {
	llm   provider.LLMProvider
	model string
}

func NewSectionSynthesizer(llm provider.LLMProvider, model string) *SectionSynthesizer {
	return &SectionSynthesizer{llm: llm, model: model}
}

// Draft produces section prose citing evidence with [reference_id] markers.
func (s *SectionSynthesizer) Draft(ctx context.Context, spec SectionSpec, topic string, evidence EvidenceSet) (string, provider.TokenUsage, error) {
	prompt := fmt.Sprintf(sectionGenerationPrompt, spec.Name, topic, formatEvidence(evidence))
	content, usage, err := s.llm.Generate(ctx, prompt, s.model, provider.Options{Temperature: 0.7})
	if err != nil {
		return "", usage, fmt.Errorf("section draft failed: %w", err)
	}
	return strings.TrimSpace(content), usage, nil
}

// Optimize critiques and rewrites a draft against the same evidence. The
// revised draft may legitimately be identical to the input.
func (s *SectionSynthesizer) Optimize(ctx context.Context, spec SectionSpec, draft string, evidence EvidenceSet) (string, provider.TokenUsage, error) {
	prompt := fmt.Sprintf(sectionOptimizationPrompt, spec.Name, draft, formatEvidence(evidence))
	content, usage, err := s.llm.Generate(ctx, prompt, s.model, provider.Options{Temperature: 0.4})
	if err != nil {
		return "", usage, fmt.Errorf("section optimization failed: %w", err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return draft, usage, nil
	}
	return content, usage, nil
}

// formatEvidence renders chunks for inclusion in a prompt, one block per
// chunk tagged with its reference id.
func formatEvidence(evidence EvidenceSet) string {
	if len(evidence) == 0 {
		return "(no retrieved content)"
	}
	var b strings.Builder
	for i, c := range evidence {
		ref := c.SourceID
		if ref == "" {
			ref = fmt.Sprintf("chunk-%d", i+1)
		}
		fmt.Fprintf(&b, "--- Reference ID: %s ---\n%s\n\n", ref, strings.TrimSpace(c.Text))
	}
	return b.String()
}
