package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMetadata struct{ metas map[string]ArticleMeta }

func (s *stubMetadata) ArticlesByIDs(ctx context.Context, ids []string) (map[string]ArticleMeta, error) {
	out := map[string]ArticleMeta{}
	for _, id := range ids {
		if m, ok := s.metas[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func TestSplitAbstractConclusion(t *testing.T) {
	abstract, conclusion := splitAbstractConclusion("ABSTRACT:\nThe abstract text.\n\nCONCLUSION:\nThe conclusion text.")
	assert.Equal(t, "The abstract text.", abstract)
	assert.Equal(t, "The conclusion text.", conclusion)
}

func TestReorganizeReferencesRenumbersSequentially(t *testing.T) {
	a := NewDocumentAssembler(nil, "", &stubMetadata{metas: map[string]ArticleMeta{
		"204": {ID: "204", Title: "Plankton dynamics", Journal: "Nature", Authors: "Li, Wang", DOI: "10.1/x", Year: 2021},
	}})

	texts, refs := a.reorganizeReferences(context.Background(), []string{
		"Findings [204] contradict earlier work [77, 204].",
		"As shown in [77].",
	})

	require.Len(t, refs, 2)
	assert.Equal(t, "Findings [1] contradict earlier work [2][1].", texts[0])
	assert.Equal(t, "As shown in [2].", texts[1])
	assert.Equal(t, "204", refs[0].ReferenceID)
	assert.Contains(t, refs[0].Citation, "Plankton dynamics")
	assert.Contains(t, refs[1].Citation, "Article 77", "unresolved ids keep a numbered placeholder")
}

func TestReorganizeReferencesNoCitations(t *testing.T) {
	a := NewDocumentAssembler(nil, "", nil)
	texts, refs := a.reorganizeReferences(context.Background(), []string{"No citations here."})
	assert.Empty(t, refs)
	assert.Equal(t, "No citations here.", texts[0])
}

func TestAssemblePreservesSectionOrder(t *testing.T) {
	llm := &stubLLM{responses: []string{
		"ABSTRACT:\nAn abstract.\n\nCONCLUSION:\nA conclusion.",
		"ABSTRACT:\nAn abstract.\n\nCONCLUSION:\nA conclusion.",
	}}
	a := NewDocumentAssembler(llm, "gpt-4o", &stubMetadata{})

	drafts := []SectionDraft{
		{Name: "Introduction", Content: "Intro prose [11]."},
		{Name: "Emerging Trends", Failed: true, FailureReason: "retrieval failed"},
		{Name: "Research Gaps & Future Directions", Content: "Gaps prose."},
	}

	first, _, err := a.Assemble(context.Background(), "AI in Healthcare", drafts, "en")
	require.NoError(t, err)
	second, _, err := a.Assemble(context.Background(), "AI in Healthcare", drafts, "en")
	require.NoError(t, err)

	wantOrder := []string{"Introduction", "Emerging Trends", "Research Gaps & Future Directions"}
	for i, doc := range []ReviewDocument{first, second} {
		var got []string
		for _, d := range doc.Sections {
			got = append(got, d.Name)
		}
		assert.Equal(t, wantOrder, got, "run %d", i+1)
	}
	assert.Equal(t, "An abstract.", first.Abstract)
	assert.Equal(t, "A conclusion.", first.Conclusion)
	assert.Contains(t, first.Body, "could not be generated", "failed section is an explicit gap")
	idxIntro := strings.Index(first.Body, "## Introduction")
	idxGaps := strings.Index(first.Body, "## Research Gaps")
	assert.True(t, idxIntro >= 0 && idxGaps > idxIntro)
}
