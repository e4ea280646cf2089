package engine

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/rbase-ai/deepreview/internal/provider"
)

// ArticleMeta is the citation metadata for one indexed article.
type ArticleMeta struct {
	ID      string
	Title   string
	Journal string
	Authors string
	DOI     string
	Year    int
}

// MetadataStore resolves article ids cited in generated prose to citation
// metadata for the references list.
type MetadataStore interface {
	ArticlesByIDs(ctx context.Context, ids []string) (map[string]ArticleMeta, error)
}

// DocumentAssembler composes terminal section drafts into a review document:
// abstract and conclusion from the finished body, citations renumbered
// sequentially with a resolved references list. Section order is
// caller-specified and preserved verbatim.
type DocumentAssembler struct {
	llm      provider.LLMProvider
	model    string
	metadata MetadataStore
	logger   *log.Logger
}

func NewDocumentAssembler(llm provider.LLMProvider, model string, metadata MetadataStore) *DocumentAssembler {
	return &DocumentAssembler{
		llm:      llm,
		model:    model,
		metadata: metadata,
		logger:   log.New(log.Writer(), "[ASSEMBLER] ", log.LstdFlags),
	}
}

// Assemble builds the final document. Every draft must already be terminal;
// a failed section appears in the body as an explicit gap rather than being
// silently dropped.
func (a *DocumentAssembler) Assemble(ctx context.Context, topic string, drafts []SectionDraft, language string) (ReviewDocument, provider.TokenUsage, error) {
	var total provider.TokenUsage

	sections := make([]SectionDraft, len(drafts))
	copy(sections, drafts)
	doc := ReviewDocument{
		Title:    topic,
		Sections: sections,
		Language: language,
	}

	abstract, conclusion, usage, err := a.abstractAndConclusion(ctx, topic, renderBody(sections))
	total.Add(usage)
	if err != nil {
		doc.Body = renderBody(sections)
		return doc, total, fmt.Errorf("abstract/conclusion generation failed: %w", err)
	}

	// Citation numbering is shared across the whole document, in order of
	// first appearance.
	texts := make([]string, 0, len(sections)+1)
	for _, d := range sections {
		texts = append(texts, d.Content)
	}
	texts = append(texts, conclusion)
	texts, refs := a.reorganizeReferences(ctx, texts)
	for i := range sections {
		sections[i].Content = texts[i]
	}
	doc.Abstract = abstract
	doc.Conclusion = texts[len(texts)-1]
	doc.References = refs
	doc.Body = renderBody(sections)

	return doc, total, nil
}

// renderBody joins the sections with markdown headings; a failed section is
// recorded as an explicit gap.
func renderBody(sections []SectionDraft) string {
	var body strings.Builder
	for _, d := range sections {
		fmt.Fprintf(&body, "## %s\n\n", d.Name)
		if d.Failed {
			fmt.Fprintf(&body, "*This section could not be generated: %s.*\n\n", d.FailureReason)
			continue
		}
		body.WriteString(strings.TrimSpace(d.Content))
		body.WriteString("\n\n")
	}
	return strings.TrimSpace(body.String())
}

func (a *DocumentAssembler) abstractAndConclusion(ctx context.Context, topic, body string) (string, string, provider.TokenUsage, error) {
	prompt := fmt.Sprintf(abstractConclusionPrompt, topic, body)
	out, usage, err := a.llm.Generate(ctx, prompt, a.model, provider.Options{Temperature: 0.5})
	if err != nil {
		return "", "", usage, err
	}
	abstract, conclusion := splitAbstractConclusion(out)
	if abstract == "" && conclusion == "" {
		return "", "", usage, fmt.Errorf("could not parse abstract/conclusion from output")
	}
	return abstract, conclusion, usage, nil
}

func splitAbstractConclusion(out string) (string, string) {
	upper := strings.ToUpper(out)
	ai := strings.Index(upper, "ABSTRACT:")
	ci := strings.Index(upper, "CONCLUSION:")
	var abstract, conclusion string
	if ai >= 0 {
		end := len(out)
		if ci > ai {
			end = ci
		}
		abstract = strings.TrimSpace(out[ai+len("ABSTRACT:") : end])
	}
	if ci >= 0 {
		conclusion = strings.TrimSpace(out[ci+len("CONCLUSION:"):])
	}
	return abstract, conclusion
}

var (
	multiCitationRe = regexp.MustCompile(`\[(\d+(?:\s*,\s*\d+)+)\]`)
	citationRe      = regexp.MustCompile(`\[(\d+)\]`)
)

// reorganizeReferences replaces cited article ids with sequential [1][2]...
// markers across all the given texts (numbering is shared, in order of first
// appearance) and resolves each id to a citation line. An id with no
// metadata still gets a numbered placeholder so the numbering stays dense.
func (a *DocumentAssembler) reorganizeReferences(ctx context.Context, texts []string) ([]string, []ReferenceItem) {
	// [123, 456] becomes [123][456] before extraction.
	for i := range texts {
		texts[i] = multiCitationRe.ReplaceAllStringFunc(texts[i], func(m string) string {
			inner := strings.Trim(m, "[]")
			var b strings.Builder
			for _, id := range strings.Split(inner, ",") {
				fmt.Fprintf(&b, "[%s]", strings.TrimSpace(id))
			}
			return b.String()
		})
	}

	var uniqueIDs []string
	seen := map[string]bool{}
	for _, text := range texts {
		for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				uniqueIDs = append(uniqueIDs, m[1])
			}
		}
	}
	if len(uniqueIDs) == 0 {
		return texts, nil
	}

	metas := map[string]ArticleMeta{}
	if a.metadata != nil {
		resolved, err := a.metadata.ArticlesByIDs(ctx, uniqueIDs)
		if err != nil {
			a.logger.Printf("reference lookup failed, using placeholders: %v", err)
		} else {
			metas = resolved
		}
	}

	refs := make([]ReferenceItem, 0, len(uniqueIDs))
	for i, id := range uniqueIDs {
		item := ReferenceItem{Index: i + 1, ReferenceID: id}
		if meta, ok := metas[id]; ok {
			item.Citation = formatCitation(i+1, meta)
		} else {
			item.Citation = fmt.Sprintf("[%d] Article %s", i+1, id)
		}
		refs = append(refs, item)
		for t := range texts {
			texts[t] = strings.ReplaceAll(texts[t], "["+id+"]", fmt.Sprintf("{ref:%d}", i+1))
		}
	}
	// Two passes keep [2]->[1] from colliding with an original [1].
	for i := range uniqueIDs {
		for t := range texts {
			texts[t] = strings.ReplaceAll(texts[t], fmt.Sprintf("{ref:%d}", i+1), fmt.Sprintf("[%d]", i+1))
		}
	}
	return texts, refs
}

func formatCitation(index int, meta ArticleMeta) string {
	authors := strings.Split(meta.Authors, ",")
	if len(authors) > 5 {
		authors = append(authors[:5], "et al")
	}
	for i := range authors {
		authors[i] = strings.TrimSpace(authors[i])
	}
	return fmt.Sprintf("[%d] %s. %s. %s. %d;%s", index, strings.Join(authors, ", "), meta.Title, meta.Journal, meta.Year, meta.DOI)
}
