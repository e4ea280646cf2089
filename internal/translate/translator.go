package translate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/rbase-ai/deepreview/internal/provider"
)

// Translator renders academic prose between English and Chinese. It rides on
// the writing model; an optional term dictionary pins domain vocabulary so
// repeated translations stay consistent.
type Translator struct {
	llm        provider.LLMProvider
	model      string
	dictionary map[string]string
}

func NewTranslator(llm provider.LLMProvider, model string) *Translator {
	return &Translator{llm: llm, model: model, dictionary: map[string]string{}}
}

// SetDictionary replaces the user term dictionary (source term -> preferred
// rendering in the target language).
func (t *Translator) SetDictionary(dict map[string]string) {
	if dict == nil {
		dict = map[string]string{}
	}
	t.dictionary = dict
}

const translatePrompt = `You are an academic translator specializing in scholarly literature.
Translate the following text into %s. Preserve all citation markers such as [1], [12] or [ref_id] exactly as they appear. Preserve markdown structure (headings, lists, emphasis). Keep technical terminology precise.
%sReturn only the translated text with no commentary.

Text:
%s`

// Translate renders text into the target language ("zh" or "en"). Text
// already in the target language is returned unchanged.
func (t *Translator) Translate(ctx context.Context, text string, targetLanguage string) (string, provider.TokenUsage, error) {
	if strings.TrimSpace(text) == "" {
		return text, provider.TokenUsage{}, nil
	}
	if DetectLanguage(text) == targetLanguage {
		return text, provider.TokenUsage{}, nil
	}

	langName := "English"
	if targetLanguage == "zh" {
		langName = "Simplified Chinese"
	}

	var dictBlock string
	if len(t.dictionary) > 0 {
		terms := make([]string, 0, len(t.dictionary))
		for src := range t.dictionary {
			terms = append(terms, src)
		}
		// Stable term order keeps identical inputs producing identical prompts.
		sort.Strings(terms)
		var b strings.Builder
		b.WriteString("Use these fixed term translations:\n")
		for _, src := range terms {
			fmt.Fprintf(&b, "- %s => %s\n", src, t.dictionary[src])
		}
		dictBlock = b.String()
	}

	prompt := fmt.Sprintf(translatePrompt, langName, dictBlock, text)
	out, usage, err := t.llm.Generate(ctx, prompt, t.model, provider.Options{Temperature: 0.2})
	if err != nil {
		return "", usage, fmt.Errorf("translation failed: %w", err)
	}
	return strings.TrimSpace(out), usage, nil
}

// DetectLanguage classifies text as "zh" when Han characters dominate the
// letter content, else "en".
func DetectLanguage(text string) string {
	var han, letters int
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			han++
			letters++
		} else if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters == 0 {
		return "en"
	}
	if float64(han)/float64(letters) > 0.3 {
		return "zh"
	}
	return "en"
}
