package translate

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbase-ai/deepreview/internal/provider"
)

type echoLLM struct {
	lastPrompt string
	reply      string
}

func (e *echoLLM) Generate(ctx context.Context, prompt, model string, opts provider.Options) (string, provider.TokenUsage, error) {
	e.lastPrompt = prompt
	return e.reply, provider.TokenUsage{TotalTokens: 5}, nil
}

func (e *echoLLM) GenerateStream(ctx context.Context, prompt, model string, opts provider.Options) (<-chan provider.Fragment, error) {
	ch := make(chan provider.Fragment, 1)
	ch <- provider.Fragment{Done: true}
	close(ch)
	return ch, nil
}

func (e *echoLLM) Embed(ctx context.Context, input []string) ([][]float32, error) {
	return nil, nil
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "en", DetectLanguage("Artificial intelligence in healthcare"))
	assert.Equal(t, "zh", DetectLanguage("人工智能在医疗领域的应用"))
	assert.Equal(t, "zh", DetectLanguage("关于 machine learning 的研究综述与展望"))
	assert.Equal(t, "en", DetectLanguage("[1] (2021) 10.1/x"))
}

func TestTranslateSkipsSameLanguage(t *testing.T) {
	llm := &echoLLM{reply: "should not be called"}
	tr := NewTranslator(llm, "gpt-4o")

	out, usage, err := tr.Translate(context.Background(), "Already English text", "en")

	require.NoError(t, err)
	assert.Equal(t, "Already English text", out)
	assert.Zero(t, usage.TotalTokens)
	assert.Empty(t, llm.lastPrompt)
}

func TestTranslateUsesDictionary(t *testing.T) {
	llm := &echoLLM{reply: "浮游微生物群落综述"}
	tr := NewTranslator(llm, "gpt-4o")
	tr.SetDictionary(map[string]string{"planktonic microbial community": "浮游微生物群落"})

	out, usage, err := tr.Translate(context.Background(), "A review of the planktonic microbial community", "zh")

	require.NoError(t, err)
	assert.Equal(t, "浮游微生物群落综述", out)
	assert.Greater(t, usage.TotalTokens, int64(0))
	assert.True(t, strings.Contains(llm.lastPrompt, "浮游微生物群落"), "dictionary terms are pinned in the prompt")
	assert.True(t, strings.Contains(llm.lastPrompt, "Simplified Chinese"))
}

func TestTranslateDictionaryOrderIsStable(t *testing.T) {
	llm := &echoLLM{reply: "翻译"}
	tr := NewTranslator(llm, "gpt-4o")
	tr.SetDictionary(map[string]string{
		"zooplankton":    "浮游动物",
		"biofilm":        "生物膜",
		"methanogen":     "产甲烷菌",
		"chemotaxis":     "趋化性",
		"stratification": "分层",
	})

	_, _, err := tr.Translate(context.Background(), "A survey of aquatic microbes", "zh")
	require.NoError(t, err)
	first := llm.lastPrompt

	_, _, err = tr.Translate(context.Background(), "A survey of aquatic microbes", "zh")
	require.NoError(t, err)

	assert.Equal(t, first, llm.lastPrompt, "identical inputs produce identical prompts")
	assert.Less(t, strings.Index(first, "biofilm"), strings.Index(first, "zooplankton"), "terms are listed in sorted order")
}

func TestTranslateEmptyText(t *testing.T) {
	tr := NewTranslator(&echoLLM{}, "gpt-4o")
	out, _, err := tr.Translate(context.Background(), "   ", "zh")
	require.NoError(t, err)
	assert.Equal(t, "   ", out)
}
