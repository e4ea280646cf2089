package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rbase-ai/deepreview/config"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIProvider implements LLMProvider against any OpenAI-compatible API.
type OpenAIProvider struct {
	cfg    config.LLMProvider
	client *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(cfg config.LLMProvider) *OpenAIProvider {
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

func (p *OpenAIProvider) baseURL() string {
	if p.cfg.BaseURL != "" {
		return strings.TrimRight(p.cfg.BaseURL, "/")
	}
	return defaultBaseURL
}

func (p *OpenAIProvider) apiName(model string) string {
	if m, ok := p.cfg.Models[model]; ok && m.APIName != "" {
		return m.APIName
	}
	return model
}

// Generate produces a completion for the prompt using the named model.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, model string, opts Options) (string, TokenUsage, error) {
	body := chatRequest{
		Model:       p.apiName(model),
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	resp, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return "", TokenUsage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", TokenUsage{}, fmt.Errorf("chat completion returned status %d: %s", resp.StatusCode, payload)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", TokenUsage{}, fmt.Errorf("failed to parse chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", TokenUsage{}, fmt.Errorf("no choices in chat response")
	}
	usage := TokenUsage{
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      out.Usage.TotalTokens,
	}
	return out.Choices[0].Message.Content, usage, nil
}

// GenerateStream produces a completion incrementally over SSE.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, prompt string, model string, opts Options) (<-chan Fragment, error) {
	body := chatRequest{
		Model:       p.apiName(model),
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      true,
	}
	resp, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("chat stream returned status %d: %s", resp.StatusCode, payload)
	}

	out := make(chan Fragment, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		usage := TokenUsage{}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				emitTerminal(out, Fragment{Done: true, Usage: &usage})
				return
			}
			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Usage != nil {
				usage.PromptTokens += chunk.Usage.PromptTokens
				usage.CompletionTokens += chunk.Usage.CompletionTokens
				usage.TotalTokens += chunk.Usage.TotalTokens
			}
			for _, c := range chunk.Choices {
				if c.Delta.Content != "" {
					if !emit(ctx, out, Fragment{Content: c.Delta.Content}) {
						emitTerminal(out, Fragment{Err: ctx.Err()})
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			emitTerminal(out, Fragment{Err: fmt.Errorf("chat stream read failed: %w", err)})
			return
		}
		// Upstream closed without [DONE]; treat as complete.
		emitTerminal(out, Fragment{Done: true, Usage: &usage})
	}()
	return out, nil
}

// emit delivers a content fragment unless the consumer is gone.
func emit(ctx context.Context, out chan<- Fragment, f Fragment) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitTerminal places the final fragment without blocking so the channel
// never closes silently; it only drops when the consumer stopped reading and
// the buffer is already full of undelivered fragments.
func emitTerminal(out chan<- Fragment, f Fragment) {
	select {
	case out <- f:
	default:
	}
}

// Embed generates vector embeddings for the provided inputs.
func (p *OpenAIProvider) Embed(ctx context.Context, input []string) ([][]float32, error) {
	if len(input) == 0 {
		return nil, nil
	}
	model := p.cfg.EmbeddingModel
	if model == "" {
		model = "text-embedding-3-large"
	}
	body := map[string]interface{}{"model": model, "input": input}
	resp, err := p.post(ctx, "/embeddings", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embeddings returned status %d: %s", resp.StatusCode, payload)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse embeddings response: %w", err)
	}
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func (p *OpenAIProvider) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+path, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}
