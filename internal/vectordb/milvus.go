package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/rbase-ai/deepreview/config"
)

// MilvusClient talks to Milvus over its HTTP API (v2). Collections hold
// literature chunks with reference metadata used for citation.
type MilvusClient struct {
	cfg    config.VectorConfig
	client *http.Client
	logger *log.Logger
}

// NewMilvusClient creates a Milvus HTTP client from configuration.
func NewMilvusClient(cfg config.VectorConfig) *MilvusClient {
	return &MilvusClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: log.New(log.Writer(), "[MILVUS] ", log.LstdFlags),
	}
}

type milvusSearchRequest struct {
	CollectionName string      `json:"collectionName"`
	DBName         string      `json:"dbName,omitempty"`
	Data           [][]float32 `json:"data"`
	AnnsField      string      `json:"annsField"`
	Limit          int         `json:"limit"`
	Filter         string      `json:"filter,omitempty"`
	OutputFields   []string    `json:"outputFields"`
}

type milvusSearchResponse struct {
	Code    int                      `json:"code"`
	Message string                   `json:"message"`
	Data    []map[string]interface{} `json:"data"`
}

// Search executes a vector similarity search and shapes the hits into
// RetrievedChunk values. Field layout follows the literature collections:
// text, reference, reference_id, pubdate, impact_factor, keywords.
func (m *MilvusClient) Search(ctx context.Context, collection string, embedding []float32, k int, filter string) ([]RetrievedChunk, error) {
	if collection == "" {
		collection = m.cfg.DefaultCollection
	}
	body := milvusSearchRequest{
		CollectionName: collection,
		DBName:         m.cfg.DBName,
		Data:           [][]float32{embedding},
		AnnsField:      "vector",
		Limit:          k,
		Filter:         filter,
		OutputFields:   []string{"text", "reference", "reference_id", "pubdate", "impact_factor"},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	url := strings.TrimRight(m.cfg.URI, "/") + "/v2/vectordb/entities/search"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.Token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("search returned status %d: %s", resp.StatusCode, raw)
	}

	var out milvusSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	if out.Code != 0 {
		return nil, fmt.Errorf("search failed with code %d: %s", out.Code, out.Message)
	}

	chunks := make([]RetrievedChunk, 0, len(out.Data))
	for _, hit := range out.Data {
		chunk := RetrievedChunk{
			Text:     asString(hit["text"]),
			Score:    asFloat(hit["distance"]),
			Metadata: map[string]interface{}{},
		}
		if chunk.Score == 0 {
			chunk.Score = asFloat(hit["score"])
		}
		chunk.SourceID = asString(hit["reference_id"])
		for _, field := range []string{"reference", "reference_id", "pubdate", "impact_factor"} {
			if v, ok := hit[field]; ok {
				chunk.Metadata[field] = v
			}
		}
		if chunk.Text == "" {
			continue
		}
		chunks = append(chunks, chunk)
	}
	m.logger.Printf("search collection=%s k=%d filter=%q hits=%d", collection, k, filter, len(chunks))
	return chunks, nil
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return fmt.Sprintf("%.0f", s)
	case json.Number:
		return s.String()
	default:
		return ""
	}
}

func asFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case float32:
		return float64(f)
	case int:
		return float64(f)
	default:
		return 0
	}
}
