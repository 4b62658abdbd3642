package ai

import (
	"context"
	"fmt"
	"strings"
)

// EmbeddingConfig holds API settings for text-embedding (OpenAI-compatible).
type EmbeddingConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// EmbedBatch returns one vector per input text, in input order. Vectors are
// returned exactly as the service produced them.
func (c *OpenAICompatibleClient) EmbedBatch(ctx context.Context, cfg EmbeddingConfig, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w: embedding input %d is empty", ErrInvalidInput, i)
		}
	}

	var parsed embeddingResponse
	err := c.postJSON(ctx, cfg.BaseURL, cfg.APIKey, "/embeddings", embeddingRequest{
		Model:      cfg.Model,
		Input:      texts,
		Dimensions: cfg.Dimensions,
	}, &parsed)
	if err != nil {
		return nil, err
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrInvalidInput, len(parsed.Data), len(texts))
	}

	result := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) || result[d.Index] != nil {
			return nil, fmt.Errorf("%w: bad embedding index %d", ErrInvalidInput, d.Index)
		}
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at index %d", ErrInvalidInput, d.Index)
		}
		result[d.Index] = d.Embedding
	}
	return result, nil
}

// EmbeddingModel binds the client to one embedding model.
type EmbeddingModel struct {
	client *OpenAICompatibleClient
	cfg    EmbeddingConfig
}

func (c *OpenAICompatibleClient) EmbeddingModel(cfg EmbeddingConfig) *EmbeddingModel {
	return &EmbeddingModel{client: c, cfg: cfg}
}

func (m *EmbeddingModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return m.client.EmbedBatch(ctx, m.cfg, texts)
}
