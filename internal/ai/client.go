package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrRateLimited        = errors.New("ai service rate limited")
	ErrServiceUnavailable = errors.New("ai service unavailable")
	ErrInvalidInput       = errors.New("ai service rejected input")
	ErrContentFiltered    = errors.New("ai response content filtered")
)

// OpenAICompatibleClient talks to any service exposing the OpenAI
// /chat/completions and /embeddings endpoints.
type OpenAICompatibleClient struct {
	httpClient *http.Client
}

func NewOpenAICompatibleClient(timeout time.Duration) *OpenAICompatibleClient {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &OpenAICompatibleClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewClientWithHTTP is used by tests to point the client at an httptest server.
func NewClientWithHTTP(httpClient *http.Client) *OpenAICompatibleClient {
	return &OpenAICompatibleClient{httpClient: httpClient}
}

func (c *OpenAICompatibleClient) postJSON(ctx context.Context, baseURL, apiKey, path string, body any, out any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request failed: %w", path, err)
	}

	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("build %s request failed: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s request failed: %v", ErrServiceUnavailable, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s response failed: %v", ErrServiceUnavailable, path, err)
	}
	if err := statusError(resp.StatusCode, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: parse %s json failed: %v", ErrInvalidInput, path, err)
	}
	return nil
}

func statusError(status int, raw []byte) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", ErrRateLimited, status, truncate(raw))
	case status >= 500 || status == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d: %s", ErrServiceUnavailable, status, truncate(raw))
	default:
		return fmt.Errorf("%w: status %d: %s", ErrInvalidInput, status, truncate(raw))
	}
}

func truncate(raw []byte) string {
	const limit = 512
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}

// Retryable reports whether err is a transient service failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServiceUnavailable)
}
