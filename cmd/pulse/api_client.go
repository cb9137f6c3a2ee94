package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/studyloop/pulse/internal/backoff"
	"github.com/studyloop/pulse/pkg/models"
)

type connectionsResponse struct {
	Connections []models.ConnectionInfo `json:"connections"`
}

type availableResponse struct {
	Available []string `json:"available"`
}

// apiClient talks to a running relay's status endpoints.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
	attempts   int
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		attempts: 3,
	}
}

// getJSON fetches path, riding out transient failures with a few quick
// retries before reporting the last error.
func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	result, err := backoff.Retry(ctx, backoff.AggressivePolicy(), c.attempts, func(int) ([]byte, error) {
		return c.fetch(ctx, path)
	})
	if err != nil {
		if errors.Is(err, backoff.ErrExhausted) && result.LastError != nil {
			return result.LastError
		}
		return err
	}
	if err := json.Unmarshal(result.Value, out); err != nil {
		return fmt.Errorf("malformed response from %s: %w", path, err)
	}
	return nil
}

func (c *apiClient) fetch(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay returned %s for %s", resp.Status, path)
	}
	return body, nil
}
