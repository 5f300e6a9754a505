// Package embedding is the HTTP boundary to the external embedding
// provider: an OpenAI-compatible endpoint that takes an ordered list of
// chunk texts and returns one fixed-dimension vector per input, in input
// order. The contract the embed stage relies on — length(out) ==
// length(in), out[i] corresponds to in[i], failures are whole-batch — is
// enforced here at the transport layer; the stage executor re-verifies
// dimensions on top.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"docpipeline/internal/config"
)

// ErrRateLimited is returned when the provider responds 429; callers
// classify this as a transient failure worth backing off and retrying
// rather than dead-lettering the job.
var ErrRateLimited = errors.New("embedding: rate limited")

// Client calls one configured embedding endpoint. Safe for concurrent use.
type Client struct {
	cfg  config.EmbeddingConfig
	http *http.Client
}

// NewClient constructs a Client bound to cfg.
func NewClient(cfg config.EmbeddingConfig) *Client {
	return &Client{cfg: cfg, http: &http.Client{}}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) timeout() time.Duration {
	if c.cfg.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.cfg.Timeout) * time.Second
}

// applyHeaders sets Content-Type, the configured auth header, and then the
// free-form cfg.Headers map. The map is applied last so a deployment can
// override anything, auth included, for providers with nonstandard schemes.
func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		switch c.cfg.APIHeader {
		case "", "Authorization":
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		default:
			req.Header.Set(c.cfg.APIHeader, c.cfg.APIKey)
		}
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// Embed returns one vector per input, in input order.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, errors.New("embedding: no inputs")
	}
	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new embed request: %w", err)
	}
	c.applyHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed call: %s: %s", resp.Status, string(b))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode embed response (%d inputs): %w", len(inputs), err)
	}
	if len(er.Data) != len(inputs) {
		return nil, fmt.Errorf("embed call: got %d vectors for %d inputs", len(er.Data), len(inputs))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

// Ping verifies the endpoint is reachable and answering by embedding one
// short probe string.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.Embed(ctx, []string{"ping"}); err != nil {
		return fmt.Errorf("embedding endpoint unreachable: %w", err)
	}
	return nil
}
