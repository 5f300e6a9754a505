// Package parserclient implements the external document-to-markdown parser
// boundary: an async submit/poll contract the parse stage executors drive.
// The HTTP client here shares its request/response shape with
// internal/embedding's embedding-provider client (JSON body, bearer/custom
// header auth, a context-scoped timeout per call) since both are thin HTTP
// boundaries to a configured third-party service; the parser additionally
// gets its own token bucket (internal/ratelimit) so a burst of submits
// can't outrun what the parser backend can sustain.
package parserclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"docpipeline/internal/config"
	"docpipeline/internal/ratelimit"
)

// Status is the closed set of parser job statuses.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// PollResult is what one poll call returns: either completed markdown or an
// explicit failure reason, never both — partial completion is not a thing
// this boundary accepts.
type PollResult struct {
	Status       Status
	Markdown     string
	ErrorCode    string
	ErrorMessage string
}

// ErrRateLimited is returned by Submit/Poll when the parser responds with a
// rate-limit status; callers classify this as transient (parser_rate_limited).
var ErrRateLimited = errors.New("parserclient: rate limited")

// Client is the boundary the parse stage executors depend on.
type Client interface {
	// Submit hands the raw file bytes to the parser and returns its job
	// handle.
	Submit(ctx context.Context, raw []byte, filename, mimeType string) (parserJobID string, err error)
	// Poll checks on a previously submitted job.
	Poll(ctx context.Context, parserJobID string) (PollResult, error)
}

// HTTPClient talks to a real parser service over HTTP.
type HTTPClient struct {
	cfg     config.ParserConfig
	limiter *ratelimit.Bucket
	http    *http.Client
}

// NewHTTPClient constructs a parser client bound to cfg, rate-limited per
// cfg.RateLimitRPS/RateBurst.
func NewHTTPClient(cfg config.ParserConfig) *HTTPClient {
	return &HTTPClient{
		cfg:     cfg,
		limiter: ratelimit.NewBucket(cfg.RateLimitRPS, cfg.RateBurst),
		http:    &http.Client{},
	}
}

type submitRequest struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Content  string `json:"content"` // base64
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func (c *HTTPClient) timeout() time.Duration {
	if c.cfg.Timeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.cfg.Timeout) * time.Second
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

// Submit implements Client.Submit by POSTing the raw bytes, base64-encoded,
// to {base_url}/jobs.
func (c *HTTPClient) Submit(ctx context.Context, raw []byte, filename, mimeType string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	body, err := json.Marshal(submitRequest{
		Filename: filename,
		MimeType: mimeType,
		Content:  base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.cfg.BaseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new submit request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit parse job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("submit parse job: %s: %s", resp.Status, string(b))
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if sr.JobID == "" {
		return "", errors.New("submit parse job: empty job_id in response")
	}
	return sr.JobID, nil
}

type pollResponse struct {
	Status   string `json:"status"`
	Markdown string `json:"markdown,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Poll implements Client.Poll by GETting {base_url}/jobs/{parserJobID}.
func (c *HTTPClient) Poll(ctx context.Context, parserJobID string) (PollResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return PollResult{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, c.cfg.BaseURL+"/jobs/"+parserJobID, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("new poll request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return PollResult{}, fmt.Errorf("poll parse job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return PollResult{}, ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return PollResult{}, fmt.Errorf("poll parse job: %s: %s", resp.Status, string(b))
	}

	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return PollResult{}, fmt.Errorf("decode poll response: %w", err)
	}
	return PollResult{
		Status:       Status(pr.Status),
		Markdown:     pr.Markdown,
		ErrorMessage: pr.Error,
	}, nil
}
