// Package oracle wraps the LLM service used as a black-box extraction and
// ranking oracle. Callers send a prompt with a strict output schema and get
// back raw JSON; schema validation stays with the caller so each use site
// can fall back independently when the oracle misbehaves.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/common"
	"github.com/elevated-systems/carbon-scheduler/pkg/carbonscheduler/config"
)

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client handles interactions with the LLM oracle service.
type Client struct {
	cfg         config.OracleConfig
	httpClient  HTTPClient
	rateLimiter *time.Ticker
}

// ClientOption allows customizing the client
type ClientOption func(*Client)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(hc HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new oracle client.
func NewClient(cfg config.OracleConfig, opts ...ClientOption) *Client {
	rate := cfg.RateLimit
	if rate <= 0 {
		rate = 1
	}
	c := &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: time.NewTicker(time.Second / time.Duration(rate)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// request/response wire shapes for a generateContent-style endpoint.
type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Generate sends the prompt and returns the oracle's output parsed as raw
// JSON. Markdown code fences around the payload are tolerated and
// stripped. Transient failures are retried with exponential backoff.
func (c *Client) Generate(ctx context.Context, prompt string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < common.RetryMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %v", ctx.Err())
		case <-c.rateLimiter.C:
			raw, err := c.doRequest(ctx, prompt)
			if err == nil {
				return raw, nil
			}
			lastErr = err
			klog.V(2).InfoS("Oracle request failed, retrying",
				"attempt", attempt+1,
				"maxAttempts", common.RetryMaxAttempts,
				"error", err)

			// No backoff after the last attempt; the caller gets the
			// error immediately.
			if attempt == common.RetryMaxAttempts-1 {
				return nil, fmt.Errorf("all retries failed: %v", lastErr)
			}
			timer := time.NewTimer(backoffDuration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("context cancelled during backoff: %v", ctx.Err())
			case <-timer.C:
			}
		}
	}
	return nil, fmt.Errorf("all retries failed: %v", lastErr)
}

func (c *Client) doRequest(ctx context.Context, prompt string) (json.RawMessage, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent", strings.TrimRight(c.cfg.URL, "/"), c.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limit exceeded")
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("invalid oracle token")
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %v", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("oracle returned no candidates")
	}

	text := StripFences(out.Candidates[0].Content.Parts[0].Text)
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("oracle output is not valid JSON")
	}
	return json.RawMessage(text), nil
}

// StripFences removes a surrounding markdown code fence, if present.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func backoffDuration(attempt int) time.Duration {
	backoff := common.RetryBaseDelay * time.Duration(1<<uint(attempt))
	if backoff > common.RetryMaxDelay {
		backoff = common.RetryMaxDelay
	}
	return backoff
}

// Close cleans up client resources.
func (c *Client) Close() {
	if c.rateLimiter != nil {
		c.rateLimiter.Stop()
	}
}
