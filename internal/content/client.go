// Package content talks to the content-generation service, which is treated
// as a black box returning suggested text and image references.
package content

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

	"go.uber.org/zap"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

type Brief struct {
	TenantID   string          `json:"tenant_id"`
	CampaignID string          `json:"campaign_id"`
	Name       string          `json:"name"`
	Content    json.RawMessage `json:"content,omitempty"`
	Targeting  json.RawMessage `json:"targeting,omitempty"`
}

type Suggestion struct {
	Text      string   `json:"text"`
	ImageRefs []string `json:"image_refs"`
}

// Generator is what the content-generation job handler depends on.
type Generator interface {
	Generate(ctx context.Context, brief Brief) (Suggestion, error)
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := cfg.Client
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: strings.TrimRight(cfg.BaseURL, "/"), http: hc, logger: logger}
}

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("content service returned %d", e.StatusCode)
}

// Retryable reports whether another Generate call could succeed: transport
// errors, throttling and server errors are, other statuses are not.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}

func (c *Client) Generate(ctx context.Context, brief Brief) (Suggestion, error) {
	b, err := json.Marshal(brief)
	if err != nil {
		return Suggestion{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(b))
	if err != nil {
		return Suggestion{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Suggestion{}, fmt.Errorf("content generation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return Suggestion{}, &StatusError{StatusCode: resp.StatusCode}
	}

	var s Suggestion
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&s); err != nil {
		return Suggestion{}, fmt.Errorf("decode content suggestion: %w", err)
	}
	if s.Text == "" && len(s.ImageRefs) == 0 {
		return Suggestion{}, fmt.Errorf("content generation returned an empty suggestion")
	}
	c.logger.Debug("content generated",
		zap.String("tenant_id", brief.TenantID),
		zap.String("campaign_id", brief.CampaignID),
		zap.Int("images", len(s.ImageRefs)),
	)
	return s, nil
}

var _ Generator = (*Client)(nil)
