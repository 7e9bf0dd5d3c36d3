package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dhcgn/winesync/model"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultModel     = "claude-sonnet-4-5"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 2000
	maxAttempts      = 2
)

var (
	ErrBudgetExhausted = errors.New("classifier call budget exhausted")
	ErrRateLimited     = errors.New("classifier rate limited")
)

// Options configures the language model client.
type Options struct {
	APIKey            string
	BaseURL           string
	Model             string
	MaxTokens         int
	MaxCalls          int
	Timeout           time.Duration
	RequestsPerMinute int
}

// APIError is a non-2xx reply from the Messages API.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("llm api status %d: %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("llm api status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client classifies email text with the Messages API.
type Client struct {
	opts        Options
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *slog.Logger
	calls       int
}

// New creates a client. The call budget applies for the lifetime of the
// client unless ResetBudget is called.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("llm api key is empty")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}

	return &Client{
		opts:        opts,
		httpClient:  &http.Client{Timeout: opts.Timeout},
		rateLimiter: rate.NewLimiter(limit, 1),
		logger:      logger,
	}, nil
}

// Calls returns the number of model calls made since the last reset.
func (c *Client) Calls() int {
	return c.calls
}

// ResetBudget starts a new call budget, typically at the start of a poll cycle.
func (c *Client) ResetBudget() {
	c.calls = 0
}

// Classify asks the model whether text is a wine order and extracts its items.
// Malformed replies fail closed: the result is a non-order and the error wraps
// ErrMalformedResponse.
func (c *Client) Classify(ctx context.Context, text string) (model.ExtractionResult, error) {
	if len(strings.TrimSpace(text)) < MinTextLength {
		if c.logger != nil {
			c.logger.Debug("text too short for classification", "length", len(strings.TrimSpace(text)))
		}
		return model.NotOrder(), nil
	}
	if c.opts.MaxCalls > 0 && c.calls >= c.opts.MaxCalls {
		return model.NotOrder(), fmt.Errorf("%w (%d calls)", ErrBudgetExhausted, c.opts.MaxCalls)
	}

	c.calls++
	reply, err := c.complete(ctx, BuildPrompt(text))
	if err != nil {
		return model.NotOrder(), err
	}

	result, err := ParseResponse(reply)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("classifier reply rejected, treating as non-order", "err", err)
		}
		return model.NotOrder(), err
	}
	return result, nil
}

type messageRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messageResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// complete sends the prompt, retrying once immediately on transient failures.
func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(messageRequest{
		Model:       c.opts.Model,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: 0,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}

		reply, err := c.send(ctx, payload)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !isTransient(ctx, err) {
			break
		}
		if c.logger != nil && attempt < maxAttempts {
			c.logger.Warn("llm request failed, retrying", "attempt", attempt, "err", err)
		}
	}

	var apiErr *APIError
	if errors.As(lastErr, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w: %w", ErrRateLimited, lastErr)
	}
	return "", lastErr
}

func (c *Client) send(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.opts.APIKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read llm response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			apiErr.Type = errResp.Error.Type
			apiErr.Message = errResp.Error.Message
		}
		return "", apiErr
	}

	var msg messageResponse
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", fmt.Errorf("%w: decode envelope: %v", ErrMalformedResponse, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", fmt.Errorf("%w: empty content", ErrMalformedResponse)
	}
	return sb.String(), nil
}

func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.transient()
	}
	return true
}
