// Package verifier is the HTTP client for the bulk email-verification vendor.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ezoutreach/internal/errs"
	"ezoutreach/internal/provider"
	"ezoutreach/pkg/circuitbreaker"
	"ezoutreach/pkg/metrics"

	"go.uber.org/zap"
)

const providerName = "verifier"

type Config struct {
	BaseURL string                `yaml:"base_url"`
	APIKey  string                `yaml:"api_key"`
	Timeout time.Duration         `yaml:"timeout"`
	Breaker circuitbreaker.Config `yaml:"breaker"`
}

// StatusError is a non-2xx vendor response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("verifier returned %d: %s", e.Code, e.Body)
}

func (e *StatusError) Kind() string { return "provider_status" }

func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// unavailable is returned while the breaker is open.
type unavailable struct{ err error }

func (e *unavailable) Error() string   { return e.err.Error() }
func (e *unavailable) Unwrap() []error { return []error{errs.ErrProviderUnavailable, e.err} }
func (e *unavailable) Kind() string    { return "provider_unavailable" }
func (e *unavailable) Retryable() bool { return true }

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ provider.Verifier = (*Client)(nil)

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("verifier: base_url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.NewCircuitBreaker(cfg.Breaker),
		logger:  logger,
	}, nil
}

type submitRequest struct {
	Emails []string `json:"emails"`
}

type submitResponse struct {
	ID string `json:"id"`
}

func (c *Client) Submit(ctx context.Context, addresses []string) (string, error) {
	var resp submitResponse
	if err := c.call(ctx, "submit", http.MethodPost, "/v1/batches", submitRequest{Emails: addresses}, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("verifier returned empty request id")
	}
	return resp.ID, nil
}

type pollItem struct {
	Email  string   `json:"email"`
	Result string   `json:"result"`
	Score  *float64 `json:"score"`
}

type pollResponse struct {
	Status  string     `json:"status"`
	Results []pollItem `json:"results"`
}

// Poll reports Ready only once the vendor has finished the whole request.
func (c *Client) Poll(ctx context.Context, requestID string) (provider.VerifyResult, error) {
	var resp pollResponse
	if err := c.call(ctx, "poll", http.MethodGet, "/v1/batches/"+url.PathEscape(requestID), nil, &resp); err != nil {
		return provider.VerifyResult{}, err
	}
	switch strings.ToLower(resp.Status) {
	case "completed", "done", "ready":
	default:
		return provider.VerifyResult{Ready: false}, nil
	}

	out := provider.VerifyResult{Ready: true, Results: make(map[string]provider.Verdict, len(resp.Results))}
	for _, item := range resp.Results {
		out.Results[item.Email] = provider.Verdict{Status: item.Result, Score: item.Score}
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	err := c.breaker.Execute(func() error {
		return c.do(ctx, op, method, path, in, out)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		c.logger.Warn("Verifier circuit open, skipping call", zap.String("op", op))
		return &unavailable{err: err}
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RecordProviderCall(providerName, op, status, time.Since(start))
	}()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("verifier %s failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
