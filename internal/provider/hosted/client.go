// Package hosted talks to a hosted-mailbox provider over its JSON HTTP API.
package hosted

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

	"ezoutreach/internal/model"
	"ezoutreach/internal/provider"
	"ezoutreach/pkg/metrics"
)

const providerName = "hosted"

// Config is the per-mailbox JSON stored in mailboxes.config.
type Config struct {
	BaseURL     string `json:"base_url"`
	AccessToken string `json:"access_token"`
	Timeout     string `json:"timeout,omitempty"`
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hosted provider returned %d: %s", e.Code, e.Body)
}

func (e *StatusError) Kind() string { return "provider_status" }

// AuthFailure: the access token was rejected.
func (e *StatusError) AuthFailure() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// Retryable: throttling and server-side failures.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type Client struct {
	baseURL string
	token   string
	from    string
	http    *http.Client
}

// New builds a client from a mailbox row.
func New(mb model.Mailbox) (provider.Client, error) {
	var cfg Config
	if len(mb.Config) > 0 {
		if err := json.Unmarshal(mb.Config, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode hosted mailbox config: %w", err)
		}
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("hosted mailbox config: base_url is required")
	}
	timeout := 15 * time.Second
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("hosted mailbox config: invalid timeout: %w", err)
		}
		timeout = d
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AccessToken,
		from:    mb.Address,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type sendRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	ToName   string `json:"toName,omitempty"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	ThreadID string `json:"threadId,omitempty"`
}

type sendResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

func (c *Client) Send(ctx context.Context, msg provider.OutboundMessage) (provider.SendResult, error) {
	from := msg.From
	if from == "" {
		from = c.from
	}
	var resp sendResponse
	err := c.do(ctx, "send", http.MethodPost, "/messages/send", sendRequest{
		From:     from,
		To:       msg.To,
		ToName:   msg.ToName,
		Subject:  msg.Subject,
		Body:     msg.Body,
		ThreadID: msg.ThreadID,
	}, &resp)
	if err != nil {
		return provider.SendResult{}, err
	}
	if resp.ID == "" {
		return provider.SendResult{}, errors.New("hosted provider returned empty message id")
	}
	return provider.SendResult{MessageID: resp.ID, ThreadID: resp.ThreadID}, nil
}

type inboundMessage struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"messageId"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
	InReplyTo  string    `json:"inReplyTo"`
	References []string  `json:"references"`
}

type listResponse struct {
	Messages []inboundMessage `json:"messages"`
}

func (c *Client) ListRecentMessages(ctx context.Context, since time.Time) ([]provider.InboundMessage, error) {
	q := url.Values{}
	// 已读邮件也要取回，回复可能在轮询前就被人打开
	q.Set("since", since.UTC().Format(time.RFC3339))

	var resp listResponse
	if err := c.do(ctx, "list", http.MethodGet, "/messages?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]provider.InboundMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, provider.InboundMessage{
			ID:         m.ID,
			MessageID:  m.MessageID,
			From:       m.From,
			To:         m.To,
			Subject:    m.Subject,
			Body:       m.Body,
			ReceivedAt: m.ReceivedAt,
			InReplyTo:  m.InReplyTo,
			References: m.References,
		})
	}
	return out, nil
}

func (c *Client) MarkSeen(ctx context.Context, id string) error {
	return c.do(ctx, "mark_seen", http.MethodPost, "/messages/"+url.PathEscape(id)+"/seen", nil, nil)
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hosted %s failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
