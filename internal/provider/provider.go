// Package provider defines the capabilities the pipeline consumes from
// mailbox and verification vendors.
package provider

import (
	"context"
	"errors"
	"time"
)

// AuthError means the vendor rejected the mailbox credentials. A cached
// client holding those credentials should be rebuilt.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string   { return e.Err.Error() }
func (e *AuthError) Unwrap() error   { return e.Err }
func (e *AuthError) Kind() string    { return "provider_auth" }
func (e *AuthError) Retryable() bool { return false }

type authFailure interface {
	AuthFailure() bool
}

// IsAuthFailure reports whether err carries a credential rejection.
func IsAuthFailure(err error) bool {
	var ae *AuthError
	if errors.As(err, &ae) {
		return true
	}
	var af authFailure
	return errors.As(err, &af) && af.AuthFailure()
}

// OutboundMessage is what a sender needs to deliver one rendered email.
type OutboundMessage struct {
	EmailID  int64
	From     string
	To       string
	ToName   string
	Subject  string
	Body     string
	ThreadID string
}

type SendResult struct {
	MessageID string
	ThreadID  string
}

// InboundMessage is one message read from a mailbox.
type InboundMessage struct {
	// ID is the provider handle used for MarkSeen and dedup.
	ID         string
	MessageID  string
	From       string
	To         string
	Subject    string
	Body       string
	ReceivedAt time.Time
	InReplyTo  string
	References []string
}

type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) (SendResult, error)
}

type MailboxReader interface {
	ListRecentMessages(ctx context.Context, since time.Time) ([]InboundMessage, error)
	MarkSeen(ctx context.Context, id string) error
}

// Client is the capability set of one connected mailbox.
type Client interface {
	Sender
	MailboxReader
	Close() error
}

type Verdict struct {
	Status string   `json:"status"`
	Score  *float64 `json:"score,omitempty"`
}

type VerifyResult struct {
	Ready   bool               `json:"ready"`
	Results map[string]Verdict `json:"results"`
}

// Verifier is the bulk-verification capability.
type Verifier interface {
	Submit(ctx context.Context, addresses []string) (string, error)
	Poll(ctx context.Context, requestID string) (VerifyResult, error)
}
