package smtp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ezoutreach/internal/provider"
	"ezoutreach/pkg/metrics"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
)

type sender struct {
	from   string
	client *mail.Client
}

func newSender(cfg Config, from string, timeout time.Duration) (*sender, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithTimeout(timeout),
		mail.WithTLSPortPolicy(tlsPolicy(cfg.TLS)),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}
	return &sender{from: from, client: client}, nil
}

func tlsPolicy(mode string) mail.TLSPolicy {
	switch strings.ToLower(mode) {
	case "none":
		return mail.NoTLS
	case "opportunistic":
		return mail.TLSOpportunistic
	default:
		return mail.TLSMandatory
	}
}

// buildMessage stamps our own Message-ID so replies can be matched later.
func buildMessage(from string, msg provider.OutboundMessage) (*mail.Msg, string, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, "", fmt.Errorf("invalid from address: %w", err)
	}
	if msg.ToName != "" {
		if err := m.AddToFormat(msg.ToName, msg.To); err != nil {
			return nil, "", fmt.Errorf("invalid to address: %w", err)
		}
	} else if err := m.To(msg.To); err != nil {
		return nil, "", fmt.Errorf("invalid to address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	id := uuid.NewString() + "@" + domainOf(from)
	m.SetMessageIDWithValue(id)
	return m, "<" + id + ">", nil
}

func (s *sender) Send(ctx context.Context, msg provider.OutboundMessage) (provider.SendResult, error) {
	from := msg.From
	if from == "" {
		from = s.from
	}
	m, messageID, err := buildMessage(from, msg)
	if err != nil {
		return provider.SendResult{}, err
	}

	start := time.Now()
	err = s.client.DialAndSendWithContext(ctx, m)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordProviderCall("smtp", "send", status, time.Since(start))
	if err != nil {
		return provider.SendResult{}, fmt.Errorf("smtp send failed: %w", err)
	}
	return provider.SendResult{MessageID: messageID, ThreadID: messageID}, nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return strings.Trim(addr[i+1:], "<> ")
	}
	return "localhost"
}
