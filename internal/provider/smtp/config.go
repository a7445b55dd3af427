// Package smtp is the direct-transport mailbox: SMTP for delivery and IMAP
// for reading replies.
package smtp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Config is the per-mailbox JSON stored in mailboxes.config.
type Config struct {
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
	IMAPHost string `json:"imap_host"`
	IMAPPort int    `json:"imap_port"`
	Username string `json:"username"`
	Password string `json:"password"`
	// TLS: "mandatory" (default), "opportunistic" or "none".
	TLS     string `json:"tls,omitempty"`
	Folder  string `json:"folder,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

func parseConfig(raw json.RawMessage) (Config, time.Duration, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, 0, fmt.Errorf("failed to decode smtp mailbox config: %w", err)
		}
	}
	if cfg.SMTPHost == "" {
		return cfg, 0, errors.New("smtp mailbox config: smtp_host is required")
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	if cfg.IMAPPort == 0 {
		cfg.IMAPPort = 993
	}
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.TLS == "" {
		cfg.TLS = "mandatory"
	}
	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return cfg, 0, fmt.Errorf("smtp mailbox config: invalid timeout: %w", err)
		}
		timeout = d
	}
	return cfg, timeout, nil
}
