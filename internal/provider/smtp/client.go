package smtp

import (
	"ezoutreach/internal/model"
	"ezoutreach/internal/provider"
)

// Client combines SMTP delivery with IMAP reading for one mailbox.
type Client struct {
	*sender
	*reader
}

// New builds a direct-transport client from a mailbox row.
func New(mb model.Mailbox) (provider.Client, error) {
	cfg, timeout, err := parseConfig(mb.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Username == "" {
		cfg.Username = mb.Address
	}
	s, err := newSender(cfg, mb.Address, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{sender: s, reader: newReader(cfg, timeout)}, nil
}

func (c *Client) Close() error {
	return c.reader.Close()
}
