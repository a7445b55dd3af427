package model

import (
	"encoding/json"
	"time"
)

// SenderType selects the provider capability behind a mailbox.
type SenderType string

const (
	SenderHosted SenderType = "hosted"
	SenderSMTP   SenderType = "smtp"
)

type MailboxStatus string

const (
	MailboxVerified MailboxStatus = "verified"
	MailboxDisabled MailboxStatus = "disabled"
	MailboxError    MailboxStatus = "error"
)

type Mailbox struct {
	ID           int64
	OwnerID      int64
	Address      string
	SenderType   SenderType
	Status       MailboxStatus
	Config       json.RawMessage
	LastPolledAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
