package model

import "time"

type EmailStatus string

const (
	EmailQueued  EmailStatus = "queued"
	EmailSent    EmailStatus = "sent"
	EmailFailed  EmailStatus = "failed"
	EmailReplied EmailStatus = "replied"
	EmailBounced EmailStatus = "bounced"
)

// Email is one outbound message attempt, linked from its Send row.
type Email struct {
	ID                int64
	CampaignID        int64
	RecipientID       int64
	MailboxID         int64
	SendID            int64
	Step              int
	ToAddress         string
	Subject           string
	Body              string
	Status            EmailStatus
	ProviderMessageID string
	ProviderThreadID  string
	RetryCount        int
	LastError         string
	ClaimedUntil      *time.Time
	SentAt            *time.Time
	OpenedAt          *time.Time
	ClickedAt         *time.Time
	RepliedAt         *time.Time
	BouncedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Delivered reports whether the provider accepted the message at some point.
func (e Email) Delivered() bool {
	switch e.Status {
	case EmailSent, EmailReplied, EmailBounced:
		return true
	}
	return false
}
