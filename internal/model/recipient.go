package model

import "time"

type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSent      RecipientStatus = "sent"
	RecipientReplied   RecipientStatus = "replied"
	RecipientBounced   RecipientStatus = "bounced"
	RecipientCompleted RecipientStatus = "completed"
	RecipientStopped   RecipientStatus = "stopped"
)

// Active reports whether the recipient can still receive steps.
func (s RecipientStatus) Active() bool {
	return s == RecipientPending || s == RecipientSent
}

type Recipient struct {
	ID          int64
	CampaignID  int64
	Email       string
	Name        string
	Metadata    map[string]any
	CurrentStep int
	Status      RecipientStatus
	NextRunAt   *time.Time
	RepliedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
