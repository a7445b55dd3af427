package model

import "time"

type SendStatus string

const (
	SendQueued  SendStatus = "queued"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
	SendSkipped SendStatus = "skipped"
)

// Send is unique per (CampaignID, RecipientID, Step).
type Send struct {
	ID          int64
	CampaignID  int64
	RecipientID int64
	Step        int
	Status      SendStatus
	EmailID     *int64
	SentAt      *time.Time
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
