package model

import "time"

type ReplyKind string

const (
	ReplyKindReply  ReplyKind = "reply"
	ReplyKindBounce ReplyKind = "bounce"
)

type ReplyEvent struct {
	ID          int64
	EmailID     int64
	RecipientID int64
	CampaignID  int64
	Kind        ReplyKind
	InboundID   string
	FromAddress string
	Subject     string
	Snippet     string
	ReceivedAt  time.Time
	CreatedAt   time.Time
}
