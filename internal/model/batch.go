package model

import "time"

type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchVerifying BatchStatus = "verifying"
	BatchVerified  BatchStatus = "verified"
	BatchFailed    BatchStatus = "failed"
)

type BatchCounts struct {
	Total   int
	Valid   int
	Invalid int
	Risky   int
	Unknown int
	Skipped int
}

// Add tallies one verdict.
func (c *BatchCounts) Add(status VerificationStatus) {
	switch status {
	case VerificationValid:
		c.Valid++
	case VerificationInvalid:
		c.Invalid++
	case VerificationRisky:
		c.Risky++
	default:
		c.Unknown++
	}
}

// ListBatch is one uploaded recipient list awaiting verification.
type ListBatch struct {
	ID         int64
	OwnerID    int64
	Status     BatchStatus
	Counts     BatchCounts
	Error      string
	VerifiedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
