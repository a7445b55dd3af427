package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

type Campaign struct {
	ID            int64
	OwnerID       int64
	MailboxID     int64
	Name          string
	Subject       string
	Body          string
	ThroughputCap int
	Status        CampaignStatus
	ScheduledAt   *time.Time
	CompletedAt   *time.Time
	StopReason    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CampaignStats feeds the optional auto-stop policy.
type CampaignStats struct {
	Sent    int
	Bounced int
}

func (s CampaignStats) BounceRate() float64 {
	if s.Sent == 0 {
		return 0
	}
	return float64(s.Bounced) / float64(s.Sent)
}

type StepCondition string

const (
	ConditionAlways      StepCondition = "always"
	ConditionNoReplyOnly StepCondition = "no-reply-only"
)

type Step struct {
	ID           int64
	CampaignID   int64
	Order        int
	Subject      string
	Body         string
	DelayMinutes int
	Condition    StepCondition
	CreatedAt    time.Time
}

func (s Step) Delay() time.Duration {
	return time.Duration(s.DelayMinutes) * time.Minute
}

// LastStepOrder returns the highest order in steps, or -1 when empty.
func LastStepOrder(steps []Step) int {
	last := -1
	for _, s := range steps {
		if s.Order > last {
			last = s.Order
		}
	}
	return last
}

// FindStep returns the step with the given order.
func FindStep(steps []Step, order int) (Step, bool) {
	for _, s := range steps {
		if s.Order == order {
			return s, true
		}
	}
	return Step{}, false
}
