package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"ezoutreach/internal/model"
	"ezoutreach/internal/repository/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newScheduler(campaigns CampaignStore, recipients RecipientStore) *Scheduler {
	s := New(campaigns, recipients, Config{}, zap.NewNop())
	s.SetClock(func() time.Time { return now })
	return s
}

func TestTick_StartsDueScheduledCampaign(t *testing.T) {
	st := memstore.New()
	unset := st.AddCampaign(model.Campaign{Status: model.CampaignScheduled, ThroughputCap: 10})
	future := now.Add(time.Hour)
	later := st.AddCampaign(model.Campaign{Status: model.CampaignScheduled, ScheduledAt: &future})
	r := st.AddRecipient(model.Recipient{CampaignID: unset.ID, Email: "a@x.test", Status: model.RecipientPending})
	st.AddRecipient(model.Recipient{CampaignID: later.ID, Email: "b@x.test", Status: model.RecipientPending})

	require.NoError(t, newScheduler(st.Campaigns(), st.Recipients()).Tick(context.Background()))

	got := st.Campaign(unset.ID)
	assert.Equal(t, model.CampaignRunning, got.Status)
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, got.ScheduledAt.Equal(now))
	assert.Equal(t, model.CampaignScheduled, st.Campaign(later.ID).Status)

	jobs := st.CampaignSendJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, unset.ID, jobs[0].CampaignID)
	assert.Equal(t, r.ID, jobs[0].RecipientID)
	require.NotNil(t, jobs[0].Step)
	assert.Equal(t, 0, *jobs[0].Step)
}

func TestTick_RespectsThroughputCapAndOrder(t *testing.T) {
	st := memstore.New()
	camp := st.AddCampaign(model.Campaign{Status: model.CampaignRunning, ThroughputCap: 2})
	past := now.Add(-time.Minute)
	earlier := now.Add(-time.Hour)
	notYet := now.Add(time.Minute)
	a := st.AddRecipient(model.Recipient{CampaignID: camp.ID, Email: "a@x.test", Status: model.RecipientSent, NextRunAt: &past})
	b := st.AddRecipient(model.Recipient{CampaignID: camp.ID, Email: "b@x.test", Status: model.RecipientPending})
	c := st.AddRecipient(model.Recipient{CampaignID: camp.ID, Email: "c@x.test", Status: model.RecipientPending, NextRunAt: &earlier})
	st.AddRecipient(model.Recipient{CampaignID: camp.ID, Email: "d@x.test", Status: model.RecipientPending, NextRunAt: &notYet})
	st.AddRecipient(model.Recipient{CampaignID: camp.ID, Email: "e@x.test", Status: model.RecipientReplied})

	s := newScheduler(st.Campaigns(), st.Recipients())
	require.NoError(t, s.Tick(context.Background()))

	jobs := st.CampaignSendJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, b.ID, jobs[0].RecipientID, "null nextRunAt first")
	assert.Equal(t, c.ID, jobs[1].RecipientID)

	leased := st.Recipient(b.ID)
	require.NotNil(t, leased.NextRunAt)
	assert.True(t, leased.NextRunAt.Equal(now.Add(DefaultLeaseWindow)))

	// 下一轮只剩 a 到期
	require.NoError(t, s.Tick(context.Background()))
	jobs = st.CampaignSendJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, a.ID, jobs[0].RecipientID)

	require.NoError(t, s.Tick(context.Background()))
	assert.Empty(t, st.CampaignSendJobs(), "leased recipients are not re-selected")
}

func TestTick_SkipsPausedCampaigns(t *testing.T) {
	st := memstore.New()
	camp := st.AddCampaign(model.Campaign{Status: model.CampaignPaused})
	st.AddRecipient(model.Recipient{CampaignID: camp.ID, Email: "a@x.test", Status: model.RecipientPending})

	require.NoError(t, newScheduler(st.Campaigns(), st.Recipients()).Tick(context.Background()))
	assert.Empty(t, st.CampaignSendJobs())
}

type flakyRecipients struct {
	*memstore.Recipients
	failCampaign int64
}

func (f flakyRecipients) ListDue(ctx context.Context, campaignID int64, now time.Time, limit int) ([]model.Recipient, error) {
	if campaignID == f.failCampaign {
		return nil, errors.New("connection reset")
	}
	return f.Recipients.ListDue(ctx, campaignID, now, limit)
}

func TestTick_OneCampaignFailureDoesNotAbortSweep(t *testing.T) {
	st := memstore.New()
	bad := st.AddCampaign(model.Campaign{Status: model.CampaignRunning})
	good := st.AddCampaign(model.Campaign{Status: model.CampaignRunning})
	st.AddRecipient(model.Recipient{CampaignID: bad.ID, Email: "a@x.test", Status: model.RecipientPending})
	r := st.AddRecipient(model.Recipient{CampaignID: good.ID, Email: "b@x.test", Status: model.RecipientPending})

	s := newScheduler(st.Campaigns(), flakyRecipients{Recipients: st.Recipients(), failCampaign: bad.ID})
	err := s.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	jobs := st.CampaignSendJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, r.ID, jobs[0].RecipientID)
}
