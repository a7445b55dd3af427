package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqcontracts "ezoutreach/contracts/mq"
	"ezoutreach/internal/errs"
	"ezoutreach/internal/model"
	"ezoutreach/internal/provider"
	"ezoutreach/internal/repository/memstore"
	"ezoutreach/internal/service/completion"
	"ezoutreach/internal/service/registry"
	"ezoutreach/pkg/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct {
	mu       sync.Mutex
	sent     []provider.OutboundMessage
	failures int
	err      error
}

func (c *fakeClient) Send(_ context.Context, msg provider.OutboundMessage) (provider.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return provider.SendResult{}, c.err
	}
	c.sent = append(c.sent, msg)
	return provider.SendResult{MessageID: "<msg-" + msg.To + ">", ThreadID: "thread-1"}, nil
}

func (c *fakeClient) ListRecentMessages(context.Context, time.Time) ([]provider.InboundMessage, error) {
	return nil, nil
}
func (c *fakeClient) MarkSeen(context.Context, string) error { return nil }
func (c *fakeClient) Close() error                           { return nil }

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeResolver struct {
	client      provider.Client
	invalidated atomic.Int32
}

func (r *fakeResolver) Resolve(model.Mailbox) (provider.Client, error) { return r.client, nil }
func (r *fakeResolver) Invalidate(model.Mailbox)                        { r.invalidated.Add(1) }

// blockingClient parks inside Send until released.
type blockingClient struct {
	*fakeClient
	entered chan struct{}
	release chan struct{}
}

func (c *blockingClient) Send(ctx context.Context, msg provider.OutboundMessage) (provider.SendResult, error) {
	close(c.entered)
	<-c.release
	return c.fakeClient.Send(ctx, msg)
}

type harness struct {
	st       *memstore.Store
	o        *Orchestrator
	client   *fakeClient
	resolver *fakeResolver
	camp     model.Campaign
	now      time.Time
	cfg      Config
	reg      *registry.Service
	checker  *completion.Checker
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		st:     memstore.New(),
		client: &fakeClient{err: errors.New("provider returned 503")},
		now:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.st.SetClock(clock)

	mb := h.st.AddMailbox(model.Mailbox{Address: "sales@acme.test", SenderType: model.SenderHosted, Status: model.MailboxVerified})
	h.camp = h.st.AddCampaign(model.Campaign{
		Status:    model.CampaignRunning,
		MailboxID: mb.ID,
		Subject:   "Hi {{first_name}}",
		Body:      "Hello {{name}} at {{Company}}",
	})

	h.cfg = cfg
	h.reg = registry.New(h.st.Registry(), nil, registry.Config{}, zap.NewNop())
	h.checker = completion.NewChecker(h.st.Campaigns(), h.st.Sends(), h.st.Recipients(), completion.Config{}, zap.NewNop())
	h.checker.SetClock(clock)

	h.resolver = &fakeResolver{client: h.client}
	h.o = h.withResolver(h.resolver)
	return h
}

// instance builds another orchestrator over the same store, as a second
// worker process would run, with its own limiter and provider client.
func (h *harness) instance(client provider.Client) *Orchestrator {
	return h.withResolver(&fakeResolver{client: client})
}

func (h *harness) withResolver(resolver *fakeResolver) *Orchestrator {
	o := New(Stores{
		Campaigns:  h.st.Campaigns(),
		Steps:      h.st.Steps(),
		Recipients: h.st.Recipients(),
		Sends:      h.st.Sends(),
		Emails:     h.st.Emails(),
		Mailboxes:  h.st.Mailboxes(),
	}, h.reg, resolver, ratelimit.NewMailboxLimiter(nil, 1), h.checker, h.cfg, zap.NewNop())
	o.SetClock(func() time.Time { return h.now })
	return o
}

func (h *harness) recipient(email string, status model.VerificationStatus) model.Recipient {
	if status != "" {
		at := h.now.Add(-time.Hour)
		h.st.PutVerification(model.Verification{Address: email, Status: status, VerifiedAt: &at})
	}
	return h.st.AddRecipient(model.Recipient{
		CampaignID: h.camp.ID,
		Email:      email,
		Name:       "Ada Lovelace",
		Metadata:   map[string]any{"company": "Acme"},
		Status:     model.RecipientPending,
	})
}

func (h *harness) twoSteps() {
	h.st.AddStep(model.Step{CampaignID: h.camp.ID, Order: 0, Subject: "Intro", Body: "Hi {{first_name}}", Condition: model.ConditionAlways})
	h.st.AddStep(model.Step{CampaignID: h.camp.ID, Order: 1, Subject: "Follow up", Body: "Ping", DelayMinutes: 60, Condition: model.ConditionNoReplyOnly})
}

func job(r model.Recipient, step int) mqcontracts.CampaignSendPayload {
	return mqcontracts.CampaignSendPayload{CampaignID: r.CampaignID, RecipientID: r.ID, Step: &step}
}

func TestHandleSend_MaterializesFirstStepAndSends(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.recipient("ada@x.test", model.VerificationValid)

	require.NoError(t, h.o.HandleSend(context.Background(), job(r, 0)))

	require.Equal(t, 1, h.client.count())
	msg := h.client.sent[0]
	assert.Equal(t, "Hi Ada", msg.Subject)
	assert.Equal(t, "Hello Ada Lovelace at Acme", msg.Body)
	assert.Equal(t, "sales@acme.test", msg.From)
	assert.Equal(t, "ada@x.test", msg.To)

	got := h.st.Recipient(r.ID)
	assert.Equal(t, model.RecipientSent, got.Status)
	assert.Equal(t, 1, got.CurrentStep)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(h.now), "no next step, re-evaluate immediately")

	sends := h.st.SendsFor(r.ID)
	require.Len(t, sends, 1)
	assert.Equal(t, model.SendSent, sends[0].Status)
	emails := h.st.EmailsFor(r.ID)
	require.Len(t, emails, 1)
	assert.Equal(t, model.EmailSent, emails[0].Status)
	assert.Equal(t, "<msg-ada@x.test>", emails[0].ProviderMessageID)
}

func TestHandleSend_NextRunAtUsesNextStepDelay(t *testing.T) {
	h := newHarness(t, Config{})
	h.twoSteps()
	r := h.recipient("ada@x.test", model.VerificationValid)

	require.NoError(t, h.o.HandleSend(context.Background(), job(r, 0)))
	got := h.st.Recipient(r.ID)
	assert.True(t, got.NextRunAt.Equal(h.now.Add(60*time.Minute)))
}

func TestHandleSend_DuplicateJobIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	h.twoSteps()
	r := h.recipient("ada@x.test", model.VerificationValid)
	ctx := context.Background()

	require.NoError(t, h.o.HandleSend(ctx, job(r, 0)))
	err := h.o.HandleSend(ctx, job(r, 0))
	assert.ErrorIs(t, err, errs.ErrStaleJob)

	assert.Equal(t, 1, h.client.count())
	assert.Len(t, h.st.SendsFor(r.ID), 1)
	assert.Len(t, h.st.EmailsFor(r.ID), 1)
	assert.Equal(t, 1, h.st.Recipient(r.ID).CurrentStep)
}

func TestHandleSend_AlreadyHandledSendIsSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	h.twoSteps()
	r := h.recipient("ada@x.test", model.VerificationValid)
	h.st.AddSend(model.Send{CampaignID: h.camp.ID, RecipientID: r.ID, Step: 0, Status: model.SendSkipped})

	require.NoError(t, h.o.HandleSend(context.Background(), job(r, 0)))
	assert.Zero(t, h.client.count())
	assert.Equal(t, 0, h.st.Recipient(r.ID).CurrentStep)
}

func TestHandleSend_DeliveredButNotAdvanced(t *testing.T) {
	h := newHarness(t, Config{})
	h.twoSteps()
	r := h.recipient("ada@x.test", model.VerificationValid)
	sentAt := h.now.Add(-time.Minute)
	e := h.st.AddEmail(model.Email{CampaignID: h.camp.ID, RecipientID: r.ID, Step: 0, Status: model.EmailSent, ProviderMessageID: "<m1>", SentAt: &sentAt})
	h.st.AddSend(model.Send{CampaignID: h.camp.ID, RecipientID: r.ID, Step: 0, Status: model.SendQueued, EmailID: &e.ID})

	require.NoError(t, h.o.HandleSend(context.Background(), job(r, 0)))

	assert.Zero(t, h.client.count(), "already delivered, no resend")
	got := h.st.Recipient(r.ID)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, model.SendSent, h.st.SendsFor(r.ID)[0].Status)
}

func TestHandleSend_VerificationGate(t *testing.T) {
	for _, status := range []model.VerificationStatus{"", model.VerificationInvalid, model.VerificationRisky, model.VerificationUnknown, model.VerificationVerifying} {
		t.Run(string(status)+"_stops", func(t *testing.T) {
			h := newHarness(t, Config{})
			r := h.recipient("ada@x.test", status)

			require.NoError(t, h.o.HandleSend(context.Background(), job(r, 0)))

			assert.Zero(t, h.client.count())
			assert.Equal(t, model.RecipientStopped, h.st.Recipient(r.ID).Status)
			assert.Nil(t, h.st.Recipient(r.ID).NextRunAt)
			assert.Empty(t, h.st.SendsFor(r.ID))
			assert.Equal(t, model.CampaignCompleted, h.st.Campaign(h.camp.ID).Status)
		})
	}
}

func TestHandleSend_GateAppliesToLaterSteps(t *testing.T) {
	h := newHarness(t, Config{})
	h.twoSteps()
	r := h.recipient("ada@x.test", model.VerificationValid)
	ctx := context.Background()
	require.NoError(t, h.o.HandleSend(ctx, job(r, 0)))

	at := h.now
	h.st.PutVerification(model.Verification{Address: "ada@x.test", Status: model.VerificationInvalid, VerifiedAt: &at})
	require.NoError(t, h.o.HandleSend(ctx, job(r, 1)))

	assert.Equal(t, 1, h.client.count())
	assert.Equal(t, model.RecipientStopped, h.st.Recipient(r.ID).Status)
}

func TestHandleSend_NoReplyOnlyStepSkippedAfterReply(t *testing.T) {
	h := newHarness(t, Config{})
	h.twoSteps()
	at := h.now.Add(-time.Hour)
	h.st.PutVerification(model.Verification{Address: "ada@x.test", Status: model.VerificationValid, VerifiedAt: &at})
	replied := h.now.Add(-time.Minute)
	r := h.st.AddRecipient(model.Recipient{CampaignID: h.camp.ID, Email: "ada@x.test", Status: model.RecipientSent, CurrentStep: 1, RepliedAt: &replied})
	ctx := context.Background()

	require.NoError(t, h.o.HandleSend(ctx, job(r, 1)))
	got := h.st.Recipient(r.ID)
	assert.Equal(t, 2, got.CurrentStep)
	assert.True(t, got.NextRunAt.Equal(h.now))
	assert.Empty(t, h.st.SendsFor(r.ID))

	require.NoError(t, h.o.HandleSend(ctx, job(r, 2)))
	assert.Equal(t, model.RecipientCompleted, h.st.Recipient(r.ID).Status)
	assert.Equal(t, model.CampaignCompleted, h.st.Campaign(h.camp.ID).Status)
	assert.Zero(t, h.client.count())
}

func TestHandleSend_StaleGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("paused campaign", func(t *testing.T) {
		h := newHarness(t, Config{})
		paused := h.st.AddCampaign(model.Campaign{Status: model.CampaignPaused})
		r := h.st.AddRecipient(model.Recipient{CampaignID: paused.ID, Email: "a@x.test", Status: model.RecipientPending})
		assert.ErrorIs(t, h.o.HandleSend(ctx, job(r, 0)), errs.ErrStaleJob)
	})
	t.Run("replied recipient", func(t *testing.T) {
		h := newHarness(t, Config{})
		r := h.recipient("a@x.test", model.VerificationValid)
		_, err := h.st.Recipients().Finish(ctx, r.ID, model.RecipientReplied)
		require.NoError(t, err)
		assert.ErrorIs(t, h.o.HandleSend(ctx, job(r, 0)), errs.ErrStaleJob)
	})
	t.Run("missing recipient", func(t *testing.T) {
		h := newHarness(t, Config{})
		err := h.o.HandleSend(ctx, mqcontracts.CampaignSendPayload{CampaignID: h.camp.ID, RecipientID: 999})
		assert.ErrorIs(t, err, errs.ErrStaleJob)
	})
	t.Run("missing campaign", func(t *testing.T) {
		h := newHarness(t, Config{})
		err := h.o.HandleSend(ctx, mqcontracts.CampaignSendPayload{CampaignID: 999, RecipientID: 1})
		assert.ErrorIs(t, err, errs.ErrStaleJob)
	})
}

func TestHandleSend_DeliveryRetryThenSuccess(t *testing.T) {
	h := newHarness(t, Config{MaxDeliveryAttempts: 3, RetryBackoff: time.Minute})
	h.client.failures = 1
	r := h.recipient("ada@x.test", model.VerificationValid)
	ctx := context.Background()

	err := h.o.HandleSend(ctx, job(r, 0))
	require.ErrorIs(t, err, errs.ErrDeliveryFailed)

	got := h.st.Recipient(r.ID)
	assert.Equal(t, model.RecipientPending, got.Status)
	assert.Equal(t, 0, got.CurrentStep)
	assert.True(t, got.NextRunAt.Equal(h.now.Add(time.Minute)))
	assert.Equal(t, model.SendQueued, h.st.SendsFor(r.ID)[0].Status)

	require.NoError(t, h.o.HandleSend(ctx, job(r, 0)))
	assert.Equal(t, 1, h.client.count())
	emails := h.st.EmailsFor(r.ID)
	require.Len(t, emails, 1, "retry reuses the outbound message")
	assert.Equal(t, 1, emails[0].RetryCount)
	assert.Equal(t, model.EmailSent, emails[0].Status)
}

func TestHandleSend_DeliveryExhaustionStopsRecipient(t *testing.T) {
	h := newHarness(t, Config{MaxDeliveryAttempts: 2})
	h.client.failures = 5
	r := h.recipient("ada@x.test", model.VerificationValid)
	ctx := context.Background()

	require.ErrorIs(t, h.o.HandleSend(ctx, job(r, 0)), errs.ErrDeliveryFailed)
	require.ErrorIs(t, h.o.HandleSend(ctx, job(r, 0)), errs.ErrDeliveryFailed)

	assert.Equal(t, model.RecipientStopped, h.st.Recipient(r.ID).Status)
	assert.Equal(t, model.SendFailed, h.st.SendsFor(r.ID)[0].Status)
	assert.Equal(t, model.EmailFailed, h.st.EmailsFor(r.ID)[0].Status)
	assert.Equal(t, model.CampaignCompleted, h.st.Campaign(h.camp.ID).Status)

	assert.ErrorIs(t, h.o.HandleSend(ctx, job(r, 0)), errs.ErrStaleJob)
}

func TestQueueMode_DeliverAdvances(t *testing.T) {
	h := newHarness(t, Config{DeliveryMode: DeliveryQueue})
	h.twoSteps()
	r := h.recipient("ada@x.test", model.VerificationValid)
	ctx := context.Background()

	require.NoError(t, h.o.HandleSend(ctx, job(r, 0)))
	assert.Zero(t, h.client.count())
	assert.Equal(t, 0, h.st.Recipient(r.ID).CurrentStep)

	jobs := h.st.DrainJobs(mqcontracts.RoutingKeyEmailDeliver)
	require.Len(t, jobs, 1)
	emailID := jobs[0].Payload.(mqcontracts.EmailDeliverPayload).OutboundMessageID

	require.NoError(t, h.o.Deliver(ctx, emailID))
	assert.Equal(t, 1, h.client.count())
	got := h.st.Recipient(r.ID)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, model.RecipientSent, got.Status)

	assert.ErrorIs(t, h.o.Deliver(ctx, emailID), errs.ErrStaleJob, "redelivered job is dropped")
	assert.Equal(t, 1, h.client.count())
}

func TestQueueMode_DeliverSkipsRepliedRecipient(t *testing.T) {
	h := newHarness(t, Config{DeliveryMode: DeliveryQueue})
	r := h.recipient("ada@x.test", model.VerificationValid)
	ctx := context.Background()

	require.NoError(t, h.o.HandleSend(ctx, job(r, 0)))
	jobs := h.st.DrainJobs(mqcontracts.RoutingKeyEmailDeliver)
	require.Len(t, jobs, 1)
	_, err := h.st.Recipients().Finish(ctx, r.ID, model.RecipientReplied)
	require.NoError(t, err)

	emailID := jobs[0].Payload.(mqcontracts.EmailDeliverPayload).OutboundMessageID
	assert.ErrorIs(t, h.o.Deliver(ctx, emailID), errs.ErrStaleJob)
	assert.Zero(t, h.client.count())
}

func TestHandleSend_ConcurrentWorkersSendOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.twoSteps()
	r := h.recipient("ada@x.test", model.VerificationValid)
	ctx := context.Background()

	slow := &blockingClient{fakeClient: h.client, entered: make(chan struct{}), release: make(chan struct{})}
	first := h.instance(slow)

	firstErr := make(chan error, 1)
	go func() { firstErr <- first.HandleSend(ctx, job(r, 0)) }()
	<-slow.entered

	err := h.o.HandleSend(ctx, job(r, 0))
	assert.ErrorIs(t, err, errs.ErrStaleJob)

	close(slow.release)
	require.NoError(t, <-firstErr)

	assert.Equal(t, 1, h.client.count(), "one provider call per send")
	assert.Len(t, h.st.EmailsFor(r.ID), 1)
	assert.Equal(t, 1, h.st.Recipient(r.ID).CurrentStep)
}

func TestHandleSend_ExpiredClaimIsRetaken(t *testing.T) {
	h := newHarness(t, Config{ClaimTTL: 10 * time.Minute})
	r := h.recipient("ada@x.test", model.VerificationValid)
	claimed := h.now.Add(5 * time.Minute)
	e := h.st.AddEmail(model.Email{CampaignID: h.camp.ID, RecipientID: r.ID, MailboxID: h.camp.MailboxID, Step: 0,
		ToAddress: "ada@x.test", Subject: "Intro", Status: model.EmailQueued, ClaimedUntil: &claimed})
	h.st.AddSend(model.Send{CampaignID: h.camp.ID, RecipientID: r.ID, Step: 0, Status: model.SendQueued, EmailID: &e.ID})
	ctx := context.Background()

	assert.ErrorIs(t, h.o.HandleSend(ctx, job(r, 0)), errs.ErrStaleJob, "claim held by a crashed worker")
	assert.Zero(t, h.client.count())

	h.now = h.now.Add(6 * time.Minute)
	require.NoError(t, h.o.HandleSend(ctx, job(r, 0)))
	assert.Equal(t, 1, h.client.count())
	assert.Nil(t, h.st.EmailsFor(r.ID)[0].ClaimedUntil)
}

func TestHandleSend_AuthFailureDropsCachedClient(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.failures = 1
	h.client.err = &provider.AuthError{Err: errors.New("hosted provider returned 401: token expired")}
	r := h.recipient("ada@x.test", model.VerificationValid)

	err := h.o.HandleSend(context.Background(), job(r, 0))
	require.ErrorIs(t, err, errs.ErrDeliveryFailed)
	assert.Equal(t, int32(1), h.resolver.invalidated.Load())

	h.client.failures = 1
	h.client.err = errors.New("provider returned 503")
	h.now = h.now.Add(DefaultRetryBackoff)
	require.ErrorIs(t, h.o.HandleSend(context.Background(), job(r, 0)), errs.ErrDeliveryFailed)
	assert.Equal(t, int32(1), h.resolver.invalidated.Load(), "transient errors keep the client")
}
