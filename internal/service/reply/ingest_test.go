package reply

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"ezoutreach/internal/model"
	"ezoutreach/internal/provider"
	"ezoutreach/internal/repository/memstore"
	"ezoutreach/internal/service/completion"
	"ezoutreach/internal/service/registry"
	"ezoutreach/pkg/ratelimit"
	"ezoutreach/pkg/util"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReader struct {
	mu      sync.Mutex
	inbound []provider.InboundMessage
	listErr error
	seen    []string
}

func (f *fakeReader) Send(context.Context, provider.OutboundMessage) (provider.SendResult, error) {
	return provider.SendResult{}, errors.New("not used")
}

func (f *fakeReader) ListRecentMessages(context.Context, time.Time) ([]provider.InboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.InboundMessage(nil), f.inbound...), f.listErr
}

func (f *fakeReader) MarkSeen(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, id)
	return nil
}

func (f *fakeReader) Close() error { return nil }

// recordingLimiter remembers which provider calls went through the limiter.
type recordingLimiter struct {
	mu    sync.Mutex
	inner *ratelimit.MailboxLimiter
	calls []string
}

func (l *recordingLimiter) Do(ctx context.Context, kind, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	l.calls = append(l.calls, kind+"|"+key)
	l.mu.Unlock()
	return l.inner.Do(ctx, kind, key, fn)
}

type readerByMailbox struct {
	byID        map[int64]*fakeReader
	mu          sync.Mutex
	invalidated []int64
}

func newReaders(byID map[int64]*fakeReader) *readerByMailbox {
	return &readerByMailbox{byID: byID}
}

func (r *readerByMailbox) Resolve(mb model.Mailbox) (provider.Client, error) {
	c, ok := r.byID[mb.ID]
	if !ok {
		return nil, errors.New("no reader")
	}
	return c, nil
}

func (r *readerByMailbox) Invalidate(mb model.Mailbox) {
	r.mu.Lock()
	r.invalidated = append(r.invalidated, mb.ID)
	r.mu.Unlock()
}

type fixture struct {
	st      *memstore.Store
	in      *Ingester
	reader  *fakeReader
	limiter *recordingLimiter
	mb      model.Mailbox
	camp    model.Campaign
	r       model.Recipient
	email   model.Email
	pending model.Send
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		st:      memstore.New(),
		reader:  &fakeReader{},
		limiter: &recordingLimiter{inner: ratelimit.NewMailboxLimiter(nil, 1)},
		now:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.st.SetClock(clock)

	f.mb = f.st.AddMailbox(model.Mailbox{Address: "sales@acme.test", SenderType: model.SenderHosted, Status: model.MailboxVerified})
	f.camp = f.st.AddCampaign(model.Campaign{Status: model.CampaignRunning, MailboxID: f.mb.ID})
	next := f.now.Add(time.Hour)
	f.r = f.st.AddRecipient(model.Recipient{CampaignID: f.camp.ID, Email: "ada@x.test", Status: model.RecipientSent, CurrentStep: 1, NextRunAt: &next})
	sentAt := f.now.Add(-time.Hour)
	f.email = f.st.AddEmail(model.Email{
		CampaignID: f.camp.ID, RecipientID: f.r.ID, MailboxID: f.mb.ID, Step: 0,
		ToAddress: "ada@x.test", Subject: "Quick question", Status: model.EmailSent,
		ProviderMessageID: "<m1@acme.test>", SentAt: &sentAt,
	})
	f.pending = f.st.AddSend(model.Send{CampaignID: f.camp.ID, RecipientID: f.r.ID, Step: 1, Status: model.SendQueued})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := registry.New(f.st.Registry(), rdb, registry.Config{}, zap.NewNop())
	reg.SetClock(clock)
	checker := completion.NewChecker(f.st.Campaigns(), f.st.Sends(), f.st.Recipients(), completion.Config{}, zap.NewNop())
	checker.SetClock(clock)
	proc := NewProcessor(f.st.Replies(), reg, checker, zap.NewNop())

	f.in = NewIngester(f.st.Mailboxes(), f.st.Emails(), newReaders(map[int64]*fakeReader{f.mb.ID: f.reader}), f.limiter, proc,
		util.NewDeduper(rdb, DefaultDedupTTL, zap.NewNop()), Config{}, zap.NewNop())
	f.in.SetClock(clock)
	return f
}

func (f *fixture) inbound(msgs ...provider.InboundMessage) {
	f.reader.mu.Lock()
	defer f.reader.mu.Unlock()
	f.reader.inbound = msgs
}

func TestPoll_ReplyStopsRecipient(t *testing.T) {
	f := newFixture(t)
	received := f.now.Add(-time.Minute)
	f.inbound(provider.InboundMessage{
		ID: "in-1", From: "Ada <ada@x.test>", Subject: "Re: Quick question",
		Body: "Sounds good", InReplyTo: "<m1@acme.test>", ReceivedAt: received,
	})

	require.NoError(t, f.in.Poll(context.Background()))

	r := f.st.Recipient(f.r.ID)
	assert.Equal(t, model.RecipientReplied, r.Status)
	assert.Nil(t, r.NextRunAt)
	require.NotNil(t, r.RepliedAt)
	assert.True(t, r.RepliedAt.Equal(received))

	sends := f.st.SendsFor(f.r.ID)
	require.Len(t, sends, 1)
	assert.Equal(t, model.SendSkipped, sends[0].Status)
	assert.Equal(t, model.EmailReplied, f.st.EmailsFor(f.r.ID)[0].Status)

	events := f.st.ReplyEvents()
	require.Len(t, events, 1)
	assert.Equal(t, model.ReplyKindReply, events[0].Kind)
	assert.Equal(t, "ada@x.test", events[0].FromAddress)
	assert.Equal(t, "Sounds good", events[0].Snippet)

	assert.Equal(t, []string{"in-1"}, f.reader.seen)
	assert.Equal(t, model.CampaignCompleted, f.st.Campaign(f.camp.ID).Status)
	mb, err := f.st.Mailboxes().Get(context.Background(), f.mb.ID)
	require.NoError(t, err)
	require.NotNil(t, mb.LastPolledAt)
}

func TestPoll_SameMessageProcessedOnce(t *testing.T) {
	f := newFixture(t)
	f.inbound(provider.InboundMessage{ID: "in-1", From: "ada@x.test", InReplyTo: "<m1@acme.test>"})

	require.NoError(t, f.in.Poll(context.Background()))
	require.NoError(t, f.in.Poll(context.Background()))

	assert.Len(t, f.st.ReplyEvents(), 1)
	assert.Equal(t, []string{"in-1"}, f.reader.seen)
}

func TestPoll_SubjectFallback(t *testing.T) {
	f := newFixture(t)
	f.inbound(provider.InboundMessage{ID: "in-2", From: "ada@x.test", Subject: "RE: quick question"})

	require.NoError(t, f.in.Poll(context.Background()))
	assert.Equal(t, model.RecipientReplied, f.st.Recipient(f.r.ID).Status)
}

func TestPoll_IgnoresSelfAndAutomatedMail(t *testing.T) {
	f := newFixture(t)
	f.inbound(
		provider.InboundMessage{ID: "in-3", From: "sales@acme.test", InReplyTo: "<m1@acme.test>"},
		provider.InboundMessage{ID: "in-4", From: "noreply@x.test", InReplyTo: "<m1@acme.test>"},
		provider.InboundMessage{ID: "in-5", From: "ada@x.test", Subject: "Unrelated"},
	)

	require.NoError(t, f.in.Poll(context.Background()))
	assert.Equal(t, model.RecipientSent, f.st.Recipient(f.r.ID).Status)
	assert.Empty(t, f.st.ReplyEvents())
	assert.Empty(t, f.reader.seen)
}

func TestPoll_BounceMarksAddressInvalid(t *testing.T) {
	f := newFixture(t)
	f.inbound(provider.InboundMessage{
		ID: "in-6", From: "MAILER-DAEMON@mx.x.test", Subject: "Undelivered Mail Returned to Sender",
		Body: "Delivery to the following recipient failed permanently: ada@x.test",
	})

	require.NoError(t, f.in.Poll(context.Background()))

	assert.Equal(t, model.RecipientBounced, f.st.Recipient(f.r.ID).Status)
	assert.Equal(t, model.EmailBounced, f.st.EmailsFor(f.r.ID)[0].Status)
	assert.Equal(t, model.SendSkipped, f.st.SendsFor(f.r.ID)[0].Status)
	v, ok := f.st.Verification("ada@x.test")
	require.True(t, ok)
	assert.Equal(t, model.VerificationInvalid, v.Status)
	events := f.st.ReplyEvents()
	require.Len(t, events, 1)
	assert.Equal(t, model.ReplyKindBounce, events[0].Kind)
}

func TestProcessReply_AfterCompletedRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.st.Recipients().Finish(ctx, f.r.ID, model.RecipientCompleted)
	require.NoError(t, err)

	applied, err := f.in.processor.ProcessReply(ctx, &model.ReplyEvent{EmailID: f.email.ID, FromAddress: "ada@x.test", ReceivedAt: f.now})
	require.NoError(t, err)
	assert.True(t, applied)
	got := f.st.Recipient(f.r.ID)
	assert.Equal(t, model.RecipientCompleted, got.Status, "a finished recipient keeps its status")
	require.NotNil(t, got.RepliedAt)
	assert.Equal(t, model.EmailReplied, f.st.EmailsFor(f.r.ID)[0].Status)

	applied, err = f.in.processor.ProcessReply(ctx, &model.ReplyEvent{EmailID: f.email.ID, FromAddress: "ada@x.test", ReceivedAt: f.now})
	require.NoError(t, err)
	assert.False(t, applied, "second reply to the same message is a no-op")
	assert.Len(t, f.st.ReplyEvents(), 1)
}

func TestProcessReply_IgnoresBouncedMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied, err := f.in.processor.ProcessBounce(ctx, &model.ReplyEvent{EmailID: f.email.ID, FromAddress: "mailer-daemon@x.test", ReceivedAt: f.now}, "ada@x.test")
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = f.in.processor.ProcessReply(ctx, &model.ReplyEvent{EmailID: f.email.ID, FromAddress: "ada@x.test", ReceivedAt: f.now})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.EmailBounced, f.st.EmailsFor(f.r.ID)[0].Status)
	assert.Equal(t, model.RecipientBounced, f.st.Recipient(f.r.ID).Status)
	assert.Len(t, f.st.ReplyEvents(), 1)
}

func TestPoll_MailboxFailureDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	broken := f.st.AddMailbox(model.Mailbox{Address: "ops@acme.test", SenderType: model.SenderSMTP, Status: model.MailboxVerified})
	sentAt := f.now.Add(-time.Hour)
	f.st.AddEmail(model.Email{MailboxID: broken.ID, ToAddress: "z@x.test", Status: model.EmailSent, ProviderMessageID: "<z@acme.test>", SentAt: &sentAt})
	readers := newReaders(map[int64]*fakeReader{
		f.mb.ID:   f.reader,
		broken.ID: {listErr: &provider.AuthError{Err: errors.New("imap login: bad credentials")}},
	})
	f.in.readers = readers
	f.inbound(provider.InboundMessage{ID: "in-1", From: "ada@x.test", InReplyTo: "<m1@acme.test>"})

	err := f.in.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad credentials")
	assert.Equal(t, model.RecipientReplied, f.st.Recipient(f.r.ID).Status)
	assert.Equal(t, []int64{broken.ID}, readers.invalidated, "rejected credentials drop the cached reader")
}

func TestPoll_ProviderCallsGoThroughLimiter(t *testing.T) {
	f := newFixture(t)
	f.inbound(provider.InboundMessage{ID: "in-1", From: "ada@x.test", InReplyTo: "<m1@acme.test>"})

	require.NoError(t, f.in.Poll(context.Background()))

	key := "hosted|mailbox:" + strconv.FormatInt(f.mb.ID, 10)
	assert.Equal(t, []string{key, key}, f.limiter.calls, "list and mark-seen are both capped")
}
