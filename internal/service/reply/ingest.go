package reply

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"ezoutreach/internal/model"
	"ezoutreach/internal/provider"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval = 60 * time.Second
	DefaultLookback     = 14 * 24 * time.Hour
	DefaultConcurrency  = 4
	DefaultDedupTTL     = 30 * 24 * time.Hour

	snippetLimit = 500
)

var (
	defaultAutomatedMarkers = []string{"noreply", "no-reply", "donotreply", "do-not-reply"}
	defaultBounceSenders    = []string{"mailer-daemon", "postmaster"}
)

type Config struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	Lookback         time.Duration `yaml:"lookback"`
	Concurrency      int           `yaml:"concurrency"`
	DedupTTL         time.Duration `yaml:"dedup_ttl"`
	AutomatedMarkers []string      `yaml:"automated_markers"`
	BounceSenders    []string      `yaml:"bounce_senders"`
}

type MailboxStore interface {
	ListVerified(ctx context.Context) ([]model.Mailbox, error)
	TouchPolled(ctx context.Context, id int64, at time.Time) error
}

type EmailStore interface {
	ListRecentSent(ctx context.Context, mailboxID int64, since time.Time) ([]model.Email, error)
}

type ReaderResolver interface {
	Resolve(mb model.Mailbox) (provider.Client, error)
	Invalidate(mb model.Mailbox)
}

// Limiter caps in-flight provider calls per mailbox, shared with sending.
type Limiter interface {
	Do(ctx context.Context, kind, key string, fn func(ctx context.Context) error) error
}

// Deduper remembers inbound ids already handled. Optional.
type Deduper interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
	Release(ctx context.Context, scope, id string)
}

// Ingester polls every verified mailbox for replies and bounces.
type Ingester struct {
	mailboxes MailboxStore
	emails    EmailStore
	readers   ReaderResolver
	limiter   Limiter
	processor *Processor
	deduper   Deduper
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

func NewIngester(
	mailboxes MailboxStore,
	emails EmailStore,
	readers ReaderResolver,
	limiter Limiter,
	processor *Processor,
	deduper Deduper,
	cfg Config,
	logger *zap.Logger,
) *Ingester {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if len(cfg.AutomatedMarkers) == 0 {
		cfg.AutomatedMarkers = defaultAutomatedMarkers
	}
	if len(cfg.BounceSenders) == 0 {
		cfg.BounceSenders = defaultBounceSenders
	}
	return &Ingester{
		mailboxes: mailboxes,
		emails:    emails,
		readers:   readers,
		limiter:   limiter,
		processor: processor,
		deduper:   deduper,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

func (in *Ingester) SetClock(now func() time.Time) {
	in.now = now
	in.processor.now = now
}

func (in *Ingester) Interval() time.Duration { return in.cfg.PollInterval }

// Poll runs one pass over all verified mailboxes. A failing mailbox is logged
// and retried on the next pass; it does not stop the others.
func (in *Ingester) Poll(ctx context.Context) error {
	mailboxes, err := in.mailboxes.ListVerified(ctx)
	if err != nil {
		return fmt.Errorf("failed to list mailboxes: %w", err)
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.cfg.Concurrency)
	for _, mb := range mailboxes {
		mb := mb
		g.Go(func() error {
			if err := in.pollMailbox(gctx, mb); err != nil {
				in.logger.Warn("Mailbox poll failed",
					zap.Int64("mailbox_id", mb.ID),
					zap.String("sender_type", string(mb.SenderType)),
					zap.Error(err),
				)
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("mailbox %d: %w", mb.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

func (in *Ingester) pollMailbox(ctx context.Context, mb model.Mailbox) error {
	now := in.now()
	since := now.Add(-in.cfg.Lookback)
	log := in.logger.With(zap.Int64("mailbox_id", mb.ID))

	sent, err := in.emails.ListRecentSent(ctx, mb.ID, since)
	if err != nil {
		return fmt.Errorf("failed to load sent messages: %w", err)
	}
	if len(sent) == 0 {
		// 没有可匹配的外发邮件，跳过读信
		return in.mailboxes.TouchPolled(ctx, mb.ID, now)
	}
	idx := newSentIndex(sent)

	client, err := in.readers.Resolve(mb)
	if err != nil {
		return err
	}
	var msgs []provider.InboundMessage
	err = in.limiter.Do(ctx, string(mb.SenderType), mailboxKey(mb), func(ctx context.Context) error {
		var listErr error
		msgs, listErr = client.ListRecentMessages(ctx, since)
		return listErr
	})
	if err != nil {
		if provider.IsAuthFailure(err) {
			in.readers.Invalidate(mb)
		}
		return fmt.Errorf("failed to list inbound messages: %w", err)
	}

	var result *multierror.Error
	matched := 0
	for _, msg := range msgs {
		ok, err := in.handleInbound(ctx, mb, idx, client, msg)
		if err != nil {
			log.Error("Failed to process inbound message", zap.String("inbound_id", msg.ID), zap.Error(err))
			result = multierror.Append(result, err)
			continue
		}
		if ok {
			matched++
		}
	}
	if err := in.mailboxes.TouchPolled(ctx, mb.ID, now); err != nil {
		result = multierror.Append(result, err)
	}
	log.Debug("Mailbox polled",
		zap.Int("sent_indexed", len(sent)),
		zap.Int("inbound", len(msgs)),
		zap.Int("matched", matched),
	)
	return result.ErrorOrNil()
}

// handleInbound reports whether msg matched an outbound message.
func (in *Ingester) handleInbound(ctx context.Context, mb model.Mailbox, idx *sentIndex, client provider.MailboxReader, msg provider.InboundMessage) (bool, error) {
	from := senderAddress(msg.From)
	if from == "" || from == model.NormalizeAddress(mb.Address) {
		return false, nil
	}
	bounce := in.isBounceSender(from)
	if !bounce && in.isAutomated(from) {
		return false, nil
	}

	scope := "inbound:" + strconv.FormatInt(mb.ID, 10)
	dedupID := msg.ID
	if dedupID == "" {
		dedupID = msg.MessageID
	}
	if in.deduper != nil && dedupID != "" && !in.deduper.AcquireOnce(ctx, scope, dedupID) {
		return false, nil
	}

	kind := model.ReplyKindReply
	if bounce {
		kind = model.ReplyKindBounce
	}

	email, how, ok := idx.byThread(msg)
	if !ok && !bounce {
		email, ok = idx.bySubject(msg, from)
		how = "subject"
	}
	if !ok && bounce {
		email, ok = idx.byBouncedAddress(msg.Body)
		how = "body_address"
	}
	if !ok {
		recordOutcome(kind, "unmatched")
		return false, nil
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = in.now()
	}
	evt := &model.ReplyEvent{
		EmailID:     email.ID,
		InboundID:   dedupID,
		FromAddress: from,
		Subject:     msg.Subject,
		Snippet:     snippet(msg.Body),
		ReceivedAt:  receivedAt,
	}

	var err error
	if bounce {
		_, err = in.processor.ProcessBounce(ctx, evt, email.ToAddress)
	} else {
		_, err = in.processor.ProcessReply(ctx, evt)
	}
	if err != nil {
		if in.deduper != nil && dedupID != "" {
			in.deduper.Release(ctx, scope, dedupID)
		}
		return false, err
	}
	recordOutcome(kind, how)

	if msg.ID != "" {
		err := in.limiter.Do(ctx, string(mb.SenderType), mailboxKey(mb), func(ctx context.Context) error {
			return client.MarkSeen(ctx, msg.ID)
		})
		if err != nil {
			in.logger.Warn("Failed to mark inbound message seen",
				zap.Int64("mailbox_id", mb.ID),
				zap.String("inbound_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	return true, nil
}

func mailboxKey(mb model.Mailbox) string {
	return "mailbox:" + strconv.FormatInt(mb.ID, 10)
}

func (in *Ingester) isAutomated(addr string) bool {
	for _, m := range in.cfg.AutomatedMarkers {
		if strings.Contains(addr, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

func (in *Ingester) isBounceSender(addr string) bool {
	local, _, _ := strings.Cut(addr, "@")
	for _, s := range in.cfg.BounceSenders {
		if local == strings.ToLower(s) {
			return true
		}
	}
	return false
}

func snippet(body string) string {
	s := strings.TrimSpace(body)
	if len(s) <= snippetLimit {
		return s
	}
	cut := snippetLimit
	// 不截断多字节字符
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
