// Package orchestrator processes campaign-send jobs: it re-validates the
// recipient, gates on the registry, records the send idempotently, renders
// the step and hands it to the mailbox's sender.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	mqcontracts "ezoutreach/contracts/mq"
	"ezoutreach/internal/errs"
	"ezoutreach/internal/model"
	"ezoutreach/internal/provider"
	"ezoutreach/internal/service/render"
	"ezoutreach/pkg/logger"
	"ezoutreach/pkg/metrics"

	"go.uber.org/zap"
)

type DeliveryMode string

const (
	DeliveryInline DeliveryMode = "inline"
	DeliveryQueue  DeliveryMode = "queue"

	DefaultMaxDeliveryAttempts = 3
	DefaultRetryBackoff        = 5 * time.Minute
	DefaultClaimTTL            = 10 * time.Minute
)

type Config struct {
	DeliveryMode        DeliveryMode  `yaml:"delivery_mode"`
	MaxDeliveryAttempts int           `yaml:"max_delivery_attempts"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
	ClaimTTL            time.Duration `yaml:"claim_ttl"`
}

type CampaignStore interface {
	Get(ctx context.Context, id int64) (*model.Campaign, error)
}

type StepStore interface {
	List(ctx context.Context, campaignID int64) ([]model.Step, error)
	EnsureFirstStep(ctx context.Context, campaignID int64) error
}

// RecipientStore updates are conditional on the recipient still being active
// at the expected step; a false result means another worker got there first.
type RecipientStore interface {
	Get(ctx context.Context, id int64) (*model.Recipient, error)
	Finish(ctx context.Context, id int64, status model.RecipientStatus) (bool, error)
	SkipStep(ctx context.Context, id int64, step int, nextRunAt time.Time) (bool, error)
	AdvanceAfterSend(ctx context.Context, sendID, recipientID int64, step int, sentAt, nextRunAt time.Time) (bool, error)
	Reschedule(ctx context.Context, id int64, step int, nextRunAt time.Time) (bool, error)
}

type SendStore interface {
	GetOrCreate(ctx context.Context, campaignID, recipientID int64, step int) (*model.Send, bool, error)
	Get(ctx context.Context, id int64) (*model.Send, error)
	AttachEmail(ctx context.Context, email *model.Email) error
	FailDelivery(ctx context.Context, sendID, emailID, recipientID int64, reason string) error
}

// EmailStore.Claim grants one worker at a time the right to call the
// provider for a message. MarkSent and RecordFailure release the claim.
type EmailStore interface {
	Get(ctx context.Context, id int64) (*model.Email, error)
	Claim(ctx context.Context, id int64, now, until time.Time) (bool, error)
	MarkSent(ctx context.Context, id int64, messageID, threadID string, sentAt time.Time) error
	RecordFailure(ctx context.Context, id int64, reason string) (int, error)
	EnqueueDelivery(ctx context.Context, emailID int64) error
}

type MailboxStore interface {
	Get(ctx context.Context, id int64) (*model.Mailbox, error)
}

type Registry interface {
	Lookup(ctx context.Context, address string) (*model.Verification, error)
}

type SenderResolver interface {
	Resolve(mb model.Mailbox) (provider.Client, error)
	Invalidate(mb model.Mailbox)
}

type Limiter interface {
	Do(ctx context.Context, kind, key string, fn func(ctx context.Context) error) error
}

type CompletionChecker interface {
	CheckCampaign(ctx context.Context, campaignID int64) (bool, error)
}

// Stores groups the repositories the orchestrator reads and writes.
type Stores struct {
	Campaigns  CampaignStore
	Steps      StepStore
	Recipients RecipientStore
	Sends      SendStore
	Emails     EmailStore
	Mailboxes  MailboxStore
}

type Orchestrator struct {
	stores     Stores
	registry   Registry
	senders    SenderResolver
	limiter    Limiter
	completion CompletionChecker
	cfg        Config
	now        func() time.Time
	logger     *zap.Logger
}

func New(
	stores Stores,
	registry Registry,
	senders SenderResolver,
	limiter Limiter,
	completion CompletionChecker,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.DeliveryMode == "" {
		cfg.DeliveryMode = DeliveryInline
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = DefaultMaxDeliveryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	return &Orchestrator{
		stores:     stores,
		registry:   registry,
		senders:    senders,
		limiter:    limiter,
		completion: completion,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger,
	}
}

func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// HandleSend processes one campaign-send job. Stale jobs come back as
// errs.ErrStaleJob and must be dropped by the caller.
func (o *Orchestrator) HandleSend(ctx context.Context, job mqcontracts.CampaignSendPayload) error {
	campaignID, recipientID := job.CampaignID, job.RecipientID
	log := logger.WithTrace(ctx, o.logger).With(
		zap.Int64("campaign_id", campaignID),
		zap.Int64("recipient_id", recipientID),
	)

	camp, err := o.stores.Campaigns.Get(ctx, campaignID)
	if err != nil {
		return o.staleOr(err, "campaign not found")
	}
	if camp.Status != model.CampaignRunning {
		return o.stale("campaign " + string(camp.Status))
	}
	r, err := o.stores.Recipients.Get(ctx, recipientID)
	if err != nil {
		return o.staleOr(err, "recipient not found")
	}
	if r.CampaignID != campaignID {
		return o.stale("recipient belongs to another campaign")
	}
	if !r.Status.Active() {
		return o.stale("recipient " + string(r.Status))
	}
	if job.Step != nil && *job.Step != r.CurrentStep {
		return o.stale(fmt.Sprintf("recipient at step %d, job for step %d", r.CurrentStep, *job.Step))
	}

	step := r.CurrentStep
	if step == 0 {
		if err := o.stores.Steps.EnsureFirstStep(ctx, campaignID); err != nil {
			return fmt.Errorf("failed to materialize first step: %w", err)
		}
	}
	steps, err := o.stores.Steps.List(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to load steps: %w", err)
	}
	log = log.With(zap.Int("step", step))

	if step > model.LastStepOrder(steps) {
		return o.finish(ctx, log, r, model.RecipientCompleted, "completed")
	}

	verdict, err := o.registry.Lookup(ctx, r.Email)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("failed to check registry: %w", err)
	}
	if verdict == nil || verdict.Status != model.VerificationValid {
		status := "missing"
		if verdict != nil {
			status = string(verdict.Status)
		}
		log.Info("Recipient address not verified, stopping", zap.String("verification", status))
		return o.finish(ctx, log, r, model.RecipientStopped, "stopped_unverified")
	}

	def, ok := model.FindStep(steps, step)
	if !ok {
		// 步骤序号有缺口，直接跳过
		log.Warn("Step definition missing, skipping")
		if _, err := o.stores.Recipients.SkipStep(ctx, r.ID, step, o.now()); err != nil {
			return fmt.Errorf("failed to skip step: %w", err)
		}
		return nil
	}
	if def.Condition == model.ConditionNoReplyOnly && r.RepliedAt != nil {
		if _, err := o.stores.Recipients.SkipStep(ctx, r.ID, step, o.now()); err != nil {
			return fmt.Errorf("failed to skip step: %w", err)
		}
		metrics.IncrementCampaignSend("skipped_reply")
		log.Info("Recipient already replied, skipping step")
		return nil
	}

	send, created, err := o.stores.Sends.GetOrCreate(ctx, campaignID, r.ID, step)
	if err != nil {
		return fmt.Errorf("failed to record send: %w", err)
	}
	if !created && send.Status != model.SendQueued {
		metrics.IncrementCampaignSend("skipped_duplicate")
		log.Info("Send already handled", zap.Int64("send_id", send.ID), zap.String("send_status", string(send.Status)))
		return nil
	}
	log = log.With(zap.Int64("send_id", send.ID))

	var email *model.Email
	if send.EmailID != nil {
		email, err = o.stores.Emails.Get(ctx, *send.EmailID)
		if err != nil {
			return fmt.Errorf("failed to load linked email: %w", err)
		}
		if email.Delivered() {
			// 上次投递成功但推进失败，补做推进
			return o.advance(ctx, log, send, email, steps)
		}
	} else {
		subject, body := render.Message(def, *r)
		email = &model.Email{
			CampaignID:  campaignID,
			RecipientID: r.ID,
			MailboxID:   camp.MailboxID,
			SendID:      send.ID,
			Step:        step,
			ToAddress:   r.Email,
			Subject:     subject,
			Body:        body,
		}
		if err := o.stores.Sends.AttachEmail(ctx, email); err != nil {
			return fmt.Errorf("failed to create outbound message: %w", err)
		}
	}
	log = log.With(zap.Int64("email_id", email.ID))

	if o.cfg.DeliveryMode == DeliveryQueue {
		if err := o.stores.Emails.EnqueueDelivery(ctx, email.ID); err != nil {
			return fmt.Errorf("failed to enqueue delivery: %w", err)
		}
		log.Debug("Delivery enqueued")
		return nil
	}
	return o.deliver(ctx, log, send, email, r, steps)
}

// Deliver sends an already-rendered outbound message. It is the consumer of
// email-deliver jobs in queue mode.
func (o *Orchestrator) Deliver(ctx context.Context, emailID int64) error {
	log := logger.WithTrace(ctx, o.logger).With(zap.Int64("email_id", emailID))

	email, err := o.stores.Emails.Get(ctx, emailID)
	if err != nil {
		return o.staleOr(err, "email not found")
	}
	send, err := o.stores.Sends.Get(ctx, email.SendID)
	if err != nil {
		return o.staleOr(err, "send not found")
	}
	if send.Status != model.SendQueued {
		return o.stale("send " + string(send.Status))
	}
	steps, err := o.stores.Steps.List(ctx, email.CampaignID)
	if err != nil {
		return fmt.Errorf("failed to load steps: %w", err)
	}
	log = log.With(
		zap.Int64("campaign_id", email.CampaignID),
		zap.Int64("recipient_id", email.RecipientID),
		zap.Int64("send_id", send.ID),
		zap.Int("step", email.Step),
	)
	if email.Delivered() {
		return o.advance(ctx, log, send, email, steps)
	}
	if email.Status != model.EmailQueued {
		return o.stale("email " + string(email.Status))
	}

	r, err := o.stores.Recipients.Get(ctx, email.RecipientID)
	if err != nil {
		return o.staleOr(err, "recipient not found")
	}
	if !r.Status.Active() || r.CurrentStep != email.Step {
		return o.stale("recipient moved on")
	}
	return o.deliver(ctx, log, send, email, r, steps)
}

func (o *Orchestrator) deliver(ctx context.Context, log *zap.Logger, send *model.Send, email *model.Email, r *model.Recipient, steps []model.Step) error {
	now := o.now()
	claimed, err := o.stores.Emails.Claim(ctx, email.ID, now, now.Add(o.cfg.ClaimTTL))
	if err != nil {
		return fmt.Errorf("failed to claim email: %w", err)
	}
	if !claimed {
		// 另一个实例正在投递，或已投递完成
		metrics.IncrementCampaignSend("skipped_in_flight")
		return o.stale("email delivery already claimed")
	}

	result, err := o.transmit(ctx, email, r)
	if err != nil {
		return o.deliveryFailed(ctx, log, send, email, r, err)
	}
	if err := o.stores.Emails.MarkSent(ctx, email.ID, result.MessageID, result.ThreadID, o.now()); err != nil {
		return fmt.Errorf("failed to mark email sent: %w", err)
	}
	email.Status = model.EmailSent
	email.ProviderMessageID = result.MessageID
	return o.advance(ctx, log, send, email, steps)
}

func (o *Orchestrator) transmit(ctx context.Context, email *model.Email, r *model.Recipient) (provider.SendResult, error) {
	mb, err := o.stores.Mailboxes.Get(ctx, email.MailboxID)
	if err != nil {
		return provider.SendResult{}, fmt.Errorf("failed to load mailbox %d: %w", email.MailboxID, err)
	}
	if mb.Status != model.MailboxVerified {
		return provider.SendResult{}, fmt.Errorf("%w: mailbox %d is %s", errs.ErrNoSender, mb.ID, mb.Status)
	}
	client, err := o.senders.Resolve(*mb)
	if err != nil {
		return provider.SendResult{}, err
	}

	var result provider.SendResult
	key := "mailbox:" + strconv.FormatInt(mb.ID, 10)
	err = o.limiter.Do(ctx, string(mb.SenderType), key, func(ctx context.Context) error {
		var sendErr error
		result, sendErr = client.Send(ctx, provider.OutboundMessage{
			EmailID: email.ID,
			From:    mb.Address,
			To:      email.ToAddress,
			ToName:  r.Name,
			Subject: email.Subject,
			Body:    email.Body,
		})
		return sendErr
	})
	if err != nil && provider.IsAuthFailure(err) {
		o.senders.Invalidate(*mb)
	}
	return result, err
}

func (o *Orchestrator) advance(ctx context.Context, log *zap.Logger, send *model.Send, email *model.Email, steps []model.Step) error {
	now := o.now()
	sentAt := now
	if email.SentAt != nil {
		sentAt = *email.SentAt
	}
	next := now
	if def, ok := model.FindStep(steps, email.Step+1); ok {
		next = now.Add(def.Delay())
	}
	moved, err := o.stores.Recipients.AdvanceAfterSend(ctx, send.ID, email.RecipientID, email.Step, sentAt, next)
	if err != nil {
		return fmt.Errorf("failed to advance recipient: %w", err)
	}
	if !moved {
		log.Info("Recipient already advanced past step")
	}
	metrics.IncrementCampaignSend("sent")
	log.Info("Step sent",
		zap.String("provider_message_id", email.ProviderMessageID),
		zap.Time("next_run_at", next),
	)
	return nil
}

func (o *Orchestrator) deliveryFailed(ctx context.Context, log *zap.Logger, send *model.Send, email *model.Email, r *model.Recipient, cause error) error {
	attempts, err := o.stores.Emails.RecordFailure(ctx, email.ID, cause.Error())
	if err != nil {
		return fmt.Errorf("failed to record delivery failure: %w", err)
	}
	log = log.With(zap.Int("attempt", attempts), zap.Error(cause))

	if attempts >= o.cfg.MaxDeliveryAttempts {
		if err := o.stores.Sends.FailDelivery(ctx, send.ID, email.ID, r.ID, cause.Error()); err != nil {
			return fmt.Errorf("failed to mark delivery failed: %w", err)
		}
		metrics.IncrementCampaignSend("failed")
		log.Error("Delivery failed permanently, recipient stopped")
		o.checkCompletion(ctx, log, email.CampaignID)
		return fmt.Errorf("%w: %w", errs.ErrDeliveryFailed, cause)
	}

	retryAt := o.now().Add(o.cfg.RetryBackoff * time.Duration(attempts))
	if _, err := o.stores.Recipients.Reschedule(ctx, r.ID, email.Step, retryAt); err != nil {
		return fmt.Errorf("failed to reschedule recipient: %w", err)
	}
	metrics.IncrementCampaignSend("retry")
	log.Warn("Delivery failed, will retry", zap.Time("retry_at", retryAt))
	return fmt.Errorf("%w: %w", errs.ErrDeliveryFailed, cause)
}

func (o *Orchestrator) finish(ctx context.Context, log *zap.Logger, r *model.Recipient, status model.RecipientStatus, outcome string) error {
	changed, err := o.stores.Recipients.Finish(ctx, r.ID, status)
	if err != nil {
		return fmt.Errorf("failed to mark recipient %s: %w", status, err)
	}
	if changed {
		metrics.IncrementCampaignSend(outcome)
		log.Info("Recipient finished", zap.String("status", string(status)))
	}
	o.checkCompletion(ctx, log, r.CampaignID)
	return nil
}

func (o *Orchestrator) checkCompletion(ctx context.Context, log *zap.Logger, campaignID int64) {
	if o.completion == nil {
		return
	}
	if _, err := o.completion.CheckCampaign(ctx, campaignID); err != nil {
		log.Warn("Completion check failed", zap.Error(err))
	}
}

func (o *Orchestrator) stale(reason string) error {
	metrics.IncrementCampaignSend("stale")
	return errs.Stale(reason)
}

func (o *Orchestrator) staleOr(err error, reason string) error {
	if errors.Is(err, errs.ErrNotFound) {
		return o.stale(reason)
	}
	return err
}
