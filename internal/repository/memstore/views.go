package memstore

import (
	"context"
	"sort"
	"time"

	mqcontracts "ezoutreach/contracts/mq"
	"ezoutreach/internal/errs"
	"ezoutreach/internal/model"
)

type Campaigns struct{ s *Store }

func (v *Campaigns) Get(_ context.Context, id int64) (*model.Campaign, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	c, ok := v.s.campaigns[id]
	if !ok {
		return nil, notFound("campaign", id)
	}
	cp := *c
	return &cp, nil
}

func (v *Campaigns) list(statuses ...model.CampaignStatus) []model.Campaign {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []model.Campaign
	for _, c := range v.s.campaigns {
		for _, st := range statuses {
			if c.Status == st {
				out = append(out, *c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v *Campaigns) ListSchedulable(context.Context) ([]model.Campaign, error) {
	return v.list(model.CampaignScheduled, model.CampaignRunning), nil
}

func (v *Campaigns) ListRunning(context.Context) ([]model.Campaign, error) {
	return v.list(model.CampaignRunning), nil
}

func (v *Campaigns) Start(_ context.Context, id int64, now time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	c, ok := v.s.campaigns[id]
	if !ok || c.Status != model.CampaignScheduled {
		return false, nil
	}
	if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
		return false, nil
	}
	c.Status = model.CampaignRunning
	if c.ScheduledAt == nil {
		c.ScheduledAt = cloneTime(now)
	}
	c.UpdatedAt = v.s.now()
	return true, nil
}

func (v *Campaigns) MarkCompleted(_ context.Context, id int64, now time.Time, reason string) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	c, ok := v.s.campaigns[id]
	if !ok || c.Status == model.CampaignCompleted {
		return false, nil
	}
	c.Status = model.CampaignCompleted
	c.CompletedAt = cloneTime(now)
	c.StopReason = reason
	c.UpdatedAt = v.s.now()
	return true, nil
}

func (v *Campaigns) Stats(_ context.Context, id int64) (model.CampaignStats, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var st model.CampaignStats
	for _, e := range v.s.emails {
		if e.CampaignID != id {
			continue
		}
		if e.Delivered() {
			st.Sent++
		}
		if e.Status == model.EmailBounced {
			st.Bounced++
		}
	}
	return st, nil
}

type Steps struct{ s *Store }

func (v *Steps) List(_ context.Context, campaignID int64) ([]model.Step, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := append([]model.Step(nil), v.s.steps[campaignID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (v *Steps) EnsureFirstStep(_ context.Context, campaignID int64) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	c, ok := v.s.campaigns[campaignID]
	if !ok {
		return nil
	}
	for _, st := range v.s.steps[campaignID] {
		if st.Order == 0 {
			return nil
		}
	}
	v.s.steps[campaignID] = append(v.s.steps[campaignID], model.Step{
		ID:         v.s.nextID(),
		CampaignID: campaignID,
		Order:      0,
		Subject:    c.Subject,
		Body:       c.Body,
		Condition:  model.ConditionAlways,
		CreatedAt:  v.s.now(),
	})
	return nil
}

type Recipients struct{ s *Store }

func (v *Recipients) Get(_ context.Context, id int64) (*model.Recipient, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.recipients[id]
	if !ok {
		return nil, notFound("recipient", id)
	}
	cp := *r
	return &cp, nil
}

func due(r *model.Recipient, now time.Time) bool {
	return r.Status.Active() && (r.NextRunAt == nil || !r.NextRunAt.After(now))
}

func (v *Recipients) ListDue(_ context.Context, campaignID int64, now time.Time, limit int) ([]model.Recipient, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []model.Recipient
	for _, r := range v.s.recipients {
		if r.CampaignID == campaignID && due(r, now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextRunAt, out[j].NextRunAt
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *Recipients) LeaseForSend(_ context.Context, campaignID, recipientID int64, now, leaseUntil time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.recipients[recipientID]
	if !ok || r.CampaignID != campaignID || !due(r, now) {
		return false, nil
	}
	r.NextRunAt = cloneTime(leaseUntil)
	r.UpdatedAt = v.s.now()
	step := r.CurrentStep
	v.s.jobs = append(v.s.jobs, Job{
		RoutingKey: mqcontracts.RoutingKeyCampaignSend,
		Payload:    mqcontracts.CampaignSendPayload{CampaignID: campaignID, RecipientID: recipientID, Step: &step},
	})
	return true, nil
}

func (v *Recipients) Finish(_ context.Context, id int64, status model.RecipientStatus) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.recipients[id]
	if !ok || !r.Status.Active() {
		return false, nil
	}
	r.Status = status
	r.NextRunAt = nil
	r.UpdatedAt = v.s.now()
	return true, nil
}

func (v *Recipients) SkipStep(_ context.Context, id int64, step int, nextRunAt time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.recipients[id]
	if !ok || r.CurrentStep != step || !r.Status.Active() {
		return false, nil
	}
	r.CurrentStep = step + 1
	r.NextRunAt = cloneTime(nextRunAt)
	r.UpdatedAt = v.s.now()
	return true, nil
}

func (v *Recipients) AdvanceAfterSend(_ context.Context, sendID, recipientID int64, step int, sentAt, nextRunAt time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if sd, ok := v.s.sends[sendID]; ok && sd.Status == model.SendQueued {
		sd.Status = model.SendSent
		sd.SentAt = cloneTime(sentAt)
		sd.Error = ""
		sd.UpdatedAt = v.s.now()
	}
	r, ok := v.s.recipients[recipientID]
	if !ok || r.CurrentStep != step || !r.Status.Active() {
		return false, nil
	}
	r.Status = model.RecipientSent
	r.CurrentStep = step + 1
	r.NextRunAt = cloneTime(nextRunAt)
	r.UpdatedAt = v.s.now()
	return true, nil
}

func (v *Recipients) Reschedule(_ context.Context, id int64, step int, nextRunAt time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	r, ok := v.s.recipients[id]
	if !ok || r.CurrentStep != step || !r.Status.Active() {
		return false, nil
	}
	r.NextRunAt = cloneTime(nextRunAt)
	r.UpdatedAt = v.s.now()
	return true, nil
}

func (v *Recipients) CountActive(_ context.Context, campaignID int64) (int, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	n := 0
	for _, r := range v.s.recipients {
		if r.CampaignID == campaignID && r.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (v *Recipients) StopActive(_ context.Context, campaignID int64) (int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var n int64
	for _, r := range v.s.recipients {
		if r.CampaignID == campaignID && r.Status.Active() {
			r.Status = model.RecipientStopped
			r.NextRunAt = nil
			r.UpdatedAt = v.s.now()
			n++
		}
	}
	for _, sd := range v.s.sends {
		if sd.CampaignID == campaignID && sd.Status == model.SendQueued {
			sd.Status = model.SendSkipped
		}
	}
	return n, nil
}

type Sends struct{ s *Store }

func (v *Sends) GetOrCreate(_ context.Context, campaignID, recipientID int64, step int) (*model.Send, bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, sd := range v.s.sends {
		if sd.CampaignID == campaignID && sd.RecipientID == recipientID && sd.Step == step {
			cp := *sd
			return &cp, false, nil
		}
	}
	sd := &model.Send{
		ID:          v.s.nextID(),
		CampaignID:  campaignID,
		RecipientID: recipientID,
		Step:        step,
		Status:      model.SendQueued,
		CreatedAt:   v.s.now(),
	}
	v.s.sends[sd.ID] = sd
	cp := *sd
	return &cp, true, nil
}

func (v *Sends) Get(_ context.Context, id int64) (*model.Send, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	sd, ok := v.s.sends[id]
	if !ok {
		return nil, notFound("send", id)
	}
	cp := *sd
	return &cp, nil
}

func (v *Sends) AttachEmail(_ context.Context, email *model.Email) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	sd, ok := v.s.sends[email.SendID]
	if !ok || sd.EmailID != nil || sd.Status != model.SendQueued {
		return errs.Stale("send already handled")
	}
	email.ID = v.s.nextID()
	email.Status = model.EmailQueued
	email.CreatedAt = v.s.now()
	cp := *email
	v.s.emails[email.ID] = &cp
	id := email.ID
	sd.EmailID = &id
	return nil
}

func (v *Sends) CountQueued(_ context.Context, campaignID int64) (int, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	n := 0
	for _, sd := range v.s.sends {
		if sd.CampaignID == campaignID && sd.Status == model.SendQueued {
			n++
		}
	}
	return n, nil
}

func (v *Sends) FailDelivery(_ context.Context, sendID, emailID, recipientID int64, reason string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if sd, ok := v.s.sends[sendID]; ok && sd.Status == model.SendQueued {
		sd.Status = model.SendFailed
		sd.Error = reason
	}
	if e, ok := v.s.emails[emailID]; ok && e.Status == model.EmailQueued {
		e.Status = model.EmailFailed
		e.LastError = reason
	}
	if r, ok := v.s.recipients[recipientID]; ok && r.Status.Active() {
		r.Status = model.RecipientStopped
		r.NextRunAt = nil
	}
	return nil
}

type Emails struct{ s *Store }

func (v *Emails) Get(_ context.Context, id int64) (*model.Email, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	e, ok := v.s.emails[id]
	if !ok {
		return nil, notFound("email", id)
	}
	cp := *e
	return &cp, nil
}

func (v *Emails) MarkSent(_ context.Context, id int64, messageID, threadID string, sentAt time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	e, ok := v.s.emails[id]
	if !ok || e.Status != model.EmailQueued {
		return nil
	}
	e.Status = model.EmailSent
	e.ProviderMessageID = messageID
	e.ProviderThreadID = threadID
	e.SentAt = cloneTime(sentAt)
	e.LastError = ""
	e.ClaimedUntil = nil
	return nil
}

func (v *Emails) Claim(_ context.Context, id int64, now, until time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	e, ok := v.s.emails[id]
	if !ok || e.Status != model.EmailQueued {
		return false, nil
	}
	if e.ClaimedUntil != nil && e.ClaimedUntil.After(now) {
		return false, nil
	}
	e.ClaimedUntil = cloneTime(until)
	return true, nil
}

func (v *Emails) RecordFailure(_ context.Context, id int64, reason string) (int, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	e, ok := v.s.emails[id]
	if !ok {
		return 0, notFound("email", id)
	}
	e.RetryCount++
	e.LastError = reason
	e.ClaimedUntil = nil
	return e.RetryCount, nil
}

func (v *Emails) ListRecentSent(_ context.Context, mailboxID int64, since time.Time) ([]model.Email, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []model.Email
	for _, e := range v.s.emails {
		if e.MailboxID == mailboxID && e.SentAt != nil && !e.SentAt.Before(since) && e.ProviderMessageID != "" {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.After(*out[j].SentAt) })
	return out, nil
}

func (v *Emails) EnqueueDelivery(_ context.Context, emailID int64) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.jobs = append(v.s.jobs, Job{
		RoutingKey: mqcontracts.RoutingKeyEmailDeliver,
		Payload:    mqcontracts.EmailDeliverPayload{OutboundMessageID: emailID},
	})
	return nil
}

type Registry struct{ s *Store }

func (v *Registry) Get(_ context.Context, address string) (*model.Verification, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	key := model.NormalizeAddress(address)
	e, ok := v.s.registry[key]
	if !ok {
		return nil, notFound("registry entry", key)
	}
	cp := *e
	return &cp, nil
}

func (v *Registry) GetMany(_ context.Context, addresses []string) (map[string]model.Verification, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := map[string]model.Verification{}
	for _, a := range addresses {
		key := model.NormalizeAddress(a)
		if e, ok := v.s.registry[key]; ok {
			out[key] = *e
		}
	}
	return out, nil
}

func (v *Registry) Upsert(_ context.Context, verdicts []model.Verification) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, in := range verdicts {
		in.Address = model.NormalizeAddress(in.Address)
		if cur, ok := v.s.registry[in.Address]; ok && cur.VerifiedAt != nil && in.VerifiedAt != nil && in.VerifiedAt.Before(*cur.VerifiedAt) {
			continue
		}
		in.UpdatedAt = v.s.now()
		cp := in
		v.s.registry[in.Address] = &cp
	}
	return nil
}

func (v *Registry) MarkVerifying(_ context.Context, addresses []string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, a := range addresses {
		key := model.NormalizeAddress(a)
		e, ok := v.s.registry[key]
		if !ok {
			e = &model.Verification{Address: key}
			v.s.registry[key] = e
		}
		e.Status = model.VerificationVerifying
		e.Reason = ""
		e.UpdatedAt = v.s.now()
	}
	return nil
}

type Batches struct{ s *Store }

func (v *Batches) Get(_ context.Context, id int64) (*model.ListBatch, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	b, ok := v.s.batches[id]
	if !ok {
		return nil, notFound("batch", id)
	}
	cp := *b
	return &cp, nil
}

func (v *Batches) Members(_ context.Context, id int64) ([]string, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for _, a := range v.s.members[id] {
		key := model.NormalizeAddress(a)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

func (v *Batches) MarkVerifying(_ context.Context, id int64, total int) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if b, ok := v.s.batches[id]; ok {
		b.Status = model.BatchVerifying
		b.Counts.Total = total
		b.Error = ""
	}
	return nil
}

func (v *Batches) Finish(_ context.Context, id int64, status model.BatchStatus, counts model.BatchCounts, errMsg string, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	b, ok := v.s.batches[id]
	if !ok {
		return notFound("batch", id)
	}
	b.Status = status
	b.Counts = counts
	b.Error = errMsg
	if status == model.BatchVerified {
		b.VerifiedAt = cloneTime(at)
	}
	return nil
}

func (v *Batches) RequestVerification(_ context.Context, id int64) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	b, ok := v.s.batches[id]
	if !ok {
		return false, notFound("batch", id)
	}
	if b.Status == model.BatchVerifying {
		return false, nil
	}
	b.Status = model.BatchPending
	b.Error = ""
	v.s.jobs = append(v.s.jobs, Job{
		RoutingKey: mqcontracts.RoutingKeyVerifyBatch,
		Payload:    mqcontracts.VerifyBatchPayload{BatchID: id},
	})
	return true, nil
}

type Mailboxes struct{ s *Store }

func (v *Mailboxes) Get(_ context.Context, id int64) (*model.Mailbox, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	m, ok := v.s.mailboxes[id]
	if !ok {
		return nil, notFound("mailbox", id)
	}
	cp := *m
	return &cp, nil
}

func (v *Mailboxes) ListVerified(context.Context) ([]model.Mailbox, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []model.Mailbox
	for _, m := range v.s.mailboxes {
		if m.Status == model.MailboxVerified {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *Mailboxes) TouchPolled(_ context.Context, id int64, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if m, ok := v.s.mailboxes[id]; ok {
		m.LastPolledAt = cloneTime(at)
	}
	return nil
}

type Replies struct{ s *Store }

func (v *Replies) ApplyReply(_ context.Context, evt *model.ReplyEvent) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	e, ok := v.s.emails[evt.EmailID]
	if !ok {
		return false, notFound("email", evt.EmailID)
	}
	evt.CampaignID, evt.RecipientID = e.CampaignID, e.RecipientID
	if e.Status != model.EmailQueued && e.Status != model.EmailSent {
		return false, nil
	}
	v.s.recordEvent(evt)

	e.Status = model.EmailReplied
	if e.RepliedAt == nil {
		e.RepliedAt = cloneTime(evt.ReceivedAt)
	}
	if r, ok := v.s.recipients[e.RecipientID]; ok {
		if r.Status.Active() {
			r.Status = model.RecipientReplied
		}
		if r.RepliedAt == nil {
			r.RepliedAt = cloneTime(evt.ReceivedAt)
		}
		r.NextRunAt = nil
	}
	v.s.skipQueued(e.RecipientID)
	return true, nil
}

func (v *Replies) ApplyBounce(_ context.Context, evt *model.ReplyEvent) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	e, ok := v.s.emails[evt.EmailID]
	if !ok {
		return false, notFound("email", evt.EmailID)
	}
	evt.CampaignID, evt.RecipientID = e.CampaignID, e.RecipientID
	if e.Status == model.EmailBounced || e.Status == model.EmailReplied {
		return false, nil
	}
	v.s.recordEvent(evt)

	e.Status = model.EmailBounced
	if e.BouncedAt == nil {
		e.BouncedAt = cloneTime(evt.ReceivedAt)
	}
	if r, ok := v.s.recipients[e.RecipientID]; ok && r.Status.Active() {
		r.Status = model.RecipientBounced
		r.NextRunAt = nil
	}
	v.s.skipQueued(e.RecipientID)
	return true, nil
}

func (s *Store) recordEvent(evt *model.ReplyEvent) {
	evt.ID = s.nextID()
	evt.CreatedAt = s.now()
	s.replies = append(s.replies, *evt)
}

func (s *Store) skipQueued(recipientID int64) {
	for _, sd := range s.sends {
		if sd.RecipientID == recipientID && sd.Status == model.SendQueued {
			sd.Status = model.SendSkipped
		}
	}
}
