// Package memstore is an in-memory implementation of the repository layer.
// It mirrors the conditional updates of the SQL repositories so services can
// be exercised without Postgres.
package memstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	mqcontracts "ezoutreach/contracts/mq"
	"ezoutreach/internal/errs"
	"ezoutreach/internal/model"
)

// Job is a queue message written where the SQL repositories use the outbox.
type Job struct {
	RoutingKey string
	Payload    any
}

type Store struct {
	mu  sync.Mutex
	now func() time.Time
	seq int64

	campaigns  map[int64]*model.Campaign
	steps      map[int64][]model.Step
	recipients map[int64]*model.Recipient
	sends      map[int64]*model.Send
	emails     map[int64]*model.Email
	registry   map[string]*model.Verification
	batches    map[int64]*model.ListBatch
	members    map[int64][]string
	mailboxes  map[int64]*model.Mailbox
	replies    []model.ReplyEvent
	jobs       []Job
}

func New() *Store {
	return &Store{
		now:        time.Now,
		campaigns:  map[int64]*model.Campaign{},
		steps:      map[int64][]model.Step{},
		recipients: map[int64]*model.Recipient{},
		sends:      map[int64]*model.Send{},
		emails:     map[int64]*model.Email{},
		registry:   map[string]*model.Verification{},
		batches:    map[int64]*model.ListBatch{},
		members:    map[int64][]string{},
		mailboxes:  map[int64]*model.Mailbox{},
	}
}

// SetClock controls the timestamps the store stamps on rows.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func notFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, errs.ErrNotFound)
}

// ---- seeding ----

func (s *Store) AddMailbox(m model.Mailbox) model.Mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.nextID()
	}
	if m.Status == "" {
		m.Status = model.MailboxVerified
	}
	m.CreatedAt = s.now()
	s.mailboxes[m.ID] = &m
	return m
}

func (s *Store) AddCampaign(c model.Campaign) model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.nextID()
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	c.CreatedAt = s.now()
	s.campaigns[c.ID] = &c
	return c
}

func (s *Store) AddStep(st model.Step) model.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID == 0 {
		st.ID = s.nextID()
	}
	if st.Condition == "" {
		st.Condition = model.ConditionAlways
	}
	st.CreatedAt = s.now()
	s.steps[st.CampaignID] = append(s.steps[st.CampaignID], st)
	return st
}

func (s *Store) AddRecipient(r model.Recipient) model.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.nextID()
	}
	if r.Status == "" {
		r.Status = model.RecipientPending
	}
	r.CreatedAt = s.now()
	s.recipients[r.ID] = &r
	return r
}

func (s *Store) AddBatch(b model.ListBatch, members []string) model.ListBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == 0 {
		b.ID = s.nextID()
	}
	if b.Status == "" {
		b.Status = model.BatchPending
	}
	b.CreatedAt = s.now()
	s.batches[b.ID] = &b
	s.members[b.ID] = append([]string(nil), members...)
	return b
}

func (s *Store) PutVerification(v model.Verification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.Address = model.NormalizeAddress(v.Address)
	s.registry[v.Address] = &v
}

// AddEmail inserts a delivered message directly, for reply-matching tests.
func (s *Store) AddEmail(e model.Email) model.Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == 0 {
		e.ID = s.nextID()
	}
	e.CreatedAt = s.now()
	s.emails[e.ID] = &e
	return e
}

// AddSend inserts a send row directly.
func (s *Store) AddSend(sd model.Send) model.Send {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sd.ID == 0 {
		sd.ID = s.nextID()
	}
	sd.CreatedAt = s.now()
	s.sends[sd.ID] = &sd
	return sd
}

// ---- inspection ----

func (s *Store) Campaign(id int64) model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *Store) Recipient(id int64) model.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recipients[id]
}

func (s *Store) Batch(id int64) model.ListBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.batches[id]
}

func (s *Store) Verification(address string) (model.Verification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.registry[model.NormalizeAddress(address)]
	if !ok {
		return model.Verification{}, false
	}
	return *v, true
}

// SendsFor returns a recipient's sends ordered by step.
func (s *Store) SendsFor(recipientID int64) []model.Send {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Send
	for _, sd := range s.sends {
		if sd.RecipientID == recipientID {
			out = append(out, *sd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out
}

// EmailsFor returns a recipient's outbound messages ordered by id.
func (s *Store) EmailsFor(recipientID int64) []model.Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Email
	for _, e := range s.emails {
		if e.RecipientID == recipientID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ReplyEvents() []model.ReplyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ReplyEvent(nil), s.replies...)
}

// DrainJobs removes and returns queued jobs for a routing key.
func (s *Store) DrainJobs(routingKey string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out, keep []Job
	for _, j := range s.jobs {
		if j.RoutingKey == routingKey {
			out = append(out, j)
		} else {
			keep = append(keep, j)
		}
	}
	s.jobs = keep
	return out
}

// CampaignSendJobs drains campaign-send jobs as typed payloads.
func (s *Store) CampaignSendJobs() []mqcontracts.CampaignSendPayload {
	var out []mqcontracts.CampaignSendPayload
	for _, j := range s.DrainJobs(mqcontracts.RoutingKeyCampaignSend) {
		out = append(out, j.Payload.(mqcontracts.CampaignSendPayload))
	}
	return out
}

// ---- repository views ----

func (s *Store) Campaigns() *Campaigns   { return &Campaigns{s} }
func (s *Store) Steps() *Steps           { return &Steps{s} }
func (s *Store) Recipients() *Recipients { return &Recipients{s} }
func (s *Store) Sends() *Sends           { return &Sends{s} }
func (s *Store) Emails() *Emails         { return &Emails{s} }
func (s *Store) Registry() *Registry     { return &Registry{s} }
func (s *Store) Batches() *Batches       { return &Batches{s} }
func (s *Store) Mailboxes() *Mailboxes   { return &Mailboxes{s} }
func (s *Store) Replies() *Replies       { return &Replies{s} }

func cloneTime(t time.Time) *time.Time { return &t }
