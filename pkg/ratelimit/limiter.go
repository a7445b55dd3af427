// Package ratelimit bounds concurrent provider calls per mailbox.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ezoutreach/pkg/metrics"

	"golang.org/x/sync/semaphore"
)

// MailboxLimiter hands out per-mailbox concurrency slots. Mailboxes of the same
// provider type share a cap; each mailbox gets its own semaphore.
type MailboxLimiter struct {
	caps       map[string]int64
	defaultCap int64

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem      *semaphore.Weighted
	kind     string
	inFlight int64
}

// NewMailboxLimiter builds a limiter. caps maps a provider type (e.g. "hosted", "smtp")
// to its concurrent-call cap; unknown types fall back to defaultCap.
func NewMailboxLimiter(caps map[string]int, defaultCap int) *MailboxLimiter {
	if defaultCap <= 0 {
		defaultCap = 1
	}
	c := make(map[string]int64, len(caps))
	for k, v := range caps {
		if v > 0 {
			c[k] = int64(v)
		}
	}
	return &MailboxLimiter{
		caps:       c,
		defaultCap: int64(defaultCap),
		slots:      make(map[string]*slot),
	}
}

// Do waits for a slot on mailbox key and runs fn. Waiters are served in FIFO order.
func (l *MailboxLimiter) Do(ctx context.Context, kind, key string, fn func(ctx context.Context) error) error {
	s := l.slotFor(kind, key)

	start := time.Now()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire mailbox slot %s: %w", key, err)
	}
	metrics.RecordLimiterWait(kind, time.Since(start))

	l.mu.Lock()
	s.inFlight++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		s.inFlight--
		l.mu.Unlock()
		s.sem.Release(1)
	}()

	return fn(ctx)
}

// InFlight reports how many calls currently hold a slot for key.
func (l *MailboxLimiter) InFlight(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.slots[key]; ok {
		return int(s.inFlight)
	}
	return 0
}

// Cap returns the cap applied to a provider type.
func (l *MailboxLimiter) Cap(kind string) int {
	if c, ok := l.caps[kind]; ok {
		return int(c)
	}
	return int(l.defaultCap)
}

func (l *MailboxLimiter) slotFor(kind, key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.slots[key]; ok {
		return s
	}
	s := &slot{
		sem:  semaphore.NewWeighted(int64(l.Cap(kind))),
		kind: kind,
	}
	l.slots[key] = s
	return s
}
