// Package loop runs a periodic tick function until its context is cancelled.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type TickFunc func(ctx context.Context) error

type Loop struct {
	name     string
	interval time.Duration
	tick     TickFunc
	logger   *zap.Logger

	immediate bool
	running   atomic.Bool
	ticks     atomic.Int64
}

type Option func(*Loop)

// WithoutImmediateTick waits one interval before the first tick.
func WithoutImmediateTick() Option {
	return func(l *Loop) { l.immediate = false }
}

func New(name string, interval time.Duration, tick TickFunc, logger *zap.Logger, opts ...Option) (*Loop, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tick == nil {
		return nil, errors.New("tick must not be nil")
	}
	l := &Loop{
		name:      name,
		interval:  interval,
		tick:      tick,
		logger:    logger.With(zap.String("loop", name)),
		immediate: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run blocks until ctx is done. A tick that overruns the interval delays the
// next one; ticks never overlap.
func (l *Loop) Run(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		l.logger.Warn("Loop already running")
		return
	}
	defer l.running.Store(false)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("Loop started", zap.Duration("interval", l.interval))

	if l.immediate {
		l.safeTick(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Loop stopped", zap.Int64("ticks", l.ticks.Load()))
			return
		case <-ticker.C:
			l.safeTick(ctx)
		}
	}
}

func (l *Loop) IsRunning() bool { return l.running.Load() }

// Ticks reports how many ticks have completed, including failed ones.
func (l *Loop) Ticks() int64 { return l.ticks.Load() }

func (l *Loop) safeTick(ctx context.Context) {
	start := time.Now()
	defer l.ticks.Add(1)

	err := l.invoke(ctx)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		l.logger.Debug("Tick completed", zap.Duration("duration", elapsed))
	case ctx.Err() != nil:
		l.logger.Debug("Tick interrupted by shutdown", zap.Error(err))
	default:
		l.logger.Error("Tick failed", zap.Duration("duration", elapsed), zap.Error(err))
	}
}

func (l *Loop) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return l.tick(ctx)
}
