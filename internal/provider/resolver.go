package provider

import (
	"fmt"
	"strconv"
	"sync"

	"ezoutreach/internal/errs"
	"ezoutreach/internal/model"
	"ezoutreach/pkg/clientcache"

	"go.uber.org/zap"
)

// Factory builds a client for a mailbox of one sender type.
type Factory func(mb model.Mailbox) (Client, error)

// Resolver selects and caches the client for a mailbox by its SenderType.
type Resolver struct {
	cache  *clientcache.Cache[Client]
	logger *zap.Logger

	mu        sync.RWMutex
	factories map[model.SenderType]Factory
}

func NewResolver(cache *clientcache.Cache[Client], logger *zap.Logger) *Resolver {
	return &Resolver{
		cache:     cache,
		logger:    logger,
		factories: make(map[model.SenderType]Factory),
	}
}

func (r *Resolver) Register(t model.SenderType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// Resolve returns the cached client for mb, building it on first use.
func (r *Resolver) Resolve(mb model.Mailbox) (Client, error) {
	r.mu.RLock()
	factory, ok := r.factories[mb.SenderType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d (sender type %q)", errs.ErrNoSender, mb.ID, mb.SenderType)
	}

	return r.cache.GetOrCreate(cacheKey(mb), func() (Client, error) {
		r.logger.Info("Building mailbox client",
			zap.Int64("mailbox_id", mb.ID),
			zap.String("sender_type", string(mb.SenderType)),
		)
		return factory(mb)
	})
}

// Invalidate drops the cached client so the next Resolve rebuilds it from
// the current mailbox row. Callers use it after an auth failure.
func (r *Resolver) Invalidate(mb model.Mailbox) {
	r.logger.Warn("Dropping mailbox client",
		zap.Int64("mailbox_id", mb.ID),
		zap.String("sender_type", string(mb.SenderType)),
	)
	r.cache.Invalidate(cacheKey(mb))
}

func cacheKey(mb model.Mailbox) string {
	return string(mb.SenderType) + ":" + strconv.FormatInt(mb.ID, 10)
}
