// Package registry is the Global Email Registry: a cross-campaign map from
// normalized address to its latest deliverability verdict.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ezoutreach/internal/errs"
	"ezoutreach/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultFreshnessWindow = 72 * time.Hour
	DefaultCacheTTL        = 10 * time.Minute

	cacheKeyPrefix = "registry:"
)

type Store interface {
	Get(ctx context.Context, address string) (*model.Verification, error)
	GetMany(ctx context.Context, addresses []string) (map[string]model.Verification, error)
	Upsert(ctx context.Context, verdicts []model.Verification) error
	MarkVerifying(ctx context.Context, addresses []string) error
}

type Config struct {
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

// Service fronts the store with a Redis read-through cache. A nil cache or a
// failing Redis falls back to the store.
type Service struct {
	store     Store
	cache     redis.Cmdable
	freshness time.Duration
	cacheTTL  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func New(store Store, cache redis.Cmdable, cfg Config, logger *zap.Logger) *Service {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	return &Service{
		store:     store,
		cache:     cache,
		freshness: cfg.FreshnessWindow,
		cacheTTL:  cfg.CacheTTL,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) FreshnessWindow() time.Duration { return s.freshness }

// IsFresh reports whether v can be trusted without re-verification.
func (s *Service) IsFresh(v model.Verification) bool {
	return v.Fresh(s.now(), s.freshness)
}

// Lookup returns the registry entry for address, or errs.ErrNotFound.
func (s *Service) Lookup(ctx context.Context, address string) (*model.Verification, error) {
	key := model.NormalizeAddress(address)
	if v, ok := s.readCache(ctx, key); ok {
		return v, nil
	}

	v, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to lookup registry entry: %w", err)
	}
	// verifying 是过渡状态，不缓存
	if v.Status != model.VerificationVerifying {
		s.writeCache(ctx, key, v)
	}
	return v, nil
}

// Partition splits addresses into entries that are still fresh and
// normalized addresses that need verification. Duplicates are collapsed.
func (s *Service) Partition(ctx context.Context, addresses []string) ([]model.Verification, []string, error) {
	seen := make(map[string]struct{}, len(addresses))
	keys := make([]string, 0, len(addresses))
	for _, a := range addresses {
		k := model.NormalizeAddress(a)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, nil, nil
	}

	existing, err := s.store.GetMany(ctx, keys)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load registry entries: %w", err)
	}

	var fresh []model.Verification
	var stale []string
	for _, k := range keys {
		if v, ok := existing[k]; ok && s.IsFresh(v) {
			fresh = append(fresh, v)
			continue
		}
		stale = append(stale, k)
	}
	return fresh, stale, nil
}

func (s *Service) MarkVerifying(ctx context.Context, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	if err := s.store.MarkVerifying(ctx, addresses); err != nil {
		return err
	}
	s.invalidate(ctx, addresses)
	return nil
}

// Record upserts verdicts and evicts their cache entries.
func (s *Service) Record(ctx context.Context, verdicts []model.Verification) error {
	if len(verdicts) == 0 {
		return nil
	}
	keys := make([]string, len(verdicts))
	for i := range verdicts {
		verdicts[i].Address = model.NormalizeAddress(verdicts[i].Address)
		keys[i] = verdicts[i].Address
	}
	if err := s.store.Upsert(ctx, verdicts); err != nil {
		return err
	}
	s.invalidate(ctx, keys)
	return nil
}

func (s *Service) readCache(ctx context.Context, key string) (*model.Verification, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("Registry cache read failed", zap.String("address", key), zap.Error(err))
		}
		return nil, false
	}
	var v model.Verification
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return &v, true
}

func (s *Service) writeCache(ctx context.Context, key string, v *model.Verification) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKeyPrefix+key, raw, s.cacheTTL).Err(); err != nil {
		s.logger.Warn("Registry cache write failed", zap.String("address", key), zap.Error(err))
	}
}

func (s *Service) invalidate(ctx context.Context, addresses []string) {
	if s.cache == nil || len(addresses) == 0 {
		return
	}
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = cacheKeyPrefix + model.NormalizeAddress(a)
	}
	if err := s.cache.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn("Registry cache invalidation failed", zap.Int("count", len(keys)), zap.Error(err))
	}
}
