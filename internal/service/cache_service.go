package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/campus-enroll-api/pkg/errors"
)

const catalogCachePrefix = "catalog:courses:"

// CacheRepository abstracts persistence for cached payloads.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// CacheService wraps the catalog cache with metrics. Cache failures never fail a request.
type CacheService struct {
	repo       CacheRepository
	metrics    *MetricsService
	defaultTTL time.Duration
	logger     *zap.Logger
	enabled    bool

	catalogGen atomic.Uint64
}

// NewCacheService constructs a cache service.
func NewCacheService(repo CacheRepository, metrics *MetricsService, defaultTTL time.Duration, logger *zap.Logger, enabled bool) *CacheService {
	if defaultTTL <= 0 {
		defaultTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{repo: repo, metrics: metrics, defaultTTL: defaultTTL, logger: logger, enabled: enabled}
}

// Enabled indicates whether caching is active.
func (s *CacheService) Enabled() bool {
	return s != nil && s.enabled && s.repo != nil
}

// Get reports whether key was found and decoded into dest.
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) bool {
	if !s.Enabled() {
		return false
	}
	start := time.Now()
	err := s.repo.Get(ctx, key, dest)
	s.metrics.RecordCacheOperation(err == nil, time.Since(start))
	if err != nil {
		if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	return true
}

// Set stores value under key.
func (s *CacheService) Set(ctx context.Context, key string, value interface{}) {
	if !s.Enabled() {
		return
	}
	start := time.Now()
	err := s.repo.Set(ctx, key, value, s.defaultTTL)
	s.metrics.ObserveCacheWrite(time.Since(start))
	if err != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateCatalog drops every cached catalog page.
func (s *CacheService) InvalidateCatalog(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	if err := s.repo.DeleteByPattern(ctx, catalogCachePrefix+"*"); err != nil {
		s.logger.Warn("cache invalidate failed", zap.String("pattern", catalogCachePrefix+"*"), zap.Error(err))
		return err
	}
	return nil
}

// CatalogGeneration identifies the catalog state a page is read under.
func (s *CacheService) CatalogGeneration() uint64 {
	if s == nil {
		return 0
	}
	return s.catalogGen.Load()
}

// MarkCatalogStale advances the generation as soon as a catalog change commits, ahead of the
// asynchronous invalidation.
func (s *CacheService) MarkCatalogStale() {
	if s == nil {
		return
	}
	s.catalogGen.Add(1)
}

// SetCatalogPage stores a page read under generation. Pages that raced a catalog change are
// dropped, including one whose write lands after the invalidation already ran.
func (s *CacheService) SetCatalogPage(ctx context.Context, key string, value interface{}, generation uint64) {
	if !s.Enabled() || s.catalogGen.Load() != generation {
		return
	}
	s.Set(ctx, key, value)
	if s.catalogGen.Load() == generation {
		return
	}
	if err := s.repo.DeleteByPattern(ctx, key); err != nil {
		s.logger.Warn("cache evict failed", zap.String("key", key), zap.Error(err))
	}
}

// catalogKey hashes the listing criteria so equivalent queries share an entry.
func catalogKey(scope string, criteria interface{}) string {
	raw, _ := json.Marshal(criteria)
	sum := sha1.Sum(append([]byte(scope+"|"), raw...))
	return catalogCachePrefix + scope + ":" + hex.EncodeToString(sum[:])
}
