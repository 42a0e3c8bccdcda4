package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
	"github.com/triage-ai/palisade/services/policy_guard/internal/ttlcache"
)

// CachedRegistry serves specs from a SpecStore through a TTL cache with
// stale-while-revalidate. Missing specs are cached too.
type CachedRegistry struct {
	store  SpecStore
	cache  *ttlcache.Cache[*model.PolicyGuardSpec]
	logger *zap.Logger
}

// CachedRegistryConfig configures the CachedRegistry.
type CachedRegistryConfig struct {
	Store    SpecStore
	CacheTTL time.Duration
	Logger   *zap.Logger
}

func NewCachedRegistry(cfg CachedRegistryConfig) *CachedRegistry {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &CachedRegistry{
		store:  cfg.Store,
		cache:  ttlcache.New[*model.PolicyGuardSpec](ttl),
		logger: cfg.Logger,
	}
}

func (r *CachedRegistry) GetSpec(ctx context.Context, projectID, toolName string) (*model.PolicyGuardSpec, error) {
	key := ttlcache.Key(projectID, toolName)
	cached := r.cache.Get(key)
	if cached.Hit {
		if cached.NeedsRefresh {
			go r.refreshInBackground(projectID, toolName)
		}
		return cached.Value, nil
	}

	spec, err := r.store.LookupSpec(ctx, projectID, toolName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.cache.Set(key, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("GetSpec: %w", err)
	}

	r.cache.Set(key, spec)
	return spec, nil
}

// Publish stores specs for a project and refreshes their cache entries.
func (r *CachedRegistry) Publish(ctx context.Context, projectID string, specs ...*model.PolicyGuardSpec) error {
	for _, spec := range specs {
		if err := r.store.PutSpec(ctx, projectID, spec); err != nil {
			return fmt.Errorf("Publish: %w", err)
		}
		r.cache.Set(ttlcache.Key(projectID, spec.ToolName), spec)
	}
	return nil
}

func (r *CachedRegistry) refreshInBackground(projectID, toolName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := ttlcache.Key(projectID, toolName)
	spec, err := r.store.LookupSpec(ctx, projectID, toolName)
	if errors.Is(err, sql.ErrNoRows) {
		r.cache.Set(key, nil)
		return
	}
	if err != nil {
		r.logger.Warn("background spec registry refresh failed",
			zap.String("project_id", projectID),
			zap.String("tool_name", toolName),
			zap.Error(err),
		)
		return
	}
	r.cache.Set(key, spec)
}
