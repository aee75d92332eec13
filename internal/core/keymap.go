package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ModuleRegistry is the read interface the key map cache needs from the
// backing store.
type ModuleRegistry interface {
	ListActiveModules(ctx context.Context, tenantID, deviceUID string) ([]*DeviceModule, error)
}

// KeyMapConfig holds the cache's TTLs and size bound.
type KeyMapConfig struct {
	TTL         time.Duration
	NegativeTTL time.Duration
	MaxEntries  int
}

type keyMapEntry struct {
	mapping  map[string]string
	cachedAt time.Time
}

// KeyMapCache caches the merged raw-to-semantic metric key translation
// table per device. Active modules are merged in ascending module ID
// order, so for a colliding raw key the highest module ID wins.
type KeyMapCache struct {
	registry ModuleRegistry
	entries  *lru.Cache[string, *keyMapEntry]
	group    singleflight.Group
	cfg      KeyMapConfig
	logger   *logrus.Logger
	now      func() time.Time
}

// NewKeyMapCache creates a key map cache over the given registry.
func NewKeyMapCache(registry ModuleRegistry, cfg KeyMapConfig, logger *logrus.Logger) (*KeyMapCache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	entries, err := lru.New[string, *keyMapEntry](cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &KeyMapCache{
		registry: registry,
		entries:  entries,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Get returns the merged translation table for (tenantID, deviceUID).
// A device with no active modules yields an empty map, cached with the
// negative TTL so freshly attached modules are picked up quickly.
func (c *KeyMapCache) Get(ctx context.Context, tenantID, deviceUID string) (map[string]string, error) {
	key := tenantID + "/" + deviceUID

	if entry, ok := c.entries.Get(key); ok && c.fresh(entry) {
		return entry.mapping, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if entry, ok := c.entries.Get(key); ok && c.fresh(entry) {
			return entry, nil
		}
		return c.load(ctx, key, tenantID, deviceUID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*keyMapEntry).mapping, nil
}

// Invalidate drops the entry for (tenantID, deviceUID).
func (c *KeyMapCache) Invalidate(tenantID, deviceUID string) {
	c.entries.Remove(tenantID + "/" + deviceUID)
}

func (c *KeyMapCache) fresh(entry *keyMapEntry) bool {
	ttl := c.cfg.TTL
	if len(entry.mapping) == 0 {
		ttl = c.cfg.NegativeTTL
	}
	return c.now().Sub(entry.cachedAt) < ttl
}

func (c *KeyMapCache) load(ctx context.Context, key, tenantID, deviceUID string) (*keyMapEntry, error) {
	modules, err := c.fetchModules(ctx, tenantID, deviceUID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	// Modules arrive ordered by ascending ID; later maps overwrite
	// earlier ones per key, which keeps collisions deterministic.
	merged := make(map[string]string)
	for _, module := range modules {
		for raw, semantic := range module.KeyMap {
			merged[raw] = semantic
		}
	}

	entry := &keyMapEntry{mapping: merged, cachedAt: c.now()}
	c.entries.Add(key, entry)
	return entry, nil
}

func (c *KeyMapCache) fetchModules(ctx context.Context, tenantID, deviceUID string) ([]*DeviceModule, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		modules, err := c.registry.ListActiveModules(ctx, tenantID, deviceUID)
		if err == nil {
			return modules, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
