package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"example.com/backstage/services/ingest/internal/infrastructure"
)

// DeviceRegistry is the read interface the auth cache needs from the
// backing store.
type DeviceRegistry interface {
	GetDevice(ctx context.Context, tenantID, deviceUID string) (*Device, error)
}

// AuthCacheConfig holds the cache's TTLs and size bound.
type AuthCacheConfig struct {
	PositiveTTL time.Duration
	NegativeTTL time.Duration
	MaxEntries  int
}

// AuthCache is a time-bounded, LRU-bounded cache of device authorization
// state. Misses for the same key coalesce into a single registry query.
// Entries are immutable; refreshes publish a new entry rather than
// mutating in place.
type AuthCache struct {
	registry DeviceRegistry
	l2       *infrastructure.Cache // optional shared cache, may be nil
	entries  *lru.Cache[string, *AuthEntry]
	group    singleflight.Group
	cfg      AuthCacheConfig
	logger   *logrus.Logger
	now      func() time.Time
}

// NewAuthCache creates an auth cache over the given registry. l2 may be
// nil when no shared cache is configured.
func NewAuthCache(registry DeviceRegistry, l2 *infrastructure.Cache, cfg AuthCacheConfig, logger *logrus.Logger) (*AuthCache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	entries, err := lru.New[string, *AuthEntry](cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &AuthCache{
		registry: registry,
		l2:       l2,
		entries:  entries,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Get returns the cached authorization state for (tenantID, deviceUID).
// A nil entry with nil error means the device is not registered (a cached
// negative). A non-nil error means the registry could not be reached.
func (c *AuthCache) Get(ctx context.Context, tenantID, deviceUID string) (*AuthEntry, error) {
	key := tenantID + "/" + deviceUID

	if entry, ok := c.entries.Get(key); ok && c.fresh(entry) {
		if entry.Negative {
			return nil, nil
		}
		return entry, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another caller may have refreshed while we waited on the group.
		if entry, ok := c.entries.Get(key); ok && c.fresh(entry) {
			return entry, nil
		}
		return c.load(ctx, key, tenantID, deviceUID)
	})
	if err != nil {
		return nil, err
	}

	entry := v.(*AuthEntry)
	if entry.Negative {
		return nil, nil
	}
	return entry, nil
}

// Invalidate drops the entry for (tenantID, deviceUID) so the next lookup
// refreshes from the registry. Called when an admin revokes a device.
func (c *AuthCache) Invalidate(ctx context.Context, tenantID, deviceUID string) {
	key := tenantID + "/" + deviceUID
	c.entries.Remove(key)
	if c.l2 != nil {
		if err := c.l2.Delete(ctx, l2AuthKey(key)); err != nil {
			c.logger.WithError(err).WithField("key", key).
				Warn("Failed to invalidate shared auth cache entry")
		}
	}
}

// Len reports the number of resident entries.
func (c *AuthCache) Len() int {
	return c.entries.Len()
}

func (c *AuthCache) fresh(entry *AuthEntry) bool {
	ttl := c.cfg.PositiveTTL
	if entry.Negative {
		ttl = c.cfg.NegativeTTL
	}
	return c.now().Sub(entry.CachedAt) < ttl
}

func (c *AuthCache) load(ctx context.Context, key, tenantID, deviceUID string) (*AuthEntry, error) {
	// Shared cache first, then the registry.
	if entry := c.fromL2(ctx, key); entry != nil {
		c.entries.Add(key, entry)
		return entry, nil
	}

	device, err := c.fetchDevice(ctx, tenantID, deviceUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			entry := &AuthEntry{
				TenantID:  tenantID,
				DeviceUID: deviceUID,
				CachedAt:  c.now(),
				Negative:  true,
			}
			c.entries.Add(key, entry)
			return entry, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	entry := &AuthEntry{
		TenantID:           device.TenantID,
		DeviceUID:          device.DeviceUID,
		SiteID:             device.SiteID,
		Status:             device.Status,
		TokenHash:          device.TokenHash,
		SubscriptionStatus: device.SubscriptionStatus,
		CachedAt:           c.now(),
	}
	c.entries.Add(key, entry)
	c.toL2(ctx, key, entry)
	return entry, nil
}

// fetchDevice retries transient registry failures with a short backoff.
func (c *AuthCache) fetchDevice(ctx context.Context, tenantID, deviceUID string) (*Device, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		device, err := c.registry.GetDevice(ctx, tenantID, deviceUID)
		if err == nil {
			return device, nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *AuthCache) fromL2(ctx context.Context, key string) *AuthEntry {
	if c.l2 == nil {
		return nil
	}
	data, err := c.l2.Get(ctx, l2AuthKey(key))
	if err != nil {
		return nil
	}
	var entry AuthEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil
	}
	entry.CachedAt = c.now()
	return &entry
}

func (c *AuthCache) toL2(ctx context.Context, key string, entry *AuthEntry) {
	if c.l2 == nil {
		return
	}
	data, _ := json.Marshal(entry)
	if err := c.l2.Set(ctx, l2AuthKey(key), string(data), c.cfg.PositiveTTL); err != nil {
		c.logger.WithError(err).WithField("key", key).
			Debug("Failed to populate shared auth cache entry")
	}
}

func l2AuthKey(key string) string {
	return "authdev:" + key
}
