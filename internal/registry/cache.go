package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/terminal-bench/solarwatch/internal/hub"
)

// DefaultTTL bounds the age of a cached registry table.
const DefaultTTL = 60 * time.Second

// Cache holds TTL-bounded copies of the hub's entity and device registries.
// Concurrent callers for the same expired table share one outstanding fetch.
//
// Device-table fetch failures are tolerated and cached as an empty table:
// device icons are cosmetic. Entity-table failures propagate, since entity
// resolution is load-bearing.
type Cache struct {
	svc hub.RegistryService
	ttl time.Duration
	now func() time.Time
	log *slog.Logger

	group singleflight.Group

	mu         sync.Mutex
	entities   []hub.RegistryEntry
	entitiesAt time.Time
	devices    []hub.Device
	devicesAt  time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the table TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a registry cache backed by svc.
func NewCache(svc hub.RegistryService, log *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		svc: svc,
		ttl: DefaultTTL,
		now: time.Now,
		log: log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Entities returns the cached entity registry, fetching when stale.
func (c *Cache) Entities(ctx context.Context) ([]hub.RegistryEntry, error) {
	c.mu.Lock()
	if c.entities != nil && c.now().Sub(c.entitiesAt) < c.ttl {
		list := c.entities
		c.mu.Unlock()
		return list, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("entities", func() (interface{}, error) {
		list, err := c.svc.ListEntities(ctx)
		if err != nil {
			return nil, fmt.Errorf("list entity registry: %w", err)
		}
		c.mu.Lock()
		c.entities = list
		c.entitiesAt = c.now()
		c.mu.Unlock()
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]hub.RegistryEntry), nil
}

// Devices returns the cached device registry, fetching when stale. A failed
// fetch yields an empty table, cached for a full TTL so a broken endpoint is
// not hammered.
func (c *Cache) Devices(ctx context.Context) []hub.Device {
	c.mu.Lock()
	if c.devices != nil && c.now().Sub(c.devicesAt) < c.ttl {
		list := c.devices
		c.mu.Unlock()
		return list
	}
	c.mu.Unlock()

	v, _, _ := c.group.Do("devices", func() (interface{}, error) {
		list, err := c.svc.ListDevices(ctx)
		if err != nil {
			c.log.Warn("device registry fetch failed, caching empty table", "error", err)
			list = []hub.Device{}
		}
		c.mu.Lock()
		c.devices = list
		c.devicesAt = c.now()
		c.mu.Unlock()
		return list, nil
	})
	return v.([]hub.Device)
}

// Invalidate drops both tables, forcing a refetch on next access.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = nil
	c.devices = nil
}
