package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/solarwatch/internal/hub"
)

type fakeRegistry struct {
	mu          sync.Mutex
	entities    []hub.RegistryEntry
	devices     []hub.Device
	entityErr   error
	deviceErr   error
	entityCalls int32
	deviceCalls int32
	entityDelay time.Duration
}

func (f *fakeRegistry) ListEntities(ctx context.Context) ([]hub.RegistryEntry, error) {
	atomic.AddInt32(&f.entityCalls, 1)
	if f.entityDelay > 0 {
		time.Sleep(f.entityDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entities, f.entityErr
}

func (f *fakeRegistry) ListDevices(ctx context.Context) ([]hub.Device, error) {
	atomic.AddInt32(&f.deviceCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices, f.deviceErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestCacheTTL(t *testing.T) {
	now := time.Now()

	svc := &fakeRegistry{entities: []hub.RegistryEntry{{EntityID: "sensor.a"}}}
	c := NewCache(svc, testLogger(), WithTTL(60*time.Second), WithClock(func() time.Time { return now }))

	t.Run("should serve cached table within TTL", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			list, err := c.Entities(context.Background())
			require.NoError(t, err)
			assert.Len(t, list, 1)
		}
		assert.Equal(t, int32(1), atomic.LoadInt32(&svc.entityCalls))
	})

	t.Run("should refetch once TTL expires", func(t *testing.T) {
		now = now.Add(61 * time.Second)
		_, err := c.Entities(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&svc.entityCalls))
	})
}

func TestCacheCoalescing(t *testing.T) {
	t.Run("should share one fetch among concurrent callers", func(t *testing.T) {
		svc := &fakeRegistry{
			entities:    []hub.RegistryEntry{{EntityID: "sensor.a"}},
			entityDelay: 20 * time.Millisecond,
		}
		c := NewCache(svc, testLogger())

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				list, err := c.Entities(context.Background())
				assert.NoError(t, err)
				assert.Len(t, list, 1)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), atomic.LoadInt32(&svc.entityCalls))
	})
}

func TestCacheFailures(t *testing.T) {
	t.Run("should propagate entity table failure", func(t *testing.T) {
		svc := &fakeRegistry{entityErr: errors.New("boom")}
		c := NewCache(svc, testLogger())

		_, err := c.Entities(context.Background())
		require.Error(t, err)

		// Failure is not cached; the next call retries.
		svc.mu.Lock()
		svc.entityErr = nil
		svc.entities = []hub.RegistryEntry{{EntityID: "sensor.a"}}
		svc.mu.Unlock()

		list, err := c.Entities(context.Background())
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("should cache empty device table on failure", func(t *testing.T) {
		svc := &fakeRegistry{deviceErr: errors.New("boom")}
		c := NewCache(svc, testLogger())

		list := c.Devices(context.Background())
		assert.Empty(t, list)
		// Cached: no second remote call inside the TTL.
		list = c.Devices(context.Background())
		assert.Empty(t, list)
		assert.Equal(t, int32(1), atomic.LoadInt32(&svc.deviceCalls))
	})
}

func TestCacheInvalidate(t *testing.T) {
	t.Run("should force refetch after invalidate", func(t *testing.T) {
		svc := &fakeRegistry{entities: []hub.RegistryEntry{{EntityID: "sensor.a"}}}
		c := NewCache(svc, testLogger())

		_, err := c.Entities(context.Background())
		require.NoError(t, err)
		c.Invalidate()
		_, err = c.Entities(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&svc.entityCalls))
	})
}
