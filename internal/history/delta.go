package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/terminal-bench/solarwatch/internal/hub"
	"github.com/terminal-bench/solarwatch/pkg/debounce"
	"github.com/terminal-bench/solarwatch/pkg/units"
)

const (
	// DefaultDebounce is the quiet window coalescing bursts of state
	// changes into one history fetch.
	DefaultDebounce = 30 * time.Second

	fetchTimeout = 15 * time.Second
	dayFormat    = "2006-01-02"
)

// entry is the cached today-delta for one tracked entity. value is only
// ever valid for dateKey; entries for a stale day are dropped, never
// reinterpreted.
type entry struct {
	dateKey  string
	value    *float64
	lastRaw  string
	inflight bool
}

// DeltaCache turns cumulative lifetime counters into "value since local
// midnight" numbers, refreshed lazily from the hub's history endpoint.
//
// Background results reach consumers only through the onChange callback; the
// synchronous return of EnsureDelta is always the best previously known
// value. Failed fetches are not retried eagerly — the next qualifying state
// change or cold call re-triggers one.
type DeltaCache struct {
	svc      hub.HistoryService
	log      *slog.Logger
	now      func() time.Time
	deb      *debounce.Debouncer
	onChange func()

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures a DeltaCache.
type Option func(*DeltaCache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *DeltaCache) { c.now = now }
}

// WithDebounce overrides the debounce window.
func WithDebounce(d time.Duration) Option {
	return func(c *DeltaCache) { c.deb = debounce.New(d) }
}

// NewDeltaCache creates a delta cache. onChange fires after every completed
// background fetch, success or failure, so the consumer can re-read.
func NewDeltaCache(svc hub.HistoryService, log *slog.Logger, onChange func(), opts ...Option) *DeltaCache {
	c := &DeltaCache{
		svc:      svc,
		log:      log,
		now:      time.Now,
		deb:      debounce.New(DefaultDebounce),
		onChange: onChange,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureDelta returns the entity's increase since local midnight, if known.
// It may schedule background work: an immediate fetch on a cold entry, or a
// debounced refresh when the raw state moved under a valid cached value.
// After a day rollover it returns (0, true) while the new day's fetch runs,
// so a true zero is shown instead of yesterday's number.
func (c *DeltaCache) EnsureDelta(entityID, rawState string) (float64, bool) {
	today := c.now().Format(dayFormat)

	c.mu.Lock()

	e := c.entries[entityID]
	rolled := false
	if e != nil && e.dateKey != today {
		delete(c.entries, entityID)
		c.deb.Cancel(entityID)
		rolled = true
		e = nil
	}

	if e != nil && e.value != nil {
		v := *e.value
		if rawState != e.lastRaw && !e.inflight {
			e.lastRaw = rawState
			day := e.dateKey
			c.deb.Reset(entityID, func() { c.refresh(entityID, day) })
		}
		c.mu.Unlock()
		return v, true
	}

	if e != nil && e.inflight {
		c.mu.Unlock()
		return 0, false
	}

	// Cold entry: fetch immediately.
	c.entries[entityID] = &entry{dateKey: today, lastRaw: rawState, inflight: true}
	c.mu.Unlock()

	go c.fetch(entityID, today)

	if rolled {
		return 0, true
	}
	return 0, false
}

// Close cancels all pending debounce timers. In-flight fetches run to
// completion and are validated against the target day at commit.
func (c *DeltaCache) Close() {
	c.deb.CancelAll()
}

// refresh is the debounced path: re-arm the in-flight gate if the entry is
// still live for the same day, then fetch.
func (c *DeltaCache) refresh(entityID, dayKey string) {
	c.mu.Lock()
	e := c.entries[entityID]
	if e == nil || e.dateKey != dayKey || e.inflight {
		c.mu.Unlock()
		return
	}
	e.inflight = true
	c.mu.Unlock()

	c.fetch(entityID, dayKey)
}

// fetch queries [local midnight, now) and commits the day-stamped result.
// Results that arrive after the day rolled over are discarded at write-time;
// the write-side check is what keeps a pre-midnight fetch from polluting the
// new day.
func (c *DeltaCache) fetch(entityID, dayKey string) {
	now := c.now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if start.Format(dayFormat) != dayKey {
		// Midnight passed between scheduling and running.
		c.clearInflight(entityID, dayKey)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	points, err := c.svc.HistoryPeriod(ctx, entityID, start, now)

	var value *float64
	if err != nil {
		c.log.Warn("history fetch failed", "entity", entityID, "error", err)
	} else {
		v := computeDelta(points)
		value = &v
	}

	c.mu.Lock()
	e := c.entries[entityID]
	stale := e == nil || e.dateKey != dayKey || c.now().Format(dayFormat) != dayKey
	if !stale {
		e.inflight = false
		e.value = value
	} else if e != nil && e.dateKey == dayKey {
		e.inflight = false
	}
	c.mu.Unlock()

	if !stale && c.onChange != nil {
		c.onChange()
	}
}

func (c *DeltaCache) clearInflight(entityID, dayKey string) {
	c.mu.Lock()
	if e := c.entries[entityID]; e != nil && e.dateKey == dayKey {
		e.inflight = false
	}
	c.mu.Unlock()
}

// computeDelta takes last − first of the numeric run in an ordered sample
// sequence, clamped at zero. A negative difference means the counter reset.
// Fewer than two numeric samples yield zero.
func computeDelta(points []hub.HistoryPoint) float64 {
	firstIdx, lastIdx := -1, -1
	var first, last units.Energy
	for i, pt := range points {
		v, ok := units.ParseEnergy(pt.State)
		if !ok {
			continue
		}
		if firstIdx < 0 {
			firstIdx = i
			first = v
		}
		lastIdx = i
		last = v
	}
	if firstIdx < 0 || firstIdx == lastIdx {
		return 0
	}
	return last.Sub(first).Float()
}
