// Package card wires one dashboard card instance: its configuration, the
// derived-metric caches, and the watched-entity filter that decides which
// hub updates matter. Each card owns its caches; there is no process-wide
// shared state.
package card

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/terminal-bench/solarwatch/internal/config"
	"github.com/terminal-bench/solarwatch/internal/devices"
	"github.com/terminal-bench/solarwatch/internal/history"
	"github.com/terminal-bench/solarwatch/internal/hub"
	"github.com/terminal-bench/solarwatch/internal/registry"
)

// Metric is a display value with its unit. Known is false while no value is
// available yet (a neutral placeholder, never an error state).
type Metric struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Known bool    `json:"known"`
}

// Card is one widget instance. All accessors are synchronous reads of
// current cache state; background work is scheduled as a side effect and
// surfaces through the onChanged callback.
type Card struct {
	cfg       config.Card
	log       *slog.Logger
	deltas    *history.DeltaCache
	agg       *devices.Aggregator
	onChanged func()

	mu   sync.Mutex
	snap hub.Snapshot
}

// New builds a card. onChanged is registered once and fires whenever a
// background-computed value or a relevant entity state changes.
func New(
	cfg config.Card,
	regs *registry.Cache,
	hist hub.HistoryService,
	prefs hub.PreferencesService,
	stats hub.StatisticsService,
	log *slog.Logger,
	onChanged func(),
	deltaOpts []history.Option,
	aggOpts []devices.AggregatorOption,
) *Card {
	c := &Card{cfg: cfg, log: log, onChanged: onChanged}
	c.deltas = history.NewDeltaCache(hist, log, c.notify, deltaOpts...)
	c.agg = devices.NewAggregator(prefs, stats, devices.NewMapper(regs), log, c.notify, aggOpts...)
	return c
}

// Start begins the periodic mapping refresh when top devices are shown.
func (c *Card) Start() {
	if c.cfg.ShowTopDevices {
		c.agg.Start()
	}
}

// Stop cancels timers. In-flight fetches complete and are validated on
// commit.
func (c *Card) Stop() {
	c.agg.Stop()
	c.deltas.Close()
}

// Config returns the card configuration.
func (c *Card) Config() config.Card {
	return c.cfg
}

// HandleSnapshot ingests a fresh live-state snapshot from the hub. Only
// changes to watched entities fire the change notification; everything else
// is dropped on the floor.
func (c *Card) HandleSnapshot(snap hub.Snapshot) {
	c.mu.Lock()
	prev := c.snap
	c.snap = snap
	c.mu.Unlock()

	if c.cfg.ShowTopDevices {
		c.agg.ObserveSnapshot(snap)
	}

	if c.relevantChange(prev, snap) {
		c.notify()
	}
}

func (c *Card) relevantChange(prev, next hub.Snapshot) bool {
	if prev == nil {
		return true
	}
	for eid := range c.watched() {
		p, pok := prev.Get(eid)
		n, nok := next.Get(eid)
		if pok != nok || p.State != n.State || p.LastUpdated != n.LastUpdated {
			return true
		}
	}
	return false
}

// watched is the set of entity ids this card reacts to: configured entities
// plus the current mapping's power entities.
func (c *Card) watched() map[string]struct{} {
	set := make(map[string]struct{})
	for _, eid := range c.cfg.Entities() {
		set[eid] = struct{}{}
	}
	if c.cfg.ShowTopDevices {
		for _, eid := range c.agg.WatchedEntities() {
			set[eid] = struct{}{}
		}
	}
	return set
}

func (c *Card) notify() {
	if c.onChanged != nil {
		c.onChanged()
	}
}

func (c *Card) snapshot() hub.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// TodayDelta returns the entity's increase since local midnight, scheduling
// background work as needed.
func (c *Card) TodayDelta(entityID string) (float64, bool) {
	snap := c.snapshot()
	st, _ := snap.Get(entityID)
	return c.deltas.EnsureDelta(entityID, st.State)
}

// TodayYield is today's production: the dedicated daily sensor when it
// reports, otherwise derived from the lifetime total.
func (c *Card) TodayYield() Metric {
	return c.todayMetric(c.cfg.YieldTodayEntity, c.cfg.TotalYieldEntity)
}

// TodayGridConsumption is today's grid import, same fallback scheme.
func (c *Card) TodayGridConsumption() Metric {
	return c.todayMetric(c.cfg.GridTodayEntity, c.cfg.TotalGridEntity)
}

func (c *Card) todayMetric(dailyEntity, totalEntity string) Metric {
	snap := c.snapshot()

	if dailyEntity != "" {
		if st, ok := snap.Get(dailyEntity); ok && !hub.Unavailable(st.State) {
			if v, err := strconv.ParseFloat(st.State, 64); err == nil {
				return Metric{Value: v, Unit: st.Attributes.UnitOfMeasurement, Known: true}
			}
		}
	}

	if totalEntity != "" {
		st, _ := snap.Get(totalEntity)
		v, ok := c.deltas.EnsureDelta(totalEntity, st.State)
		return Metric{Value: v, Unit: st.Attributes.UnitOfMeasurement, Known: ok}
	}

	return Metric{}
}

// CurrentProduction reads the instantaneous production entity.
func (c *Card) CurrentProduction() Metric {
	return c.liveMetric(c.cfg.ProductionEntity)
}

// CurrentConsumption reads the instantaneous consumption entity.
func (c *Card) CurrentConsumption() Metric {
	return c.liveMetric(c.cfg.CurrentConsumptionEntity)
}

func (c *Card) liveMetric(entityID string) Metric {
	if entityID == "" {
		return Metric{}
	}
	st, ok := c.snapshot().Get(entityID)
	if !ok || hub.Unavailable(st.State) {
		return Metric{Unit: st.Attributes.UnitOfMeasurement}
	}
	v, err := strconv.ParseFloat(st.State, 64)
	if err != nil {
		return Metric{Unit: st.Attributes.UnitOfMeasurement}
	}
	return Metric{Value: v, Unit: st.Attributes.UnitOfMeasurement, Known: true}
}

// TopDevices ranks currently-drawing devices, capped at max.
func (c *Card) TopDevices(max int) []devices.Badge {
	if !c.cfg.ShowTopDevices {
		return nil
	}
	return c.agg.TopDevices(c.snapshot(), max)
}

// Aggregator exposes the device aggregator for the statistics-based
// estimate endpoint.
func (c *Card) Aggregator() *devices.Aggregator {
	return c.agg
}
