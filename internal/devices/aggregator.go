package devices

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/terminal-bench/solarwatch/internal/hub"
	"github.com/terminal-bench/solarwatch/internal/icons"
	"github.com/terminal-bench/solarwatch/pkg/units"
)

const (
	// DefaultRefreshInterval is the floor between preference/registry
	// refreshes. Fixed, not adaptive.
	DefaultRefreshInterval = 60 * time.Second

	statisticsWindow = time.Hour
	statisticsPeriod = "5minute"
	refreshTimeout   = 15 * time.Second
)

// Badge is one entry of the ranked top-consumers list. Lists are always
// rebuilt in full, never mutated in place.
type Badge struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Icon  string  `json:"icon,omitempty"`
	Watts float64 `json:"watts"`
}

// Aggregator periodically refreshes the consumption preferences and the
// power mapping, and ranks currently-drawing devices from live snapshots.
// Ranking itself is synchronous and cheap; only the mapping refresh talks to
// the hub.
type Aggregator struct {
	prefs    hub.PreferencesService
	stats    hub.StatisticsService
	mapper   *Mapper
	log      *slog.Logger
	onChange func()
	now      func() time.Time
	interval time.Duration

	mu          sync.Mutex
	deviceList  []hub.ConsumptionPreference
	mapping     *PowerMapping
	snap        hub.Snapshot
	lastRefresh time.Time
	refreshing  bool
	timer       *time.Timer
	stopped     bool
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithRefreshInterval overrides the refresh floor.
func WithRefreshInterval(d time.Duration) AggregatorOption {
	return func(a *Aggregator) { a.interval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator. onChange fires after every completed
// mapping refresh.
func NewAggregator(prefs hub.PreferencesService, stats hub.StatisticsService, mapper *Mapper, log *slog.Logger, onChange func(), opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		prefs:    prefs,
		stats:    stats,
		mapper:   mapper,
		log:      log,
		onChange: onChange,
		now:      time.Now,
		interval: DefaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start kicks the first refresh. Subsequent refreshes self-reschedule.
func (a *Aggregator) Start() {
	go a.refresh(false)
}

// Stop cancels the periodic refresh. A refresh already underway completes.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// ObserveSnapshot records the latest live-state snapshot and triggers a
// throttled mapping refresh. Never blocks the caller.
func (a *Aggregator) ObserveSnapshot(snap hub.Snapshot) {
	a.mu.Lock()
	a.snap = snap
	a.mu.Unlock()
	go a.refresh(false)
}

// Mapping returns the current power mapping, which may be nil before the
// first successful refresh.
func (a *Aggregator) Mapping() *PowerMapping {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mapping
}

// WatchedEntities lists the power entities live ranking depends on.
func (a *Aggregator) WatchedEntities() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mapping == nil {
		return nil
	}
	return a.mapping.PowerEntities()
}

// refresh fetches preferences, rebuilds the mapping and swaps it in as one
// unit. Throttled to the refresh floor unless forced; reschedules itself
// regardless of success or failure.
func (a *Aggregator) refresh(force bool) {
	a.mu.Lock()
	if a.stopped || a.refreshing {
		a.mu.Unlock()
		return
	}
	if !force && a.now().Sub(a.lastRefresh) < a.interval {
		a.mu.Unlock()
		return
	}
	a.refreshing = true
	snap := a.snap
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	updated := false
	prefs, err := a.prefs.EnergyPreferences(ctx)
	if err != nil {
		a.log.Warn("energy preferences fetch failed", "error", err)
	} else {
		mapping, err := a.mapper.Build(ctx, prefs.DeviceConsumption, snap)
		if err != nil {
			a.log.Warn("power mapping rebuild failed", "error", err)
		} else {
			a.mu.Lock()
			a.deviceList = prefs.DeviceConsumption
			a.mapping = mapping
			a.lastRefresh = a.now()
			a.mu.Unlock()
			updated = true
		}
	}

	a.mu.Lock()
	a.refreshing = false
	if !a.stopped {
		if a.timer != nil {
			a.timer.Stop()
		}
		a.timer = time.AfterFunc(a.interval, func() { a.refresh(true) })
	}
	a.mu.Unlock()

	if updated && a.onChange != nil {
		a.onChange()
	}
}

// TopDevices ranks currently-drawing devices from the snapshot. Candidate
// power entities for one device are alternative sensors for the same
// physical draw, so the maximum is taken, not the sum. Devices drawing
// nothing are dropped. Ties keep preference-list order.
func (a *Aggregator) TopDevices(snap hub.Snapshot, max int) []Badge {
	a.mu.Lock()
	deviceList := a.deviceList
	mapping := a.mapping
	a.mu.Unlock()

	if mapping == nil || len(deviceList) == 0 || max <= 0 {
		return nil
	}

	iconCtx := icons.DeviceContext{
		StatToDevice:   mapping.StatToDevice,
		DeviceIcons:    mapping.DeviceIcons,
		DeviceEntities: mapping.DeviceEntities,
		EntityRegistry: mapping.EntityRegistry,
	}

	var items []Badge
	for _, dev := range deviceList {
		statID := dev.StatConsumption
		name := dev.Name
		if name == "" {
			name = statID
		}
		var best units.Power
		found := false
		for _, eid := range mapping.StatPowerEntities[statID] {
			st, ok := snap.Get(eid)
			if !ok {
				continue
			}
			p, ok := units.ParsePower(st.State, st.Attributes.UnitOfMeasurement)
			if !ok {
				continue
			}
			p = p.ClampZero()
			if !found || p.GreaterThan(best) {
				best = p
				found = true
			}
		}
		if found && best.IsPositive() {
			items = append(items, Badge{
				ID:    statID,
				Name:  name,
				Icon:  icons.ForDevice(iconCtx, snap, statID),
				Watts: best.Watts(),
			})
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Watts > items[j].Watts })
	if len(items) > max {
		items = items[:max]
	}
	return items
}

// TopDevicesByStatistics estimates the last hour's average draw per tracked
// device from 5-minute cumulative statistics: the delta between the two most
// recent usable buckets over their time span. Used when no live power
// entities resolve.
func (a *Aggregator) TopDevicesByStatistics(ctx context.Context, max int) ([]Badge, error) {
	prefs, err := a.prefs.EnergyPreferences(ctx)
	if err != nil {
		return nil, err
	}
	devices := prefs.DeviceConsumption
	var statIDs []string
	for _, dev := range devices {
		if dev.StatConsumption != "" {
			statIDs = append(statIDs, dev.StatConsumption)
		}
	}
	if len(statIDs) == 0 {
		return nil, nil
	}

	end := a.now()
	start := end.Add(-statisticsWindow)
	series, err := a.stats.StatisticsDuringPeriod(ctx, statIDs, start, end, statisticsPeriod)
	if err != nil {
		return nil, err
	}

	var items []Badge
	for _, dev := range devices {
		points := series[dev.StatConsumption]
		if len(points) < 2 {
			continue
		}
		i := len(points) - 1
		for i >= 0 && points[i].Sum == nil {
			i--
		}
		if i <= 0 {
			continue
		}
		j := i - 1
		for j >= 0 && points[j].Sum == nil {
			j--
		}
		if j < 0 {
			continue
		}
		last, prev := points[i], points[j]
		dtHours := last.Start.Sub(prev.Start).Hours()
		if dtHours <= 0 {
			continue
		}
		deltaKWh := math.Max(0, *last.Sum-*prev.Sum)
		watts := deltaKWh / dtHours * 1000
		if math.IsInf(watts, 0) || math.IsNaN(watts) {
			continue
		}
		name := dev.Name
		if name == "" {
			name = dev.StatConsumption
		}
		items = append(items, Badge{ID: dev.StatConsumption, Name: name, Watts: watts})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Watts > items[j].Watts })
	if len(items) > max {
		items = items[:max]
	}
	return items, nil
}
