package hub

import (
	"context"
	"strings"
	"time"
)

// Attributes carries the subset of entity attributes the aggregation core
// reads. Anything else the hub sends is dropped on decode.
type Attributes struct {
	FriendlyName      string   `json:"friendly_name,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	BatteryLevel      *float64 `json:"battery_level,omitempty"`
	Charging          bool     `json:"charging,omitempty"`
}

// State is one entity's live state as delivered by the hub.
type State struct {
	EntityID    string     `json:"entity_id"`
	State       string     `json:"state"`
	Attributes  Attributes `json:"attributes"`
	LastChanged string     `json:"last_changed,omitempty"`
	LastUpdated string     `json:"last_updated,omitempty"`
}

// Domain returns the dot-qualified domain of the entity id, or "" when the
// id is a bare statistic with no backing entity.
func Domain(entityID string) string {
	i := strings.IndexByte(entityID, '.')
	if i < 0 {
		return ""
	}
	return entityID[:i]
}

// Unavailable reports whether a raw state value is one of the hub's
// placeholder states rather than a real reading.
func Unavailable(raw string) bool {
	switch strings.ToLower(raw) {
	case "unknown", "unavailable", "none", "":
		return true
	}
	return false
}

// Snapshot is a full entity-state map delivered by the hub on every external
// change. Snapshots are immutable once delivered; consumers must not mutate
// them.
type Snapshot map[string]State

// Get returns the state for an entity id.
func (s Snapshot) Get(entityID string) (State, bool) {
	st, ok := s[entityID]
	return st, ok
}

// RegistryEntry links an entity to its device. Snapshots are immutable per
// fetch and superseded wholesale on the next fetch.
type RegistryEntry struct {
	EntityID string `json:"entity_id"`
	DeviceID string `json:"device_id,omitempty"`
	Icon     string `json:"icon,omitempty"`
}

// Device is one row of the device registry.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Icon string `json:"icon,omitempty"`
}

// ConsumptionPreference names one tracked consumption statistic. Supplied by
// the hub's energy preferences; read-only to this service.
type ConsumptionPreference struct {
	StatConsumption string `json:"stat_consumption"`
	Name            string `json:"name,omitempty"`
}

// Preferences is the hub's energy preference document.
type Preferences struct {
	DeviceConsumption []ConsumptionPreference `json:"device_consumption"`
}

// HistoryPoint is one sample from the history endpoint. With minimal
// response mode only the raw state and timestamp are present.
type HistoryPoint struct {
	State       string    `json:"state"`
	LastChanged time.Time `json:"last_changed"`
}

// StatisticsPoint is one 5-minute statistics bucket. Sum is the cumulative
// counter at the bucket start and may be absent for gaps.
type StatisticsPoint struct {
	Start time.Time `json:"start"`
	Sum   *float64  `json:"sum,omitempty"`
}

// RegistryService lists the hub's reference tables.
type RegistryService interface {
	ListEntities(ctx context.Context) ([]RegistryEntry, error)
	ListDevices(ctx context.Context) ([]Device, error)
}

// PreferencesService fetches the energy preference document.
type PreferencesService interface {
	EnergyPreferences(ctx context.Context) (Preferences, error)
}

// HistoryService queries raw state history for one entity over a half-open
// interval [start, end).
type HistoryService interface {
	HistoryPeriod(ctx context.Context, entityID string, start, end time.Time) ([]HistoryPoint, error)
}

// StatisticsService queries aggregated statistics for a set of statistic ids.
type StatisticsService interface {
	StatisticsDuringPeriod(ctx context.Context, statIDs []string, start, end time.Time, period string) (map[string][]StatisticsPoint, error)
}
