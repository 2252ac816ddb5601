package devices

import (
	"context"
	"fmt"
	"regexp"

	"github.com/terminal-bench/solarwatch/internal/hub"
	"github.com/terminal-bench/solarwatch/internal/registry"
)

// powerUnitRe accepts watt and kilowatt units.
var powerUnitRe = regexp.MustCompile(`(?i)k?W`)

// PowerMapping resolves consumption statistics to the entities that report
// the device's live power draw. It is rebuilt wholesale each refresh cycle
// and swapped atomically; readers never observe a partial update.
//
// Every key of StatPowerEntities also appears in StatToDevice.
type PowerMapping struct {
	StatToDevice      map[string]string
	DeviceEntities    map[string][]string
	StatPowerEntities map[string][]string
	DeviceIcons       map[string]string
	DeviceNames       map[string]string
	EntityRegistry    map[string]hub.RegistryEntry
}

// PowerEntities returns the deduplicated set of entities the mapping tracks
// for live power, for membership in the watched-entity set.
func (m *PowerMapping) PowerEntities() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ents := range m.StatPowerEntities {
		for _, eid := range ents {
			if _, ok := seen[eid]; ok {
				continue
			}
			seen[eid] = struct{}{}
			out = append(out, eid)
		}
	}
	return out
}

// Mapper builds power mappings from the consumption preference list plus the
// cached registries.
type Mapper struct {
	registries *registry.Cache
}

// NewMapper creates a Mapper reading reference tables from cache.
func NewMapper(registries *registry.Cache) *Mapper {
	return &Mapper{registries: registries}
}

// Build resolves each preference's statistic to a device and collects that
// device's power-reporting entities (device_class power, watt or kilowatt
// unit, judged from the live snapshot). Preference ids without a
// dot-qualified domain are pure statistics with no backing entity and are
// skipped.
func (m *Mapper) Build(ctx context.Context, prefs []hub.ConsumptionPreference, snap hub.Snapshot) (*PowerMapping, error) {
	entities, err := m.registries.Entities(ctx)
	if err != nil {
		return nil, fmt.Errorf("build power mapping: %w", err)
	}
	devices := m.registries.Devices(ctx)

	regByID := make(map[string]hub.RegistryEntry, len(entities))
	byDevice := make(map[string][]string)
	for _, ent := range entities {
		if ent.EntityID == "" {
			continue
		}
		regByID[ent.EntityID] = ent
		if ent.DeviceID != "" {
			byDevice[ent.DeviceID] = append(byDevice[ent.DeviceID], ent.EntityID)
		}
	}

	deviceIcons := make(map[string]string)
	deviceNames := make(map[string]string)
	for _, dev := range devices {
		if dev.ID == "" {
			continue
		}
		if dev.Icon != "" {
			deviceIcons[dev.ID] = dev.Icon
		}
		if dev.Name != "" {
			deviceNames[dev.ID] = dev.Name
		}
	}

	mapping := &PowerMapping{
		StatToDevice:      make(map[string]string),
		DeviceEntities:    make(map[string][]string),
		StatPowerEntities: make(map[string][]string),
		DeviceIcons:       deviceIcons,
		DeviceNames:       deviceNames,
		EntityRegistry:    regByID,
	}

	for _, pref := range prefs {
		statID := pref.StatConsumption
		if statID == "" || hub.Domain(statID) == "" {
			continue
		}
		entry, ok := regByID[statID]
		if !ok || entry.DeviceID == "" {
			continue
		}
		var candidates []string
		for _, eid := range byDevice[entry.DeviceID] {
			st, ok := snap.Get(eid)
			if !ok {
				continue
			}
			if st.Attributes.DeviceClass == "power" && powerUnitRe.MatchString(st.Attributes.UnitOfMeasurement) {
				candidates = append(candidates, eid)
			}
		}
		if len(candidates) > 0 {
			mapping.StatPowerEntities[statID] = candidates
		}
		mapping.StatToDevice[statID] = entry.DeviceID
		mapping.DeviceEntities[entry.DeviceID] = byDevice[entry.DeviceID]
	}

	return mapping, nil
}
