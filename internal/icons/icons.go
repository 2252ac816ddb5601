package icons

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/terminal-bench/solarwatch/internal/hub"
)

// Fallback is the generic icon used when no strategy resolves.
const Fallback = "mdi:power-plug"

// domainPreference orders entity domains by how identity-defining they are
// for a device. A plug with both a switch and a power sensor should show the
// switch's icon, not an arbitrary one.
var domainPreference = []string{
	"light",
	"switch",
	"climate",
	"fan",
	"vacuum",
	"media_player",
	"water_heater",
	"humidifier",
	"cover",
}

// EntityStrategy is one step of the entity icon chain. It returns "" when it
// has no answer and the next strategy should be tried.
type EntityStrategy func(snap hub.Snapshot, entityID string) string

var entityChain = []EntityStrategy{
	explicitIcon,
	batteryIcon,
	domainIcon,
}

// ForEntity resolves a display icon for an entity from its live state.
func ForEntity(snap hub.Snapshot, entityID string) string {
	if _, ok := snap.Get(entityID); !ok {
		return Fallback
	}
	for _, strat := range entityChain {
		if icon := strat(snap, entityID); icon != "" {
			return icon
		}
	}
	return Fallback
}

func explicitIcon(snap hub.Snapshot, entityID string) string {
	st, _ := snap.Get(entityID)
	return st.Attributes.Icon
}

// batteryIcon derives a level icon for battery-class entities: the
// percentage bucketed to its decile, with a charging variant.
func batteryIcon(snap hub.Snapshot, entityID string) string {
	st, _ := snap.Get(entityID)
	if st.Attributes.DeviceClass != "battery" {
		return ""
	}
	level, err := strconv.ParseFloat(st.State, 64)
	if err != nil && st.Attributes.BatteryLevel != nil {
		level, err = *st.Attributes.BatteryLevel, nil
	}
	if err != nil {
		return "mdi:battery-alert-variant-outline"
	}

	charging := st.Attributes.Charging
	switch {
	case level >= 100:
		if charging {
			return "mdi:battery-charging-100"
		}
		return "mdi:battery"
	case level < 10:
		if charging {
			return "mdi:battery-charging-outline"
		}
		return "mdi:battery-outline"
	}
	decile := int(level/10) * 10
	if charging {
		return fmt.Sprintf("mdi:battery-charging-%d", decile)
	}
	return fmt.Sprintf("mdi:battery-%d", decile)
}

func domainIcon(snap hub.Snapshot, entityID string) string {
	st, _ := snap.Get(entityID)
	switch hub.Domain(entityID) {
	case "light":
		return "mdi:lightbulb"
	case "switch":
		return "mdi:power-plug"
	case "fan":
		return "mdi:fan"
	case "climate":
		return "mdi:thermostat"
	case "sensor":
		switch st.Attributes.DeviceClass {
		case "power":
			return "mdi:flash"
		case "energy":
			return "mdi:lightning-bolt"
		}
	}
	return ""
}

// DeviceContext is the lookup state the device icon chain reads. All maps
// come from one atomically-built power mapping.
type DeviceContext struct {
	StatToDevice   map[string]string
	DeviceIcons    map[string]string
	DeviceEntities map[string][]string
	EntityRegistry map[string]hub.RegistryEntry
}

// DeviceStrategy is one step of the device icon chain.
type DeviceStrategy func(ctx DeviceContext, snap hub.Snapshot, deviceID string) string

var deviceChain = []DeviceStrategy{
	deviceRegistryIcon,
	registryIconByDomain,
	registryIconAny,
	stateIconByDomain,
	stateIconAny,
	entityHeuristicByDomain,
	entityHeuristicAny,
}

// ForDevice resolves a display icon for the device behind a consumption
// statistic.
func ForDevice(ctx DeviceContext, snap hub.Snapshot, statID string) string {
	deviceID, ok := ctx.StatToDevice[statID]
	if !ok {
		return Fallback
	}
	for _, strat := range deviceChain {
		if icon := strat(ctx, snap, deviceID); icon != "" {
			return icon
		}
	}
	return Fallback
}

func deviceRegistryIcon(ctx DeviceContext, _ hub.Snapshot, deviceID string) string {
	return ctx.DeviceIcons[deviceID]
}

// preferredDomains visits entities in domain-preference order: for each
// preferred domain, the device's first entity in that domain. fn returns the
// icon or "" to keep looking.
func preferredDomains(entities []string, fn func(entityID string) string) string {
	for _, dom := range domainPreference {
		prefix := dom + "."
		for _, eid := range entities {
			if strings.HasPrefix(eid, prefix) {
				if icon := fn(eid); icon != "" {
					return icon
				}
				break
			}
		}
	}
	return ""
}

func registryIconByDomain(ctx DeviceContext, _ hub.Snapshot, deviceID string) string {
	return preferredDomains(ctx.DeviceEntities[deviceID], func(eid string) string {
		return ctx.EntityRegistry[eid].Icon
	})
}

func registryIconAny(ctx DeviceContext, _ hub.Snapshot, deviceID string) string {
	for _, eid := range ctx.DeviceEntities[deviceID] {
		if icon := ctx.EntityRegistry[eid].Icon; icon != "" {
			return icon
		}
	}
	return ""
}

func stateIconByDomain(ctx DeviceContext, snap hub.Snapshot, deviceID string) string {
	return preferredDomains(ctx.DeviceEntities[deviceID], func(eid string) string {
		st, _ := snap.Get(eid)
		return st.Attributes.Icon
	})
}

func stateIconAny(ctx DeviceContext, snap hub.Snapshot, deviceID string) string {
	for _, eid := range ctx.DeviceEntities[deviceID] {
		if st, ok := snap.Get(eid); ok && st.Attributes.Icon != "" {
			return st.Attributes.Icon
		}
	}
	return ""
}

func entityHeuristicByDomain(ctx DeviceContext, snap hub.Snapshot, deviceID string) string {
	return preferredDomains(ctx.DeviceEntities[deviceID], func(eid string) string {
		return ForEntity(snap, eid)
	})
}

func entityHeuristicAny(ctx DeviceContext, snap hub.Snapshot, deviceID string) string {
	for _, eid := range ctx.DeviceEntities[deviceID] {
		if _, ok := snap.Get(eid); ok {
			return ForEntity(snap, eid)
		}
	}
	return ""
}
