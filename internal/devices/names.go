package devices

import (
	"regexp"
	"strings"
)

var leadingSeparators = regexp.MustCompile(`^[\s\-—–:|•·.]+`)

// DeviceNameForEntity returns the registry name of the device behind an
// entity, or "" when unresolvable.
func (m *PowerMapping) DeviceNameForEntity(entityID string) string {
	if entityID == "" {
		return ""
	}
	entry, ok := m.EntityRegistry[entityID]
	if !ok || entry.DeviceID == "" {
		return ""
	}
	return m.DeviceNames[entry.DeviceID]
}

// StripDeviceName removes the owning device's name from an entity display
// name, so "Living Room Plug Power" renders as "Power" next to the device
// badge. Falls back to the original name when stripping would leave nothing.
func (m *PowerMapping) StripDeviceName(name, entityID string) string {
	original := strings.TrimSpace(name)
	dev := m.DeviceNameForEntity(entityID)
	if dev == "" {
		return original
	}
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(dev))
	if err != nil {
		return original
	}
	out := strings.TrimSpace(re.ReplaceAllString(original, ""))
	out = strings.TrimSpace(leadingSeparators.ReplaceAllString(out, ""))
	if out == "" {
		return original
	}
	return out
}
