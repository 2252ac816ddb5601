package units

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Energy represents a cumulative energy counter reading. The unit is
// whatever the sensor reports; deltas only make sense between readings of
// the same sensor.
type Energy struct {
	value decimal.Decimal
}

// Power represents an instantaneous power draw normalized to watts.
type Power struct {
	value decimal.Decimal
}

var kilo = decimal.NewFromInt(1000)

// ParseEnergy parses a raw counter state. Placeholder states and
// non-numeric strings are rejected.
func ParseEnergy(raw string) (Energy, bool) {
	d, ok := parseNumeric(raw)
	if !ok {
		return Energy{}, false
	}
	return Energy{value: d}, true
}

// Sub returns the counter increase from other to e, clamped at zero. A
// negative difference indicates a counter reset, not consumption.
func (e Energy) Sub(other Energy) Energy {
	d := e.value.Sub(other.value)
	if d.IsNegative() {
		return Energy{}
	}
	return Energy{value: d}
}

// Float returns the counter value as a float64.
func (e Energy) Float() float64 {
	f, _ := e.value.Float64()
	return f
}

// ParsePower parses a raw power state with its unit, normalizing
// kilowatt-scaled units to watts.
func ParsePower(raw, unit string) (Power, bool) {
	d, ok := parseNumeric(raw)
	if !ok {
		return Power{}, false
	}
	if strings.Contains(strings.ToLower(unit), "kw") {
		d = d.Mul(kilo)
	}
	return Power{value: d}, true
}

// PowerFromWatts builds a Power from a watt value.
func PowerFromWatts(w float64) Power {
	return Power{value: decimal.NewFromFloat(w)}
}

// Watts returns the value in watts.
func (p Power) Watts() float64 {
	f, _ := p.value.Float64()
	return f
}

// GreaterThan reports p > other.
func (p Power) GreaterThan(other Power) bool {
	return p.value.GreaterThan(other.value)
}

// IsPositive reports p > 0.
func (p Power) IsPositive() bool {
	return p.value.IsPositive()
}

// ClampZero returns p, or zero power when p is negative.
func (p Power) ClampZero() Power {
	if p.value.IsNegative() {
		return Power{}
	}
	return p
}

func parseNumeric(raw string) (decimal.Decimal, bool) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "", "unknown", "unavailable", "none", "nan", "inf", "-inf", "+inf":
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
