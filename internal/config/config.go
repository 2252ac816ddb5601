package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultTopDevicesMax = 4
	maxTopDevices        = 8
)

// Card describes one dashboard card instance: which entities it tracks and
// which derived metrics it shows. Mirrors the hub-side card configuration.
type Card struct {
	ProductionEntity         string `toml:"production_entity"`
	CurrentConsumptionEntity string `toml:"current_consumption_entity"`
	YieldTodayEntity         string `toml:"yield_today_entity"`
	GridTodayEntity          string `toml:"grid_consumption_today_entity"`
	TotalYieldEntity         string `toml:"total_yield_entity"`
	TotalGridEntity          string `toml:"total_grid_consumption_entity"`
	BatteryPercentEntity     string `toml:"battery_percentage_entity"`
	BatteryCapacityEntity    string `toml:"battery_capacity_entity"`
	InverterStateEntity      string `toml:"inverter_state_entity"`
	InverterModeEntity       string `toml:"inverter_mode_entity"`
	WeatherEntity            string `toml:"weather_entity"`
	SolarForecastEntity      string `toml:"solar_forecast_today_entity"`

	ShowTopDevices bool     `toml:"show_top_devices"`
	TopDevicesMax  int      `toml:"top_devices_max"`
	TrendEntities  []string `toml:"trend_graph_entities"`
}

// Entities lists every configured entity id, in declaration order, for
// watched-set construction.
func (c Card) Entities() []string {
	all := []string{
		c.ProductionEntity,
		c.CurrentConsumptionEntity,
		c.YieldTodayEntity,
		c.GridTodayEntity,
		c.BatteryPercentEntity,
		c.InverterStateEntity,
		c.TotalYieldEntity,
		c.TotalGridEntity,
		c.BatteryCapacityEntity,
		c.InverterModeEntity,
		c.WeatherEntity,
		c.SolarForecastEntity,
	}
	var out []string
	for _, eid := range all {
		if eid != "" {
			out = append(out, eid)
		}
	}
	out = append(out, c.TrendEntities...)
	return out
}

// Load parses a card configuration file and applies defaults. A missing file
// is an error: a card tracking nothing is useless.
func Load(path string) (Card, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Card{}, fmt.Errorf("read card config: %w", err)
	}

	var cfg Card
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Card{}, fmt.Errorf("parse card config: %w", err)
	}

	cfg.TopDevicesMax = clampMax(cfg.TopDevicesMax)
	return cfg, nil
}

func clampMax(n int) int {
	if n <= 0 {
		return defaultTopDevicesMax
	}
	if n > maxTopDevices {
		return maxTopDevices
	}
	return n
}
