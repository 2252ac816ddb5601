package devices

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/solarwatch/internal/hub"
	"github.com/terminal-bench/solarwatch/internal/registry"
)

type fakeRegistrySvc struct {
	entities []hub.RegistryEntry
	devices  []hub.Device
}

func (f *fakeRegistrySvc) ListEntities(ctx context.Context) ([]hub.RegistryEntry, error) {
	return f.entities, nil
}

func (f *fakeRegistrySvc) ListDevices(ctx context.Context) ([]hub.Device, error) {
	return f.devices, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func powerState(entityID, state, unit string) hub.State {
	return hub.State{
		EntityID: entityID,
		State:    state,
		Attributes: hub.Attributes{
			DeviceClass:       "power",
			UnitOfMeasurement: unit,
		},
	}
}

func acFixture() (*fakeRegistrySvc, hub.Snapshot) {
	svc := &fakeRegistrySvc{
		entities: []hub.RegistryEntry{
			{EntityID: "sensor.ac_energy", DeviceID: "dev-ac"},
			{EntityID: "sensor.ac_power", DeviceID: "dev-ac"},
			{EntityID: "sensor.ac_on", DeviceID: "dev-ac"},
			{EntityID: "sensor.orphan"},
		},
		devices: []hub.Device{
			{ID: "dev-ac", Name: "Air Conditioner", Icon: "mdi:air-conditioner"},
		},
	}
	snap := hub.Snapshot{
		"sensor.ac_power": powerState("sensor.ac_power", "350", "W"),
		"sensor.ac_on": {
			EntityID:   "sensor.ac_on",
			State:      "on",
			Attributes: hub.Attributes{},
		},
	}
	return svc, snap
}

func TestBuildMapping(t *testing.T) {
	t.Run("should resolve power candidates for a tracked device", func(t *testing.T) {
		svc, snap := acFixture()
		m := NewMapper(registry.NewCache(svc, testLogger()))

		prefs := []hub.ConsumptionPreference{{StatConsumption: "sensor.ac_energy", Name: "AC"}}
		mapping, err := m.Build(context.Background(), prefs, snap)
		require.NoError(t, err)

		assert.Equal(t, "dev-ac", mapping.StatToDevice["sensor.ac_energy"])
		assert.Equal(t, []string{"sensor.ac_power"}, mapping.StatPowerEntities["sensor.ac_energy"])
		assert.ElementsMatch(t,
			[]string{"sensor.ac_energy", "sensor.ac_power", "sensor.ac_on"},
			mapping.DeviceEntities["dev-ac"])
		assert.Equal(t, "mdi:air-conditioner", mapping.DeviceIcons["dev-ac"])
	})

	t.Run("should skip preferences without a dot-qualified domain", func(t *testing.T) {
		svc, snap := acFixture()
		m := NewMapper(registry.NewCache(svc, testLogger()))

		prefs := []hub.ConsumptionPreference{{StatConsumption: "external_stat:meter", Name: "Meter"}}
		mapping, err := m.Build(context.Background(), prefs, snap)
		require.NoError(t, err)
		assert.Empty(t, mapping.StatToDevice)
		assert.Empty(t, mapping.StatPowerEntities)
	})

	t.Run("should skip statistics with no registry entry or device", func(t *testing.T) {
		svc, snap := acFixture()
		m := NewMapper(registry.NewCache(svc, testLogger()))

		prefs := []hub.ConsumptionPreference{
			{StatConsumption: "sensor.unregistered"},
			{StatConsumption: "sensor.orphan"},
		}
		mapping, err := m.Build(context.Background(), prefs, snap)
		require.NoError(t, err)
		assert.Empty(t, mapping.StatToDevice)
	})

	t.Run("should keep stat to device link even without power candidates", func(t *testing.T) {
		svc, snap := acFixture()
		delete(snap, "sensor.ac_power")
		m := NewMapper(registry.NewCache(svc, testLogger()))

		prefs := []hub.ConsumptionPreference{{StatConsumption: "sensor.ac_energy"}}
		mapping, err := m.Build(context.Background(), prefs, snap)
		require.NoError(t, err)

		assert.Equal(t, "dev-ac", mapping.StatToDevice["sensor.ac_energy"])
		assert.Empty(t, mapping.StatPowerEntities)
	})

	t.Run("should only accept power class entities with watt units", func(t *testing.T) {
		svc, snap := acFixture()
		snap["sensor.ac_power"] = powerState("sensor.ac_power", "350", "°C")
		snap["sensor.ac_kw"] = powerState("sensor.ac_kw", "0.35", "kW")
		svc.entities = append(svc.entities, hub.RegistryEntry{EntityID: "sensor.ac_kw", DeviceID: "dev-ac"})
		m := NewMapper(registry.NewCache(svc, testLogger()))

		prefs := []hub.ConsumptionPreference{{StatConsumption: "sensor.ac_energy"}}
		mapping, err := m.Build(context.Background(), prefs, snap)
		require.NoError(t, err)
		assert.Equal(t, []string{"sensor.ac_kw"}, mapping.StatPowerEntities["sensor.ac_energy"])
	})

	t.Run("every power key has a device key", func(t *testing.T) {
		svc, snap := acFixture()
		m := NewMapper(registry.NewCache(svc, testLogger()))

		prefs := []hub.ConsumptionPreference{{StatConsumption: "sensor.ac_energy"}}
		mapping, err := m.Build(context.Background(), prefs, snap)
		require.NoError(t, err)
		for stat := range mapping.StatPowerEntities {
			_, ok := mapping.StatToDevice[stat]
			assert.True(t, ok, stat)
		}
	})
}

func TestPowerEntities(t *testing.T) {
	t.Run("should deduplicate entities across statistics", func(t *testing.T) {
		mapping := &PowerMapping{
			StatPowerEntities: map[string][]string{
				"sensor.a_energy": {"sensor.shared_power"},
				"sensor.b_energy": {"sensor.shared_power", "sensor.b_power"},
			},
		}
		assert.ElementsMatch(t, []string{"sensor.shared_power", "sensor.b_power"}, mapping.PowerEntities())
	})
}
