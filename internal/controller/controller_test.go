package controller

import (
	"context"
	"testing"
	"time"

	"github.com/consus-energy/edge-agent/internal/health"
	"github.com/consus-energy/edge-agent/internal/state"
	"github.com/stretchr/testify/require"
)

type fakeIO struct {
	values map[string]int64
	writes map[string]int64
}

func newFakeIO() *fakeIO {
	return &fakeIO{values: map[string]int64{"ems_power_mode": 1}, writes: map[string]int64{}}
}

func (f *fakeIO) Read(ctx context.Context, name string) (int64, error) {
	return f.values[name], nil
}

func (f *fakeIO) Write(ctx context.Context, name string, value int64) (bool, error) {
	f.writes[name] = value
	f.values[name] = value
	return true, nil
}

func (f *fakeIO) ReadAll(ctx context.Context, includePV bool) map[string]*int64 {
	out := map[string]*int64{}
	for k, v := range f.values {
		vv := v
		out[k] = &vv
	}
	return out
}

type noIntents struct{}

func (noIntents) DrainIntents() []health.Intent { return nil }

type latchedIntents struct{ drained bool }

func (l *latchedIntents) DrainIntents() []health.Intent {
	if l.drained {
		return nil
	}
	l.drained = true
	return []health.Intent{{Kind: health.IntentFaultSafe}}
}

type fakeTasks struct {
	settings state.GlobalSettings
	units    map[string]state.UnitConfig
}

func (f *fakeTasks) Settings() state.GlobalSettings { return f.settings }
func (f *fakeTasks) BatteryConfig(consusID string) (state.UnitConfig, bool) {
	u, ok := f.units[consusID]
	return u, ok
}
func (f *fakeTasks) InChargeWindow(consusID string, nowLocal time.Time) bool { return false }
func (f *fakeTasks) CurrentWindowEnd(consusID string, nowLocal time.Time) (time.Time, bool) {
	return time.Time{}, false
}
func (f *fakeTasks) GetTask(consusID string, day state.Date) (state.ResolvedTask, bool) {
	return state.ResolvedTask{}, false
}

func TestTickIdleWhenUnitIdle(t *testing.T) {
	io := newFakeIO()
	tasks := &fakeTasks{
		settings: state.GlobalSettings{EdgeStatus: state.EdgeStatusActive},
		units:    map[string]state.UnitConfig{"u1": {BatteryMode: state.BatteryModeIdle}},
	}
	c := New("u1", nil, nil)
	rec := c.Tick(context.Background(), io, noIntents{}, tasks, time.Now())
	require.Equal(t, "idle", rec.Mode)
	require.Equal(t, int64(0), io.writes["ems_power_mode"])
	require.Equal(t, int64(0), io.writes["ems_power_set"])
}

func TestTickFaultSafeLatchesAcrossTicks(t *testing.T) {
	io := newFakeIO()
	tasks := &fakeTasks{
		settings: state.GlobalSettings{EdgeStatus: state.EdgeStatusActive},
		units:    map[string]state.UnitConfig{"u1": {BatteryMode: state.BatteryModeActive}},
	}
	c := New("u1", nil, nil)
	intents := &latchedIntents{}

	rec := c.Tick(context.Background(), io, intents, tasks, time.Now())
	require.Equal(t, "idle", rec.Mode, "fault_safe overrides active to idle")

	rec2 := c.Tick(context.Background(), io, intents, tasks, time.Now())
	require.Equal(t, "idle", rec2.Mode, "fault_safe must persist once intents are drained")
}

func TestTickForcedChargingRampLimitsSetpoint(t *testing.T) {
	io := newFakeIO()
	io.values["battery_soc"] = 50
	tasks := &fakeTasks{
		settings: state.GlobalSettings{EdgeStatus: state.EdgeStatusActive, TickHz: 1},
		units: map[string]state.UnitConfig{"u1": {
			BatteryMode:      state.BatteryModeForcedCharging,
			CapacityKWh:      10,
			MaxSoCPct:        100,
			MaxChargeW:       3000,
			MaxRampRateWPerS: 500,
		}},
	}
	c := New("u1", nil, nil)

	rec1 := c.Tick(context.Background(), io, noIntents{}, tasks, time.Now())
	require.Equal(t, "forced_charging", rec1.Mode)
	require.Equal(t, 500.0, rec1.Payload["setpoint_w"], "first tick ramp-limited from 0")

	rec2 := c.Tick(context.Background(), io, noIntents{}, tasks, time.Now())
	require.Equal(t, 1000.0, rec2.Payload["setpoint_w"], "second tick ramps by another 500W")
}

func TestTickForcedChargingStopsAtMaxSoC(t *testing.T) {
	io := newFakeIO()
	io.values["battery_soc"] = 100
	tasks := &fakeTasks{
		settings: state.GlobalSettings{EdgeStatus: state.EdgeStatusActive, TickHz: 1},
		units: map[string]state.UnitConfig{"u1": {
			BatteryMode: state.BatteryModeForcedCharging,
			CapacityKWh: 10,
			MaxSoCPct:   100,
			MaxChargeW:  3000,
		}},
	}
	c := New("u1", nil, nil)

	rec := c.Tick(context.Background(), io, noIntents{}, tasks, time.Now())
	require.Equal(t, 0.0, rec.Payload["setpoint_w"])
	require.Equal(t, int64(0), io.writes["ems_power_set"])
}

func TestAggregatePVSumsComponentsAndACIncluded(t *testing.T) {
	one, two, three := int64(100), int64(200), int64(50)
	readings := map[string]*int64{
		"pv1_power":        &one,
		"mppt_power_1":     &two,
		"ct2_active_power": &three,
		"other_register":   &three,
	}
	total, totalAC := aggregatePV(readings)
	require.Equal(t, 300.0, total)
	require.Equal(t, 350.0, totalAC)
}
