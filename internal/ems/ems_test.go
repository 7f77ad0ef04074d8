package ems

import (
	"context"
	"testing"
	"time"

	"github.com/consus-energy/edge-agent/internal/state"
	"github.com/stretchr/testify/require"
)

type fakeRegisters struct {
	values map[string]int64
	writes []string
}

func newFakeRegisters() *fakeRegisters {
	return &fakeRegisters{values: map[string]int64{"ems_power_mode": int64(ModeAuto)}}
}

func (f *fakeRegisters) Read(ctx context.Context, name string) (int64, error) {
	return f.values[name], nil
}

func (f *fakeRegisters) Write(ctx context.Context, name string, value int64) (bool, error) {
	f.values[name] = value
	f.writes = append(f.writes, name)
	return true, nil
}

func TestChargeRamp(t *testing.T) {
	io := newFakeRegisters()
	a := NewApplier("u1")
	cfg := state.UnitConfig{MaxChargeW: 3000, MaxRampRateWPerS: 500}
	settings := state.GlobalSettings{ImportChargePowerW: 5000, TargetSoCPercent: 100}

	start := time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC)
	lastTS := start.Add(-1 * time.Second)
	a.lastSetpointTS = &lastTS
	a.lastSetpointW = 0

	mode, sp, err := a.Apply(context.Background(), io, ApplyInput{
		Now: start, SoC: 0.5, Settings: settings, UnitConfig: cfg,
		InWindow: true,
	})
	require.NoError(t, err)
	require.Equal(t, ModeImportAC, mode)
	require.InDelta(t, 500, sp, 0.01, "first tick must ramp-limit to 500W")

	next := start.Add(1 * time.Second)
	mode, sp, err = a.Apply(context.Background(), io, ApplyInput{
		Now: next, SoC: 0.5, Settings: settings, UnitConfig: cfg, InWindow: true,
	})
	require.NoError(t, err)
	require.Equal(t, ModeImportAC, mode)
	require.InDelta(t, 1000, sp, 0.01)
}

func TestHoldLatch(t *testing.T) {
	windowEnd := time.Date(2026, 7, 30, 5, 0, 0, 0, time.UTC)
	out := Decide(DecideInput{
		Now: time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC),
		InWindow: true, WindowEnd: &windowEnd,
		SoC: 0.995,
		Settings: state.GlobalSettings{TargetSoCPercent: 100},
	})
	require.Equal(t, ModeImportAC, out.Mode)
	require.Equal(t, 0.0, out.SetpointW)
	require.NotNil(t, out.HoldUntil)
	require.Equal(t, windowEnd, *out.HoldUntil)

	after := Decide(DecideInput{
		Now:       time.Date(2026, 7, 30, 5, 1, 0, 0, time.UTC),
		InWindow:  false,
		SoC:       0.8,
		Settings:  state.GlobalSettings{TargetSoCPercent: 100},
		HoldUntil: out.HoldUntil,
	})
	require.Equal(t, ModeAuto, after.Mode)
	require.Nil(t, after.HoldUntil)
}

func TestForcedChargeSetpointStopsAtMaxSoC(t *testing.T) {
	require.Equal(t, 0.0, ForcedChargeSetpoint(1.0, 100, 2000))
	require.Equal(t, 1500.0, ForcedChargeSetpoint(0.5, 100, 1500))
	require.Equal(t, 2000.0, ForcedChargeSetpoint(0.5, 100, 5000), "forced charge is capped at 2000W")
}
