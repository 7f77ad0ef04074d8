package ems

import (
	"context"
	"fmt"
	"time"

	"github.com/consus-energy/edge-agent/internal/state"
)

// RegisterIO is the subset of the field-bus adapter the applier drives.
type RegisterIO interface {
	Read(ctx context.Context, name string) (int64, error)
	Write(ctx context.Context, name string, value int64) (bool, error)
}

// Applier wraps the Decider with commissioning, clamping, ramping, and
// write-back. One Applier exists per unit and exclusively owns its EMS
// runtime state.
type Applier struct {
	consusID string

	commissioned   bool
	lastSetpointW  float64
	lastSetpointTS *time.Time
	holdUntil      *time.Time
}

// NewApplier builds an Applier for one unit.
func NewApplier(consusID string) *Applier {
	return &Applier{consusID: consusID}
}

// ApplyInput is everything one tick's Apply call needs.
type ApplyInput struct {
	Now      time.Time
	SoC      float64
	MeterP   float64
	PVPowerW float64

	Settings   state.GlobalSettings
	UnitConfig state.UnitConfig
	Task       state.ResolvedTask

	InWindow  bool
	WindowEnd *time.Time
}

// commissionIfNeeded performs the one-time commissioning writes. It is
// retried on the next tick if it failed, since a.commissioned is only set
// to true on full success.
func (a *Applier) commissionIfNeeded(ctx context.Context, io RegisterIO, settings state.GlobalSettings) {
	if a.commissioned {
		return
	}
	if _, err := io.Write(ctx, "manufacturer_code", 2); err != nil {
		return
	}
	if _, err := io.Write(ctx, "feed_power_enable", 1); err != nil {
		return
	}
	if _, err := io.Write(ctx, "export_power_cap", int64(settings.ExportCapW)); err != nil {
		return
	}
	if settings.ExternalMeter {
		if _, err := io.Write(ctx, "external_meter_enable", 1); err != nil {
			return
		}
	}
	if _, err := io.Write(ctx, "meter_target_power_offset", int64(settings.MeterBiasW)); err != nil {
		return
	}
	a.commissioned = true
}

// effectiveMaxChargeW resolves the unit-config-first, settings-fallback
// max charge power.
func effectiveMaxChargeW(cfg state.UnitConfig, settings state.GlobalSettings) float64 {
	if cfg.MaxChargeW > 0 {
		return cfg.MaxChargeW
	}
	return settings.MaxChargeW
}

func effectiveRampRate(cfg state.UnitConfig, settings state.GlobalSettings) float64 {
	if cfg.MaxRampRateWPerS > 0 {
		return cfg.MaxRampRateWPerS
	}
	return settings.MaxRampRateWPerS
}

// Apply runs one tick: decide, clamp, ramp, commission-if-needed, and
// write back through the write guard (via io.Write). It returns the mode
// and setpoint actually decided (which may differ from what was written,
// if the write guard dropped it).
func (a *Applier) Apply(ctx context.Context, io RegisterIO, in ApplyInput) (Mode, float64, error) {
	a.commissionIfNeeded(ctx, io, in.Settings)

	decision := Decide(DecideInput{
		Now: in.Now, InWindow: in.InWindow, WindowEnd: in.WindowEnd,
		SoC: in.SoC, PVPowerW: in.PVPowerW,
		Settings: in.Settings, Task: in.Task, HoldUntil: a.holdUntil,
	})
	a.holdUntil = decision.HoldUntil

	mode, setpoint := decision.Mode, decision.SetpointW
	maxChargeW := effectiveMaxChargeW(in.UnitConfig, in.Settings)
	rampRate := effectiveRampRate(in.UnitConfig, in.Settings)

	if mode == ModeImportAC {
		if setpoint < 0 {
			setpoint = 0
		}
		if maxChargeW > 0 && setpoint > maxChargeW {
			setpoint = maxChargeW
		}
		if rampRate > 0 && a.lastSetpointTS != nil {
			dt := in.Now.Sub(*a.lastSetpointTS)
			if dt < time.Millisecond {
				dt = time.Millisecond
			}
			maxDelta := rampRate * dt.Seconds()
			delta := setpoint - a.lastSetpointW
			if abs(delta) > maxDelta {
				direction := 1.0
				if delta < 0 {
					direction = -1.0
				}
				setpoint = a.lastSetpointW + direction*maxDelta
			}
		}
	} else {
		a.lastSetpointW = 0
		now := in.Now
		a.lastSetpointTS = &now
	}

	currentMode, err := io.Read(ctx, "ems_power_mode")
	if err != nil || Mode(currentMode) != mode {
		if _, werr := io.Write(ctx, "ems_power_mode", int64(mode)); werr != nil {
			return mode, setpoint, fmt.Errorf("ems: write mode: %w", werr)
		}
	}

	if mode == ModeImportAC {
		accepted, werr := io.Write(ctx, "ems_power_set", int64(setpoint))
		if werr != nil {
			return mode, setpoint, fmt.Errorf("ems: write setpoint: %w", werr)
		}
		if accepted {
			a.lastSetpointW = setpoint
			now := in.Now
			a.lastSetpointTS = &now
		}
	} else {
		_, _ = io.Write(ctx, "ems_power_set", 0)
	}

	a.applyAutoBiasTrim(ctx, io, in.Settings, mode, in.MeterP)
	return mode, setpoint, nil
}

func (a *Applier) applyAutoBiasTrim(ctx context.Context, io RegisterIO, settings state.GlobalSettings, mode Mode, meterP float64) {
	trim := settings.AutoBiasTrim
	if !trim.Enable || mode != ModeAuto {
		return
	}
	residual := meterP - trim.TargetW
	if abs(residual) <= trim.DeadbandW {
		return
	}
	currentBias, err := io.Read(ctx, "meter_target_power_offset")
	if err != nil {
		currentBias = 0
	}
	step := trim.StepW
	if residual < 0 {
		step = -step
	}
	newBias := clamp(float64(currentBias)+step, -500, 500)
	if int64(newBias) != currentBias {
		_, _ = io.Write(ctx, "meter_target_power_offset", int64(newBias))
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
