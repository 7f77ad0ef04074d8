// Package ems implements the energy-management decision logic (§4.F), the
// stateful applier that clamps/ramps/writes it (§4.G), and the
// forced-charge/safe-power supplements carried over from the legacy
// charging strategy.
package ems

import (
	"time"

	"github.com/consus-energy/edge-agent/internal/state"
)

// Mode is the EMS power mode written to the device.
type Mode uint16

const (
	ModeAuto     Mode = 0x0001
	ModeImportAC Mode = 0x0004
)

// DecideInput is everything the pure Decider needs: the current instant,
// whether the unit is in a charge window and when that window ends, live
// readings, the settings/task snapshot, and the carried-forward hold
// latch.
type DecideInput struct {
	Now       time.Time
	InWindow  bool
	WindowEnd *time.Time // only meaningful when InWindow is true

	SoC      float64 // 0..1
	PVPowerW float64

	Settings state.GlobalSettings
	Task     state.ResolvedTask

	HoldUntil *time.Time
}

// DecideOutput is the mode/setpoint decision plus the hold latch to carry
// into the next tick.
type DecideOutput struct {
	Mode      Mode
	SetpointW float64
	HoldUntil *time.Time
}

// Decide is the pure EMS policy function of §4.F.
func Decide(in DecideInput) DecideOutput {
	target := in.Settings.TargetSoCPercent / 100.0
	base := in.Settings.ImportChargePowerW
	minImport := in.Settings.MinImportW

	if !in.InWindow {
		// Leaving (or never entering) the window clears any hold latch.
		return DecideOutput{Mode: ModeAuto, SetpointW: 0, HoldUntil: nil}
	}

	if in.SoC >= target*0.99 {
		hold := in.HoldUntil
		if hold == nil || !in.Now.Before(*hold) {
			hold = in.WindowEnd
		}
		return DecideOutput{Mode: ModeImportAC, SetpointW: 0, HoldUntil: hold}
	}

	var effective float64
	if base > 0 {
		effective = base - in.PVPowerW
		if effective < minImport {
			effective = minImport
		}
	}
	if in.Task.MaxImportLimitKW != nil && *in.Task.MaxImportLimitKW > 0 {
		capW := *in.Task.MaxImportLimitKW * 1000
		if effective > capW {
			effective = capW
		}
	}
	if effective < 0 {
		effective = 0
	}
	return DecideOutput{Mode: ModeImportAC, SetpointW: effective, HoldUntil: in.HoldUntil}
}
