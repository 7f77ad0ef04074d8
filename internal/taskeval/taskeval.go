// Package taskeval implements the Task Evaluator (§4.H): the small,
// error-safe function that collapses edge status and per-unit battery mode
// into the three dispatch modes the Controller acts on.
package taskeval

import (
	"fmt"

	"github.com/consus-energy/edge-agent/internal/state"
)

// Mode is the collapsed dispatch mode the Controller drives off of.
type Mode string

const (
	ModeIdle           Mode = "idle"
	ModeActive         Mode = "active"
	ModeForcedCharging Mode = "forced_charging"
)

// DetermineMode collapses settings.edge_status and the unit's battery_mode
// into {idle, active, forced_charging}. Any evaluation error fails safe to
// idle, per spec.
func DetermineMode(settings state.GlobalSettings, unit state.UnitConfig) (mode Mode, err error) {
	defer func() {
		if r := recover(); r != nil {
			mode, err = ModeIdle, fmt.Errorf("taskeval: recovered: %v", r)
		}
	}()

	if settings.EdgeStatus != state.EdgeStatusActive {
		return ModeIdle, nil
	}
	switch unit.BatteryMode {
	case state.BatteryModeIdle:
		return ModeIdle, nil
	case state.BatteryModeForcedCharging:
		return ModeForcedCharging, nil
	default:
		return ModeActive, nil
	}
}
