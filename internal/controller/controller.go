// Package controller runs the per-unit 1 Hz tick (§4.J): drains health
// intents, determines dispatch mode, aggregates PV telemetry, and either
// clears a stale setpoint or invokes the EMS applier.
package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/consus-energy/edge-agent/internal/ems"
	"github.com/consus-energy/edge-agent/internal/health"
	"github.com/consus-energy/edge-agent/internal/state"
	"github.com/consus-energy/edge-agent/internal/taskeval"
	"github.com/consus-energy/edge-agent/internal/telemetry/logging"
	"github.com/consus-energy/edge-agent/internal/telemetry/metrics"
)

// RegisterIO is the field-bus surface the controller drives directly (PV
// aggregation and the idle manual-dispatch path); the EMS applier is
// driven through its own narrower interface.
type RegisterIO interface {
	ems.RegisterIO
	ReadAll(ctx context.Context, includePV bool) map[string]*int64
}

// IntentSource is the subset of *health.Monitor the controller drains each
// tick.
type IntentSource interface {
	DrainIntents() []health.Intent
}

// TaskSource resolves a unit's settings/config/task snapshot once per tick.
type TaskSource interface {
	Settings() state.GlobalSettings
	BatteryConfig(consusID string) (state.UnitConfig, bool)
	InChargeWindow(consusID string, nowLocal time.Time) bool
	CurrentWindowEnd(consusID string, nowLocal time.Time) (time.Time, bool)
	GetTask(consusID string, day state.Date) (state.ResolvedTask, bool)
}

// Record is the telemetry line the controller hands to the backend sink
// each tick.
type Record struct {
	ConsusID string
	Mode     string
	UTC      time.Time
	Payload  map[string]any
}

// Controller owns one unit's tick state: the EMS applier instance and the
// fault-safe latch, both of which persist across ticks.
type Controller struct {
	consusID  string
	applier   *ems.Applier
	faultSafe bool

	lastForcedSetpointW float64

	log logging.Logger
	mx  *metrics.Metrics
}

// New builds a Controller for one unit.
func New(consusID string, log logging.Logger, mx *metrics.Metrics) *Controller {
	return &Controller{
		consusID: consusID,
		applier:  ems.NewApplier(consusID),
		log:      log,
		mx:       mx,
	}
}

// Tick runs one 1 Hz cycle. It never returns an error to the caller: a
// panic is recovered and surfaced as an error Record with mode "error",
// per spec's fail-safe posture. An error returned by the EMS applier is
// logged and reported under the payload's "ems_error" key; the Record
// keeps the dispatch mode.
func (c *Controller) Tick(ctx context.Context, io RegisterIO, intents IntentSource, tasks TaskSource, now time.Time) (rec Record) {
	defer func() {
		if r := recover(); r != nil {
			if c.mx != nil {
				c.mx.ControllerTickErrors.WithLabelValues(c.consusID).Inc()
			}
			if c.log != nil {
				c.log.ErrorCtx(ctx, "controller: tick panic", "consus_id", c.consusID, "panic", r)
			}
			rec = Record{ConsusID: c.consusID, Mode: "error", UTC: now, Payload: map[string]any{"error": fmt.Sprintf("%v", r)}}
		}
	}()

	for _, in := range intents.DrainIntents() {
		if in.Kind == health.IntentFaultSafe {
			c.faultSafe = true
		}
	}

	settings := tasks.Settings()
	unit, _ := tasks.BatteryConfig(c.consusID)

	mode, err := taskeval.DetermineMode(settings, unit)
	if err != nil {
		mode = taskeval.ModeIdle
	}
	if c.faultSafe {
		mode = taskeval.ModeIdle
	}

	readings := io.ReadAll(ctx, unit.PVEnabled)
	pvTotal, pvTotalACIncluded := aggregatePV(readings)

	payload := map[string]any{
		"pv_power_total":              pvTotal,
		"pv_power_total_ac_included":  pvTotalACIncluded,
	}

	if mode == taskeval.ModeIdle {
		c.dispatchIdle(ctx, io)
		payload["dispatch"] = "idle"
		return Record{ConsusID: c.consusID, Mode: string(mode), UTC: now, Payload: payload}
	}

	soc, _ := io.Read(ctx, "battery_soc")
	meterP, _ := io.Read(ctx, "meter_total_active_power")

	day := state.DateOf(now)
	task, _ := tasks.GetTask(c.consusID, day)
	inWindow := tasks.InChargeWindow(c.consusID, now)
	var windowEndPtr *time.Time
	if inWindow {
		if end, ok := tasks.CurrentWindowEnd(c.consusID, now); ok {
			windowEndPtr = &end
		}
	}

	if mode == taskeval.ModeForcedCharging {
		requested := ems.ForcedChargeSetpoint(float64(soc)/100.0, unit.MaxSoCPct, forcedChargePowerW(unit, settings))
		setpoint := ems.SafeChargePower(ems.SafeChargePowerInput{
			RequestedW:    requested,
			SoC:           float64(soc) / 100.0,
			ReserveSoCPct: unit.ReserveSoCPct,
			MaxSoCPct:     unit.MaxSoCPct,
			CapacityKWh:   unit.CapacityKWh,
			TimestepSec:   timestepSeconds(settings),
			MaxChargeW:    forcedChargePowerW(unit, settings),
			RampRateWPerS: rampRateWPerS(unit, settings),
			LastDispatchW: c.lastForcedSetpointW,
		})
		if _, werr := io.Write(ctx, "ems_power_mode", int64(ems.ModeImportAC)); werr == nil {
			_, _ = io.Write(ctx, "ems_power_set", int64(setpoint))
		}
		c.lastForcedSetpointW = setpoint
		payload["dispatch"] = "forced_charging"
		payload["setpoint_w"] = setpoint
		return Record{ConsusID: c.consusID, Mode: string(mode), UTC: now, Payload: payload}
	}

	emsMode, setpoint, applyErr := c.applier.Apply(ctx, io, ems.ApplyInput{
		Now: now, SoC: float64(soc) / 100.0, MeterP: float64(meterP), PVPowerW: pvTotalACIncluded,
		Settings: settings, UnitConfig: unit, Task: task,
		InWindow: inWindow, WindowEnd: windowEndPtr,
	})
	if applyErr != nil {
		if c.log != nil {
			c.log.WarnCtx(ctx, "controller: ems apply failed", "consus_id", c.consusID, "error", applyErr)
		}
		payload["ems_error"] = applyErr.Error()
	}
	payload["ems_mode"] = emsMode
	payload["setpoint_w"] = setpoint
	return Record{ConsusID: c.consusID, Mode: string(mode), UTC: now, Payload: payload}
}

func forcedChargePowerW(unit state.UnitConfig, settings state.GlobalSettings) float64 {
	if unit.ForcedChargePowerW > 0 {
		return unit.ForcedChargePowerW
	}
	return settings.ImportChargePowerW
}

// timestepSeconds derives the tick duration SafeChargePower ramp-limits
// against from the configured tick rate, defaulting to 1s.
func timestepSeconds(settings state.GlobalSettings) float64 {
	if settings.TickHz > 0 {
		return 1.0 / settings.TickHz
	}
	return 1.0
}

// rampRateWPerS resolves the per-unit ramp rate, falling back to the
// site-wide default when the unit doesn't set its own (mirrors
// forcedChargePowerW's unit-overrides-settings precedence).
func rampRateWPerS(unit state.UnitConfig, settings state.GlobalSettings) float64 {
	if unit.MaxRampRateWPerS > 0 {
		return unit.MaxRampRateWPerS
	}
	return settings.MaxRampRateWPerS
}

// dispatchIdle issues the legacy two-register manual dispatch (mode=0 at
// one address, magnitude=0 at another) to clear any stale setpoint.
func (c *Controller) dispatchIdle(ctx context.Context, io RegisterIO) {
	_, _ = io.Write(ctx, "ems_power_mode", 0)
	_, _ = io.Write(ctx, "ems_power_set", 0)
}

// aggregatePV sums pv1..4_power and mppt_power_1..5 when present
// (pv_power_total), then adds ct2_active_power if numeric
// (pv_power_total_ac_included).
func aggregatePV(readings map[string]*int64) (total, totalACIncluded float64) {
	for name, v := range readings {
		if v == nil {
			continue
		}
		if isPVSumComponent(name) {
			total += float64(*v)
		}
	}
	totalACIncluded = total
	if v, ok := readings["ct2_active_power"]; ok && v != nil {
		totalACIncluded += float64(*v)
	}
	return total, totalACIncluded
}

func isPVSumComponent(name string) bool {
	if len(name) == len("pv1_power") && strings.HasPrefix(name, "pv") && strings.HasSuffix(name, "_power") {
		return name[2] >= '1' && name[2] <= '4'
	}
	if len(name) == len("mppt_power_1") && strings.HasPrefix(name, "mppt_power_") {
		return name[11] >= '1' && name[11] <= '5'
	}
	return false
}
