package ems

// ForcedChargeSetpoint computes the direct import setpoint used when the
// Task Evaluator yields forced_charging — a mode the Decider/Applier pair
// never handles, since the current dispatch path bypasses the window/hold
// logic entirely and charges at a fixed power until max SoC is reached.
func ForcedChargeSetpoint(soc, maxSoCPct, maxChargeW float64) float64 {
	maxSoC := maxSoCPct / 100.0
	if maxSoC <= 0 {
		maxSoC = 1.0
	}
	if soc >= maxSoC {
		return 0
	}
	cap := maxChargeW
	if cap <= 0 {
		cap = 2000
	}
	if cap > 2000 {
		cap = 2000
	}
	return cap
}

// SafeChargePowerInput bundles the guard rails applied to any requested
// charge power so it never drains a unit below reserve or overshoots max
// SoC within one tick, then ramp-limits the result.
type SafeChargePowerInput struct {
	RequestedW    float64 // positive = charge demand
	SoC           float64 // 0..1
	ReserveSoCPct float64
	MaxSoCPct     float64
	CapacityKWh   float64
	TimestepSec   float64
	MaxChargeW    float64 // 0 = unbounded
	RampRateWPerS float64 // 0 = no ramp limiting
	LastDispatchW float64
}

// SafeChargePower clamps a requested charge power so it cannot push soc
// past maxSoC within the tick, then ramp-limits against the last
// dispatched value.
func SafeChargePower(in SafeChargePowerInput) float64 {
	if in.CapacityKWh <= 0 || in.RequestedW <= 0 {
		return 0
	}
	maxSoC := in.MaxSoCPct / 100.0
	if maxSoC <= 0 {
		maxSoC = 1.0
	}
	if in.SoC >= maxSoC-0.001 {
		return 0
	}
	timestepHr := in.TimestepSec / 3600.0
	if timestepHr <= 0 {
		timestepHr = 1.0 / 3600.0
	}

	roomWh := (maxSoC - in.SoC) * in.CapacityKWh * 1000
	maxCharge := roomWh / timestepHr
	if in.MaxChargeW > 0 {
		maxCharge = min(maxCharge, in.MaxChargeW)
	}
	safe := min(in.RequestedW, maxCharge)
	if safe < 0 {
		safe = 0
	}

	if in.RampRateWPerS > 0 {
		maxDelta := in.RampRateWPerS * in.TimestepSec
		delta := safe - in.LastDispatchW
		if abs(delta) > maxDelta {
			direction := 1.0
			if delta < 0 {
				direction = -1.0
			}
			safe = in.LastDispatchW + direction*maxDelta
		}
	}
	return safe
}
