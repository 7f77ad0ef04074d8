// Package state holds the thread-safe store of settings, per-unit config,
// and tasks, plus the task merge (§4.D) and window resolution (§4.E) logic
// built on top of it.
package state

import (
	"fmt"
	"time"
)

// EdgeStatus is the global operating status of the LAN zone.
type EdgeStatus string

const (
	EdgeStatusActive   EdgeStatus = "active"
	EdgeStatusPaused   EdgeStatus = "paused"
	EdgeStatusInactive EdgeStatus = "inactive"
)

// BatteryMode is the operator-set mode for a unit, distinct from the EMS
// power mode written to the device.
type BatteryMode string

const (
	BatteryModeActive         BatteryMode = "active"
	BatteryModeIdle           BatteryMode = "idle"
	BatteryModeCharging       BatteryMode = "charging"
	BatteryModeForcedCharging BatteryMode = "forced_charging"
)

// AutoBiasTrim is the slow meter-bias correction loop used by the EMS
// Applier while a unit is in AUTO mode.
type AutoBiasTrim struct {
	Enable    bool    `json:"enable" yaml:"enable"`
	TargetW   float64 `json:"target_w" yaml:"target_w"`
	DeadbandW float64 `json:"deadband_w" yaml:"deadband_w"`
	StepW     float64 `json:"step_w" yaml:"step_w"`
}

// GlobalSettings are the site-wide knobs that apply to every unit.
type GlobalSettings struct {
	TickHz             float64      `json:"tick_hz" yaml:"tick_hz"`
	PostingIntervalSec int          `json:"posting_interval_sec" yaml:"posting_interval_sec"`
	EdgeStatus         EdgeStatus   `json:"edge_status" yaml:"edge_status"`
	ExportCapW         float64      `json:"export_power_cap" yaml:"export_power_cap"`
	MeterBiasW         float64      `json:"meter_target_power_offset" yaml:"meter_target_power_offset"`
	ExternalMeter      bool         `json:"external_meter_enable" yaml:"external_meter_enable"`
	ImportChargePowerW float64      `json:"import_charge_power_w" yaml:"import_charge_power_w"`
	MinImportW         float64      `json:"min_import_w" yaml:"min_import_w"`
	TargetSoCPercent   float64      `json:"target_soc_percent" yaml:"target_soc_percent"`
	AutoBiasTrim       AutoBiasTrim `json:"auto_bias_trim" yaml:"auto_bias_trim"`
	MaxChargeW         float64      `json:"max_charge_w" yaml:"max_charge_w"`             // fallback when a unit config doesn't set its own
	MaxRampRateWPerS   float64      `json:"max_ramp_rate_w_per_s" yaml:"max_ramp_rate_w_per_s"` // fallback when a unit config doesn't set its own
}

// UnitConfig is the per-consus_id device and site configuration.
type UnitConfig struct {
	ConsusID           string      `json:"consus_id" yaml:"consus_id"`
	CapacityKWh        float64     `json:"capacity_kwh" yaml:"capacity_kwh"`
	ReserveSoCPct      float64     `json:"reserve_soc_percent" yaml:"reserve_soc_percent"`
	MaxSoCPct          float64     `json:"max_soc_percent" yaml:"max_soc_percent"`
	MaxChargeW         float64     `json:"max_charge_w" yaml:"max_charge_w"`
	MaxDischargeW      float64     `json:"max_discharge_w" yaml:"max_discharge_w"`
	MaxRampRateWPerS   float64     `json:"max_ramp_rate_w_per_s" yaml:"max_ramp_rate_w_per_s"`
	PVEnabled          bool        `json:"pv_enabled" yaml:"pv_enabled"`
	Host               string      `json:"host" yaml:"host"`
	Port               int         `json:"port" yaml:"port"`
	UnitID             byte        `json:"unit_id" yaml:"unit_id"`
	BatteryMode        BatteryMode `json:"battery_mode" yaml:"battery_mode"`
	ForcedChargePowerW float64     `json:"forced_charge_power_w" yaml:"forced_charge_power_w"`
}

// TimeOfDay is a wall-clock time within a day, with second resolution.
type TimeOfDay struct {
	Hour, Minute, Second int
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m, sec int
	n, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec)
	if err != nil || n < 2 {
		n, err = fmt.Sscanf(s, "%d:%d", &h, &m)
		if err != nil || n != 2 {
			return TimeOfDay{}, fmt.Errorf("state: invalid time-of-day %q", s)
		}
		sec = 0
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return TimeOfDay{}, fmt.Errorf("state: time-of-day %q out of range", s)
	}
	return TimeOfDay{Hour: h, Minute: m, Second: sec}, nil
}

func (t TimeOfDay) secondsSinceMidnight() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// Before reports whether t occurs earlier in the day than o.
func (t TimeOfDay) Before(o TimeOfDay) bool {
	return t.secondsSinceMidnight() < o.secondsSinceMidnight()
}

// Window is a charge window expressed as (start,end) times of day. Per
// spec, start <= end covers [start,end); start > end wraps midnight and
// covers [start,24:00) ∪ [00:00,end).
type Window struct {
	Start, End TimeOfDay
}

// Date is a calendar day, independent of time-of-day, compared by value.
type Date struct {
	Year, Month, Day int
}

// DateOf truncates t (in its own location) to a calendar Date.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: int(m), Day: d}
}

// AddDays returns the date d+n days.
func (d Date) AddDays(n int) Date {
	t := time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
	return DateOf(t.AddDate(0, 0, n))
}

func (d Date) asTime() time.Time {
	return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
}

// Sub returns the number of days between d and o (d - o).
func (d Date) Sub(o Date) int {
	return int(d.asTime().Sub(o.asTime()).Hours() / 24)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// TaskType distinguishes static (evergreen) from dynamic (day-keyed) tasks.
type TaskType string

const (
	TaskTypeStatic  TaskType = "static"
	TaskTypeDynamic TaskType = "dynamic"
)

// StaticTask is the evergreen per-unit task used when no dynamic entry
// exists for the resolved day.
type StaticTask struct {
	TaskCode          string
	Start, End        *TimeOfDay
	MaxImportLimitKW  *float64
	Override          bool
	UpdatedAt         time.Time
	IdempotencyKey    string
	Revision          int
}

// DynamicTask is a day-specific schedule, keyed by (unit, ServiceDay).
type DynamicTask struct {
	TaskCode         string
	ServiceDay       Date
	Windows          []Window
	MaxImportLimitKW *float64
	Override         bool
	UpdatedAt        time.Time
	IdempotencyKey   string
	Revision         int
}

// TaskUpdate is the inbound payload shape for update_task: a subset of
// fields populated depending on TaskType, mirroring the bus message body.
type TaskUpdate struct {
	TaskType          TaskType    `json:"task_type"`
	TaskCode          string      `json:"task_code"`
	ServiceDay        string      `json:"service_day"` // ISO date, required for dynamic
	ChargeWindowStart string      `json:"charge_window_start"`
	ChargeWindowEnd   string      `json:"charge_window_end"`
	ChargeWindows     [][2]string `json:"charge_windows"` // fallback source for static; primary source for dynamic
	MaxImportLimitKW  *float64    `json:"max_import_limit_kw"`
	Override          bool        `json:"override"`
	IdempotencyKey    string      `json:"idempotency_key"`
	Revision          int         `json:"revision"`
	UpdatedAt         string      `json:"updated_at"` // RFC3339; defaults to now if empty/invalid
}

// ResolvedTask is the precedence-collapsed view returned by GetTask: the
// dynamic entry for the day if present, else the static entry, else none.
type ResolvedTask struct {
	TaskType         TaskType
	TaskCode         string
	Windows          []Window
	MaxImportLimitKW *float64
	Override         bool
}
