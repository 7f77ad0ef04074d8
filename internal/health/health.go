// Package health implements the per-unit alert FSM (§4.I): a ticking
// scanner that reads a fixed set of health registers, drives a
// CLEAR/ACTIVE/RESOLVED state machine per alert code, and hands FAULT_SAFE
// intents and alert events off to the controller/backend sink.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/consus-energy/edge-agent/internal/clock"
	"github.com/consus-energy/edge-agent/internal/telemetry/logging"
	"github.com/consus-energy/edge-agent/internal/telemetry/metrics"
	"github.com/google/uuid"
)

// Severity classifies an alert condition.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// AlertFSMState is a node in the per-alert state machine.
type AlertFSMState string

const (
	StateClear    AlertFSMState = "CLEAR"
	StateActive   AlertFSMState = "ACTIVE"
	StateResolved AlertFSMState = "RESOLVED"
)

const (
	debounceActivate = 5 * time.Second
	debounceClears    = 10
	activeReemit      = 300 * time.Second
	warningBatchEvery = 45 * time.Second

	// IntentFaultSafe is the only intent kind the health monitor enqueues.
	IntentFaultSafe = "FAULT_SAFE"

	intentQueueCapacity = 100
	telemetryRingSize   = 50
	criticalContextSize = 20
)

// RegisterIO is the subset of the field-bus adapter the health monitor
// reads from.
type RegisterIO interface {
	Read(ctx context.Context, name string) (int64, error)
}

// Context is the minimal telemetry snapshot cached alongside each health
// scan and attached to CRITICAL alert payloads.
type Context struct {
	TS     time.Time
	Mode   int64
	SoC    float64
	GridW  float64
	PVW    float64
	BiasW  float64
}

// Intent is an item drained by the controller each tick.
type Intent struct {
	Kind string
	TS   time.Time
}

// AlertEvent is the payload posted to the backend sink's alert path.
type AlertEvent struct {
	ConsusID        string
	TS              time.Time
	Severity        Severity
	Code            string
	State           AlertFSMState
	EventID         string
	Count           int
	Heartbeat       bool
	Context         Context
	RecentTelemetry []Context // only populated for CRITICAL
}

type alertState struct {
	code             string
	severity         Severity
	state            AlertFSMState
	firstSeen        time.Time
	lastSeen         time.Time
	activateDeadline time.Time
	hasDeadline      bool
	clearCount       int
	eventID          string
	count            int
	context          Context
}

// raw is the fixed set of health registers read each scan.
type raw struct {
	emsCheckStatus    int64
	emsCheckValid     bool
	bmsWarningBits    int64
	bmsAlarmBits      int64
	arcFault          int64
	extMeterComm      int64
	intMeterComm      int64
	appModeDisplay    int64
	meterActivePowerW int64
	batterySoC        int64
	pvPowerTotalW     int64
	meterBiasW        int64
}

// Monitor is the per-unit health scanner. One Monitor owns one unit's alert
// states; it is not safe for concurrent Scan calls but is otherwise free of
// shared state with other units.
type Monitor struct {
	consusID string
	clock    clock.Clock
	log      logging.Logger
	mx       *metrics.Metrics

	alerts    map[string]*alertState
	ring      []Context // fixed-capacity ring buffer, oldest overwritten
	ringNext  int
	ringLen   int
	batch     []AlertEvent
	lastFlush time.Time

	intentsMu sync.Mutex // Scan enqueues and the controller drains from different goroutines
	intents   []Intent

	post PostFunc
}

// PostFunc delivers a batch of alert events to the backend sink. It is
// called with a single-item slice for the immediate CRITICAL path and with
// the full accumulated batch for the periodic WARNING/INFO flush. On the
// batch path a non-nil error leaves the batch un-acknowledged so the
// monitor retries it at the next flush window; a failed CRITICAL post is
// logged and not retried.
type PostFunc func(batch []AlertEvent) error

// New builds a Monitor for one unit. post is invoked synchronously for
// every emitted event (immediate for CRITICAL, batched for WARNING/INFO) —
// callers forward it to the backend sink. A failed post is logged and, for
// the batch path, retried on the next flush window rather than dropped.
func New(consusID string, c clock.Clock, log logging.Logger, mx *metrics.Metrics, post PostFunc) *Monitor {
	return &Monitor{
		consusID:  consusID,
		clock:     c,
		log:       log,
		mx:        mx,
		alerts:    make(map[string]*alertState),
		ring:      make([]Context, telemetryRingSize),
		lastFlush: c.Now(),
		post:      post,
	}
}

// PollInterval is max(0.2s, 1/pollHz), per spec.
func PollInterval(pollHz float64) time.Duration {
	if pollHz <= 0 {
		pollHz = 1.0
	}
	d := time.Duration(float64(time.Second) / pollHz)
	if d < 200*time.Millisecond {
		d = 200 * time.Millisecond
	}
	return d
}

func readOpt(ctx context.Context, io RegisterIO, name string) (int64, bool) {
	v, err := io.Read(ctx, name)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (m *Monitor) collect(ctx context.Context, io RegisterIO) raw {
	var r raw
	r.emsCheckStatus, r.emsCheckValid = readOpt(ctx, io, "ems_check_status")
	r.bmsWarningBits, _ = readOpt(ctx, io, "bms_warning_bits")
	r.bmsAlarmBits, _ = readOpt(ctx, io, "bms_alarm_bits")
	r.arcFault, _ = readOpt(ctx, io, "arc_fault")
	r.extMeterComm, _ = readOpt(ctx, io, "ext_meter_comm")
	r.intMeterComm, _ = readOpt(ctx, io, "int_meter_comm")
	r.appModeDisplay, _ = readOpt(ctx, io, "app_mode_display")
	r.meterActivePowerW, _ = readOpt(ctx, io, "meter_total_active_power")
	r.batterySoC, _ = readOpt(ctx, io, "battery_soc")
	r.pvPowerTotalW, _ = readOpt(ctx, io, "pv_power_total")
	r.meterBiasW, _ = readOpt(ctx, io, "meter_target_power_offset")
	return r
}

func contextFrom(now time.Time, r raw) Context {
	return Context{
		TS:    now,
		Mode:  r.appModeDisplay,
		SoC:   float64(r.batterySoC) / 100.0,
		GridW: float64(r.meterActivePowerW),
		PVW:   float64(r.pvPowerTotalW),
		BiasW: float64(r.meterBiasW),
	}
}

// Scan runs one poll: reads registers, appends to the telemetry ring,
// evaluates every condition's FSM, and flushes the WARNING/INFO batch if
// due. Emitted events are delivered via post.
func (m *Monitor) Scan(ctx context.Context, io RegisterIO) {
	now := m.clock.Now()
	r := m.collect(ctx, io)

	c := contextFrom(now, r)
	m.ring[m.ringNext] = c
	m.ringNext = (m.ringNext + 1) % telemetryRingSize
	if m.ringLen < telemetryRingSize {
		m.ringLen++
	}

	m.evalCondition(ctx, "EMS_FAULT", SeverityCritical, now, !(r.emsCheckValid && r.emsCheckStatus == 1) && r.emsCheckValid, c)
	m.evalCondition(ctx, "BMS_ALARM", SeverityCritical, now, r.bmsAlarmBits != 0, c)
	m.evalCondition(ctx, "ARC_FAULT", SeverityCritical, now, r.arcFault != 0, c)
	m.evalCondition(ctx, "BMS_WARNING", SeverityWarning, now, r.bmsWarningBits != 0, c)
	m.evalCondition(ctx, "METER_COMMS_LOSS", SeverityWarning, now, r.extMeterComm == 0 && r.intMeterComm == 0, c)

	m.flushBatchIfDue(ctx, now)
}

func (m *Monitor) evalCondition(ctx context.Context, code string, sev Severity, now time.Time, active bool, ctxSnap Context) {
	st, ok := m.alerts[code]
	if !ok {
		st = &alertState{code: code, severity: sev, state: StateClear}
		m.alerts[code] = st
	}

	switch st.state {
	case StateClear:
		if active {
			if !st.hasDeadline {
				st.activateDeadline = now.Add(debounceActivate)
				st.hasDeadline = true
			}
			if !now.Before(st.activateDeadline) {
				st.state = StateActive
				if st.firstSeen.IsZero() {
					st.firstSeen = now
				}
				st.lastSeen = now
				if st.eventID == "" {
					st.eventID = makeEventID(m.consusID, code, st.firstSeen)
				}
				st.count++
				st.context = ctxSnap
				m.emit(ctx, st, StateActive, false)
				if sev == SeverityCritical {
					m.enqueueIntent(now)
				}
			}
		} else {
			st.hasDeadline = false
			st.clearCount = 0
		}
	case StateActive:
		if active {
			st.lastSeen = now
			st.clearCount = 0 // clears must be consecutive to resolve
			if now.Sub(st.firstSeen) > activeReemit {
				m.emit(ctx, st, StateActive, true)
				st.firstSeen = now
			}
		} else {
			st.clearCount++
			if st.clearCount >= debounceClears {
				st.state = StateResolved
				st.lastSeen = now
				m.emit(ctx, st, StateResolved, false)
			}
		}
	case StateResolved:
		if active {
			st.state = StateActive
			st.lastSeen = now
			st.clearCount = 0
			st.count++
			st.context = ctxSnap
			m.emit(ctx, st, StateActive, false)
		}
	}

	if m.mx != nil {
		for _, s := range []AlertFSMState{StateClear, StateActive, StateResolved} {
			v := 0.0
			if st.state == s {
				v = 1.0
			}
			m.mx.AlertState.WithLabelValues(m.consusID, code, string(s)).Set(v)
		}
	}
}

func makeEventID(consusID, code string, firstSeen time.Time) string {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%s:%d", consusID, code, firstSeen.Unix())))
	return ns.String()
}

func (m *Monitor) enqueueIntent(now time.Time) {
	m.intentsMu.Lock()
	defer m.intentsMu.Unlock()
	if len(m.intents) >= intentQueueCapacity {
		m.intents = m.intents[1:]
	}
	m.intents = append(m.intents, Intent{Kind: IntentFaultSafe, TS: now})
}

// DrainIntents returns and clears all pending intents. The controller calls
// this once per tick.
func (m *Monitor) DrainIntents() []Intent {
	m.intentsMu.Lock()
	defer m.intentsMu.Unlock()
	out := m.intents
	m.intents = nil
	return out
}

// recentTelemetry returns the last min(ringLen, criticalContextSize)
// samples in oldest-to-newest order.
func (m *Monitor) recentTelemetry() []Context {
	n := m.ringLen
	if n > criticalContextSize {
		n = criticalContextSize
	}
	out := make([]Context, n)
	oldest := (m.ringNext - m.ringLen + telemetryRingSize) % telemetryRingSize
	skip := m.ringLen - n
	start := (oldest + skip) % telemetryRingSize
	for i := 0; i < n; i++ {
		out[i] = m.ring[(start+i)%telemetryRingSize]
	}
	return out
}

func (m *Monitor) emit(ctx context.Context, st *alertState, state AlertFSMState, heartbeat bool) {
	event := AlertEvent{
		ConsusID:  m.consusID,
		TS:        st.lastSeen,
		Severity:  st.severity,
		Code:      st.code,
		State:     state,
		EventID:   st.eventID,
		Count:     st.count,
		Heartbeat: heartbeat,
		Context:   st.context,
	}
	if m.mx != nil {
		m.mx.AlertEmitted.WithLabelValues(m.consusID, st.code, string(st.severity)).Inc()
	}
	if st.severity == SeverityCritical {
		event.RecentTelemetry = m.recentTelemetry()
		if m.post != nil {
			if err := m.post([]AlertEvent{event}); err != nil && m.log != nil {
				m.log.WarnCtx(ctx, "health: critical alert post failed", "consus_id", m.consusID, "code", st.code, "error", err)
			}
		}
		return
	}
	m.batch = append(m.batch, event)
}

// flushBatchIfDue posts the accumulated WARNING/INFO batch once the flush
// interval elapses. The batch is only cleared on a successful post; a
// failed post is logged and the batch is retained (with any events
// accumulated since) for the next flush window, per the no-on-disk-queue
// retry policy.
func (m *Monitor) flushBatchIfDue(ctx context.Context, now time.Time) {
	if len(m.batch) == 0 {
		return
	}
	if now.Sub(m.lastFlush) < warningBatchEvery {
		return
	}
	m.lastFlush = now
	if m.post == nil {
		m.batch = nil
		return
	}
	if err := m.post(m.batch); err != nil {
		if m.log != nil {
			m.log.WarnCtx(ctx, "health: alert batch post failed, retrying next flush window", "consus_id", m.consusID, "count", len(m.batch), "error", err)
		}
		return
	}
	m.batch = nil
}
