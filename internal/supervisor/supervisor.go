// Package supervisor owns the unit → worker map (§4.K): starting and
// stopping one Controller+Health Monitor worker pair per unit, and
// reacting to global edge_status transitions by starting/stopping every
// worker and pausing/resuming the backend sink.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/consus-energy/edge-agent/internal/backendsink"
	"github.com/consus-energy/edge-agent/internal/clock"
	"github.com/consus-energy/edge-agent/internal/controller"
	"github.com/consus-energy/edge-agent/internal/fieldbus"
	"github.com/consus-energy/edge-agent/internal/health"
	"github.com/consus-energy/edge-agent/internal/state"
	"github.com/consus-energy/edge-agent/internal/telemetry/logging"
	"github.com/consus-energy/edge-agent/internal/telemetry/metrics"
	"github.com/consus-energy/edge-agent/internal/writeguard"
	"golang.org/x/sync/errgroup"
)

const defaultTickInterval = time.Second

// RegisterMapLoader resolves the register map a new unit's adapter should
// use (the agent ships one shared register-map file in practice, but the
// seam keeps the supervisor decoupled from config loading).
type RegisterMapLoader func() *fieldbus.RegisterMap

// Deps bundles everything a worker needs that is shared across units.
type Deps struct {
	Store        *state.Store
	Guard        *writeguard.Guard
	Sink         *backendsink.Sink
	Clock        clock.Clock
	Log          logging.Logger
	Metrics      *metrics.Metrics
	RegisterMap  RegisterMapLoader
}

type worker struct {
	consusID   string
	adapter    *fieldbus.Adapter
	controller *controller.Controller
	monitor    *health.Monitor
	cancel     context.CancelFunc
	done       chan struct{}
}

// Supervisor owns the live unit -> worker map.
type Supervisor struct {
	deps Deps

	mu      sync.Mutex
	workers map[string]*worker
	running bool
}

// New builds a Supervisor. No workers run until Start (global) or
// individual AddUnit calls.
func New(deps Deps) *Supervisor {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &Supervisor{deps: deps, workers: make(map[string]*worker)}
}

// AddUnit upserts a unit's config and ensures its worker is running
// (battery_add / battery_config / first-seen upsert, per §6's bus table).
func (sv *Supervisor) AddUnit(cfg state.UnitConfig) {
	sv.deps.Store.UpdateBattery(cfg.ConsusID, cfg)
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if !sv.running {
		return
	}
	if _, exists := sv.workers[cfg.ConsusID]; exists {
		return
	}
	sv.startWorkerLocked(cfg)
}

// RemoveUnit stops and removes a unit's worker (battery_remove).
func (sv *Supervisor) RemoveUnit(consusID string) {
	sv.deps.Store.RemoveBattery(consusID)
	sv.mu.Lock()
	w, ok := sv.workers[consusID]
	if ok {
		delete(sv.workers, consusID)
	}
	sv.mu.Unlock()
	if ok {
		stopWorker(w)
	}
	if sv.deps.Metrics != nil {
		sv.mu.Lock()
		sv.deps.Metrics.ActiveWorkers.Set(float64(len(sv.workers)))
		sv.mu.Unlock()
	}
}

// Start launches a worker for every currently configured unit. It is the
// "entering active" transition handler as well as initial startup.
func (sv *Supervisor) Start() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.running {
		return
	}
	sv.running = true
	for _, cfg := range sv.deps.Store.BatteryConfigs() {
		if _, exists := sv.workers[cfg.ConsusID]; !exists {
			sv.startWorkerLocked(cfg)
		}
	}
	if sv.deps.Sink != nil {
		sv.deps.Sink.Resume()
	}
}

// Stop halts every running worker ("leaving active" transition) and pauses
// the backend sink. The worker map is cleared; Start rebuilds it from the
// store's current battery configs.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	if !sv.running {
		sv.mu.Unlock()
		return
	}
	sv.running = false
	workers := sv.workers
	sv.workers = make(map[string]*worker)
	sv.mu.Unlock()

	for _, w := range workers {
		stopWorker(w)
	}
	if sv.deps.Sink != nil {
		sv.deps.Sink.Pause()
	}
}

func (sv *Supervisor) startWorkerLocked(cfg state.UnitConfig) {
	var regMap *fieldbus.RegisterMap
	if sv.deps.RegisterMap != nil {
		regMap = sv.deps.RegisterMap()
	}
	adapter := fieldbus.New(fieldbus.Config{
		ConsusID: cfg.ConsusID, Host: cfg.Host, Port: cfg.Port, UnitID: cfg.UnitID,
	}, regMap, sv.deps.Guard)
	ctrl := controller.New(cfg.ConsusID, sv.deps.Log, sv.deps.Metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w := &worker{consusID: cfg.ConsusID, adapter: adapter, controller: ctrl, cancel: cancel, done: done}

	monitor := health.New(cfg.ConsusID, sv.deps.Clock, sv.deps.Log, sv.deps.Metrics, func(batch []health.AlertEvent) error {
		if sv.deps.Sink == nil {
			return nil
		}
		payload := make([]any, len(batch))
		for i, e := range batch {
			payload[i] = e
		}
		return sv.deps.Sink.PostAlerts(context.Background(), payload)
	})
	w.monitor = monitor

	sv.workers[cfg.ConsusID] = w
	if sv.deps.Metrics != nil {
		sv.deps.Metrics.ActiveWorkers.Set(float64(len(sv.workers)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { sv.runControllerLoop(gctx, w); return nil })
	g.Go(func() error { sv.runHealthLoop(gctx, w); return nil })
	go func() {
		_ = g.Wait()
		close(done)
	}()
}

func stopWorker(w *worker) {
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
	}
}

func (sv *Supervisor) runControllerLoop(ctx context.Context, w *worker) {
	interval := defaultTickInterval
	if hz := sv.deps.Store.Settings().TickHz; hz > 0 {
		interval = time.Duration(float64(time.Second) / hz)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			rec := w.controller.Tick(ctx, w.adapter, w.monitor, taskSource{sv.deps.Store}, sv.deps.Store.Now(sv.deps.Clock.Now()))
			if sv.deps.Metrics != nil {
				sv.deps.Metrics.ControllerTickDuration.WithLabelValues(w.consusID).Observe(time.Since(start).Seconds())
			}
			if elapsed := time.Since(start); elapsed > interval && sv.deps.Log != nil {
				sv.deps.Log.WarnCtx(ctx, "controller: tick overrun", "consus_id", w.consusID, "elapsed", elapsed)
			}
			if sv.deps.Sink != nil {
				sv.deps.Sink.Enqueue(backendsink.TelemetryPayload{
					ConsusID:   rec.ConsusID,
					Mode:       rec.Mode,
					SourceType: "modbus",
					Timestamp:  rec.UTC.UTC().Format(time.RFC3339),
					Payload:    rec.Payload,
				})
			}
		}
	}
}

func (sv *Supervisor) runHealthLoop(ctx context.Context, w *worker) {
	pollHz := 1.0
	interval := health.PollInterval(pollHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil && sv.deps.Log != nil {
						sv.deps.Log.ErrorCtx(ctx, "health: scan panic", "consus_id", w.consusID, "panic", r)
					}
				}()
				w.monitor.Scan(ctx, w.adapter)
			}()
		}
	}
}

// taskSource adapts *state.Store to controller.TaskSource (a snapshot-only
// view; the store's own lock serializes concurrent access from multiple
// unit workers).
type taskSource struct{ store *state.Store }

func (t taskSource) Settings() state.GlobalSettings { return t.store.Settings() }
func (t taskSource) BatteryConfig(consusID string) (state.UnitConfig, bool) {
	return t.store.BatteryConfig(consusID)
}
func (t taskSource) InChargeWindow(consusID string, nowLocal time.Time) bool {
	return t.store.InChargeWindow(consusID, nowLocal)
}
func (t taskSource) CurrentWindowEnd(consusID string, nowLocal time.Time) (time.Time, bool) {
	return t.store.CurrentWindowEnd(consusID, nowLocal)
}
func (t taskSource) GetTask(consusID string, day state.Date) (state.ResolvedTask, bool) {
	return t.store.GetTask(consusID, day)
}
