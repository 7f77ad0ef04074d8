package supervisor

import (
	"testing"
	"time"

	"github.com/consus-energy/edge-agent/internal/clock"
	"github.com/consus-energy/edge-agent/internal/fieldbus"
	"github.com/consus-energy/edge-agent/internal/state"
	"github.com/consus-energy/edge-agent/internal/telemetry/logging"
	"github.com/consus-energy/edge-agent/internal/writeguard"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *state.Store) {
	t.Helper()
	store := state.New(state.Options{})
	store.UpdateSettings(state.GlobalSettings{EdgeStatus: state.EdgeStatusActive, TickHz: 50})
	c := clock.Real()
	guard := writeguard.New(c, logging.New("error", true, nil), nil)
	sv := New(Deps{
		Store: store, Guard: guard, Clock: c, Log: logging.New("error", true, nil),
		RegisterMap: func() *fieldbus.RegisterMap { return &fieldbus.RegisterMap{} },
	})
	return sv, store
}

func TestAddUnitStartsWorkerOnlyWhenRunning(t *testing.T) {
	sv, _ := newTestSupervisor(t)
	sv.AddUnit(state.UnitConfig{ConsusID: "u1", Host: "127.0.0.1", Port: 1}) // not running yet

	sv.mu.Lock()
	_, exists := sv.workers["u1"]
	sv.mu.Unlock()
	require.False(t, exists, "worker must not start before Start()")

	sv.Start()
	sv.mu.Lock()
	_, exists = sv.workers["u1"]
	sv.mu.Unlock()
	require.True(t, exists, "Start() must launch workers for existing configs")

	sv.Stop()
	sv.mu.Lock()
	require.Empty(t, sv.workers)
	sv.mu.Unlock()
}

func TestRemoveUnitStopsWorker(t *testing.T) {
	sv, _ := newTestSupervisor(t)
	sv.Start()
	sv.AddUnit(state.UnitConfig{ConsusID: "u1", Host: "127.0.0.1", Port: 1})

	sv.mu.Lock()
	_, exists := sv.workers["u1"]
	sv.mu.Unlock()
	require.True(t, exists)

	sv.RemoveUnit("u1")
	sv.mu.Lock()
	_, exists = sv.workers["u1"]
	sv.mu.Unlock()
	require.False(t, exists)

	time.Sleep(10 * time.Millisecond)
	sv.Stop()
}
