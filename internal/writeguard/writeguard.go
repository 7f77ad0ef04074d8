// Package writeguard enforces the single process-wide write discipline for
// every outbound register write: per-register dedup, a per-register minimum
// write interval, and a global rolling-window rate cap.
package writeguard

import (
	"context"
	"sync"
	"time"

	"github.com/consus-energy/edge-agent/internal/clock"
	"github.com/consus-energy/edge-agent/internal/telemetry/logging"
	"github.com/consus-energy/edge-agent/internal/telemetry/metrics"
)

const (
	minIntervalPerRegister = 250 * time.Millisecond
	maxWritesPerSecond     = 5
	rollingWindow          = time.Second
)

// WriteFunc performs the actual device write. It is only invoked once the
// write has been accepted by policy.
type WriteFunc func() error

// Guard is the singleton write-discipline gate. It holds no knowledge of
// registers beyond their integer addresses, so it serializes writes across
// every unit sharing the same underlying write budget.
type Guard struct {
	mu sync.Mutex

	clock clock.Clock
	log   logging.Logger
	mx    *metrics.Metrics

	lastValue   map[int]int
	lastWriteTS map[int]time.Time
	acceptedTS  []time.Time // accepted writes within the last rollingWindow, oldest first
}

// New builds a Guard. log and mx may be nil in tests.
func New(c clock.Clock, log logging.Logger, mx *metrics.Metrics) *Guard {
	if c == nil {
		c = clock.Real()
	}
	return &Guard{
		clock:       c,
		log:         log,
		mx:          mx,
		lastValue:   make(map[int]int),
		lastWriteTS: make(map[int]time.Time),
	}
}

// Attempt applies the write policy for addr/value and, if accepted, invokes
// write. It returns whether the write was accepted. A write is never
// latched as "last value" when write itself returns an error, and the
// error is surfaced to the caller.
//
// g.mu is held for the entire call, including the write invocation: the
// Guard is the single serialization point across every unit worker, so two
// concurrent Attempt calls must never both pass the rate-cap check before
// either's write lands.
func (g *Guard) Attempt(ctx context.Context, registerName string, addr int, value int, write WriteFunc) (accepted bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()

	keep := 0
	for keep < len(g.acceptedTS) && now.Sub(g.acceptedTS[keep]) >= rollingWindow {
		keep++
	}
	g.acceptedTS = g.acceptedTS[keep:]

	if last, ok := g.lastValue[addr]; ok && last == value {
		g.drop(ctx, registerName, "dedup")
		return false, nil
	}

	if lastTS, ok := g.lastWriteTS[addr]; ok && now.Sub(lastTS) < minIntervalPerRegister {
		g.drop(ctx, registerName, "min_interval")
		return false, nil
	}

	if len(g.acceptedTS) >= maxWritesPerSecond {
		g.drop(ctx, registerName, "rate_cap")
		if g.log != nil {
			g.log.WarnCtx(ctx, "write-guard global rate limit reached; dropping write", "register", registerName)
		}
		return false, nil
	}

	if writeErr := write(); writeErr != nil {
		return false, writeErr
	}

	g.lastValue[addr] = value
	g.lastWriteTS[addr] = now
	g.acceptedTS = append(g.acceptedTS, now)

	if g.mx != nil {
		g.mx.WriteGuardAccepted.WithLabelValues(registerName).Inc()
	}
	return true, nil
}

func (g *Guard) drop(ctx context.Context, registerName, reason string) {
	if g.mx != nil {
		g.mx.WriteGuardDropped.WithLabelValues(registerName, reason).Inc()
	}
	if g.log != nil {
		g.log.InfoCtx(ctx, "write dropped", "register", registerName, "reason", reason)
	}
}
