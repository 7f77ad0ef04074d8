package writeguard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/consus-energy/edge-agent/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestDedup(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	g := New(fc, nil, nil)
	ctx := context.Background()
	calls := 0
	write := func() error { calls++; return nil }

	ok, err := g.Attempt(ctx, "setpoint", 100, 7, write)
	require.NoError(t, err)
	require.True(t, ok)

	fc.Advance(100 * time.Millisecond)
	ok, err = g.Attempt(ctx, "setpoint", 100, 7, write)
	require.NoError(t, err)
	require.False(t, ok, "same value within window must be deduped")
	require.Equal(t, 1, calls)
}

func TestMinInterval(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	g := New(fc, nil, nil)
	ctx := context.Background()
	write := func() error { return nil }

	ok, err := g.Attempt(ctx, "setpoint", 100, 7, write)
	require.NoError(t, err)
	require.True(t, ok)

	fc.Advance(100 * time.Millisecond)
	ok, err = g.Attempt(ctx, "setpoint", 100, 8, write)
	require.NoError(t, err)
	require.False(t, ok, "change within 0.25s interval must be dropped")

	fc.Advance(200 * time.Millisecond)
	ok, err = g.Attempt(ctx, "setpoint", 100, 8, write)
	require.NoError(t, err)
	require.True(t, ok, "change after 0.3s total must be accepted")
}

func TestGlobalRateCap(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	g := New(fc, nil, nil)
	ctx := context.Background()
	write := func() error { return nil }

	accepted := 0
	for i := 0; i < 10; i++ {
		ok, err := g.Attempt(ctx, "setpoint", 200+i, i, write)
		require.NoError(t, err)
		if ok {
			accepted++
		}
	}
	require.Equal(t, maxWritesPerSecond, accepted, "no more than 5 acceptances within a rolling 1s window")
}

func TestFailedWriteDoesNotLatch(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	g := New(fc, nil, nil)
	ctx := context.Background()

	failing := func() error { return errBoom }
	ok, err := g.Attempt(ctx, "setpoint", 300, 1, failing)
	require.Error(t, err)
	require.False(t, ok)

	fc.Advance(300 * time.Millisecond)
	succeed := func() error { return nil }
	ok, err = g.Attempt(ctx, "setpoint", 300, 1, succeed)
	require.NoError(t, err)
	require.True(t, ok, "a prior failed write must not have latched the value")
}

// TestAttemptSerializesConcurrentWrites exercises the guard from many
// goroutines at once (one per simulated unit worker) and asserts two
// things the single-mutex serialization point must guarantee: no two
// writes ever execute concurrently, and the rolling-window rate cap is
// never exceeded even under a genuine multi-unit burst.
func TestAttemptSerializesConcurrentWrites(t *testing.T) {
	g := New(clock.Real(), nil, nil)
	ctx := context.Background()

	var inFlight int32
	var maxInFlight int32
	var accepted int32

	write := func() error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.Attempt(ctx, "setpoint", 400+i, i, write)
			require.NoError(t, err)
			if ok {
				atomic.AddInt32(&accepted, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxInFlight, "writes must be serialized, never concurrent")
	require.LessOrEqual(t, int(accepted), maxWritesPerSecond, "rolling-window rate cap must hold under concurrent bursts")
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
