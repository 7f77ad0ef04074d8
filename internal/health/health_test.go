package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/consus-energy/edge-agent/internal/clock"
	"github.com/consus-energy/edge-agent/internal/telemetry/logging"
	"github.com/stretchr/testify/require"
)

var errPostFailed = errors.New("post failed")

type fakeIO struct{ values map[string]int64 }

func (f *fakeIO) Read(ctx context.Context, name string) (int64, error) {
	return f.values[name], nil
}

func newMonitor(t *testing.T, c *clock.Fake, onAlert func(AlertEvent)) *Monitor {
	t.Helper()
	log := logging.New("error", true, nil)
	return New("u1", c, log, nil, func(batch []AlertEvent) error {
		for _, e := range batch {
			onAlert(e)
		}
		return nil
	})
}

// newFailingMonitor builds a Monitor whose post always fails, returning the
// failure count observed so far via the returned pointer.
func newFailingMonitor(t *testing.T, c *clock.Fake) (*Monitor, *int) {
	t.Helper()
	log := logging.New("error", true, nil)
	attempts := 0
	m := New("u1", c, log, nil, func(batch []AlertEvent) error {
		attempts++
		return errPostFailed
	})
	return m, &attempts
}

func TestCriticalAlertActivatesAfterDebounce(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))
	var events []AlertEvent
	m := newMonitor(t, c, func(e AlertEvent) { events = append(events, e) })
	io := &fakeIO{values: map[string]int64{"ems_check_status": 1, "bms_alarm_bits": 1}}

	m.Scan(context.Background(), io)
	require.Empty(t, events, "must not activate before the 5s debounce elapses")

	c.Advance(5 * time.Second)
	m.Scan(context.Background(), io)
	require.Len(t, events, 1)
	require.Equal(t, StateActive, events[0].State)
	require.Equal(t, SeverityCritical, events[0].Severity)
	require.NotEmpty(t, events[0].EventID)

	intents := m.DrainIntents()
	require.Len(t, intents, 1)
	require.Equal(t, IntentFaultSafe, intents[0].Kind)
}

func TestAlertResolvesAfterTenClears(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))
	var events []AlertEvent
	m := newMonitor(t, c, func(e AlertEvent) { events = append(events, e) })
	active := &fakeIO{values: map[string]int64{"ems_check_status": 1, "bms_alarm_bits": 1}}
	clear := &fakeIO{values: map[string]int64{"ems_check_status": 1, "bms_alarm_bits": 0}}

	m.Scan(context.Background(), active)
	c.Advance(5 * time.Second)
	m.Scan(context.Background(), active)
	require.Len(t, events, 1)

	for i := 0; i < 9; i++ {
		c.Advance(time.Second)
		m.Scan(context.Background(), clear)
	}
	require.Len(t, events, 1, "9 clears must not resolve yet")

	c.Advance(time.Second)
	m.Scan(context.Background(), clear)
	require.Len(t, events, 2)
	require.Equal(t, StateResolved, events[1].State)

	c.Advance(time.Second)
	m.Scan(context.Background(), active)
	require.Len(t, events, 3)
	require.Equal(t, StateActive, events[2].State)
	require.Equal(t, events[0].EventID, events[2].EventID, "event_id is stable per first_seen episode")
}

func TestWarningBatchedNotImmediate(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))
	var events []AlertEvent
	m := newMonitor(t, c, func(e AlertEvent) { events = append(events, e) })
	io := &fakeIO{values: map[string]int64{"ems_check_status": 1, "ext_meter_comm": 1, "bms_warning_bits": 1}}

	m.Scan(context.Background(), io)
	c.Advance(5 * time.Second)
	m.Scan(context.Background(), io)
	require.Empty(t, events, "warning alerts must batch, not post immediately")

	c.Advance(45 * time.Second)
	m.Scan(context.Background(), io)
	require.Len(t, events, 1)
}

func TestWarningBatchRetainedOnPostFailureAndRetried(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))
	m, attempts := newFailingMonitor(t, c)
	io := &fakeIO{values: map[string]int64{"ems_check_status": 1, "ext_meter_comm": 1, "bms_warning_bits": 1}}

	m.Scan(context.Background(), io)
	c.Advance(5 * time.Second)
	m.Scan(context.Background(), io)

	c.Advance(45 * time.Second)
	m.Scan(context.Background(), io)
	require.Equal(t, 1, *attempts, "first flush window attempts a post")
	require.Len(t, m.batch, 1, "failed post must retain the batch, not drop it")

	c.Advance(45 * time.Second)
	m.Scan(context.Background(), io)
	require.Equal(t, 2, *attempts, "next flush window retries the retained batch")
	require.Len(t, m.batch, 1, "still retained after a second failed attempt")
}

func TestMeterCommsLossRequiresBothFlags(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))
	var events []AlertEvent
	m := newMonitor(t, c, func(e AlertEvent) { events = append(events, e) })
	oneDown := &fakeIO{values: map[string]int64{"ems_check_status": 1, "ext_meter_comm": 0, "int_meter_comm": 1}}

	m.Scan(context.Background(), oneDown)
	c.Advance(10 * time.Second)
	m.Scan(context.Background(), oneDown)
	require.Empty(t, events, "loss requires both ext and int meter comm down")
}

func TestPollInterval(t *testing.T) {
	require.Equal(t, 200*time.Millisecond, PollInterval(10))
	require.Equal(t, time.Second, PollInterval(1))
	require.Equal(t, time.Second, PollInterval(0))
}
