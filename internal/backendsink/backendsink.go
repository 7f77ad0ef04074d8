// Package backendsink posts telemetry and health alerts to the backend
// (§4.L): a bounded in-memory queue flushed on a timer, plus a separate
// immediate-post path for alerts.
package backendsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/consus-energy/edge-agent/internal/clock"
	"github.com/consus-energy/edge-agent/internal/telemetry/logging"
	"github.com/consus-energy/edge-agent/internal/telemetry/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/consus-energy/edge-agent/internal/backendsink")

const (
	defaultFlushInterval = 10 * time.Second
	defaultQueueCapacity = 1000
	defaultPostTimeout   = 10 * time.Second
)

// TelemetryPayload is one posted telemetry line, per §6's HTTP output
// table.
type TelemetryPayload struct {
	ConsusID   string `json:"consus_id"`
	Mode       string `json:"mode"`
	SourceType string `json:"source_type"`
	Timestamp  string `json:"timestamp"`
	Payload    any    `json:"payload"`
}

// Config configures a Sink's endpoints and posting cadence.
type Config struct {
	BaseURL          string
	IngestEndpoint   string
	HealthEndpoint   string // defaults to "/blob/health"
	APIKey           string
	FlushInterval    time.Duration
	QueueCapacity    int
	HTTPClient       *http.Client
}

// Sink is the bounded telemetry queue plus its periodic flush worker.
type Sink struct {
	cfg    Config
	clock  clock.Clock
	log    logging.Logger
	mx     *metrics.Metrics
	client *http.Client

	mu       sync.Mutex
	queue    []TelemetryPayload
	active   bool
	paused   bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

// New builds a Sink. Call Start to begin the flush worker.
func New(cfg Config, c clock.Clock, log logging.Logger, mx *metrics.Metrics) *Sink {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.HealthEndpoint == "" {
		cfg.HealthEndpoint = "/blob/health"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultPostTimeout}
	}
	return &Sink{cfg: cfg, clock: c, log: log, mx: mx, client: client}
}

// Start begins the background flush loop. Idempotent: calling it again on
// an already-started Sink is a no-op.
func (s *Sink) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.active = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop signals the flush worker to exit and waits for it.
func (s *Sink) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.active = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

// Pause stops posting without stopping the worker goroutine; queued items
// accumulate (bounded) until Resume.
func (s *Sink) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume undoes Pause.
func (s *Sink) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// IsActive reports whether the sink has been started and not stopped.
func (s *Sink) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Enqueue appends a telemetry payload, dropping the oldest entry if the
// queue is at capacity.
func (s *Sink) Enqueue(p TelemetryPayload) {
	s.mu.Lock()
	if len(s.queue) >= s.cfg.QueueCapacity {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, p)
	depth := len(s.queue)
	s.mu.Unlock()
	if s.mx != nil {
		s.mx.BackendQueueDepth.Set(float64(depth))
	}
}

func (s *Sink) run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	if s.paused || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()
	if s.mx != nil {
		s.mx.BackendQueueDepth.Set(0)
	}

	if err := s.postJSON(ctx, s.cfg.IngestEndpoint, batch); err != nil {
		if s.log != nil {
			s.log.WarnCtx(ctx, "backendsink: telemetry post failed, dropping batch", "error", err, "batch_size", len(batch))
		}
		if s.mx != nil {
			s.mx.BackendPostFailure.WithLabelValues("telemetry").Inc()
		}
	}
}

// PostAlerts posts health alert payloads immediately (the CRITICAL path,
// and the WARNING/INFO batch flush from the health monitor). Failures here
// are logged by the caller: the health monitor retains a failed WARNING/INFO
// batch in memory and retries it at the next flush window (no on-disk
// queue); a failed CRITICAL post is logged and dropped, matching
// telemetry's posture since there is no retry store for that path either.
func (s *Sink) PostAlerts(ctx context.Context, alerts []any) error {
	if len(alerts) == 0 {
		return nil
	}
	if err := s.postJSON(ctx, s.cfg.HealthEndpoint, alerts); err != nil {
		if s.mx != nil {
			s.mx.BackendPostFailure.WithLabelValues("alert").Inc()
		}
		return err
	}
	return nil
}

func (s *Sink) postJSON(ctx context.Context, endpoint string, body any) (err error) {
	ctx, span := tracer.Start(ctx, "backendsink.post", trace.WithAttributes(attribute.String("endpoint", endpoint)))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("backendsink: marshal: %w", err)
	}
	url := s.cfg.BaseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("backendsink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("backendsink: post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("backendsink: post %s: status %d", endpoint, resp.StatusCode)
	}
	return nil
}
