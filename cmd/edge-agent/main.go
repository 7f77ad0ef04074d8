package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/consus-energy/edge-agent/internal/backendsink"
	"github.com/consus-energy/edge-agent/internal/bus"
	"github.com/consus-energy/edge-agent/internal/clock"
	"github.com/consus-energy/edge-agent/internal/config"
	"github.com/consus-energy/edge-agent/internal/fieldbus"
	"github.com/consus-energy/edge-agent/internal/state"
	"github.com/consus-energy/edge-agent/internal/supervisor"
	"github.com/consus-energy/edge-agent/internal/telemetry/logging"
	"github.com/consus-energy/edge-agent/internal/telemetry/metrics"
	"github.com/consus-energy/edge-agent/internal/telemetry/tracing"
	"github.com/consus-energy/edge-agent/internal/writeguard"
)

func main() {
	var (
		registerMapPath   string
		bootstrapCachePath string
		metricsAddr       string
		healthAddr        string
		showVersion       bool
	)
	flag.StringVar(&registerMapPath, "register-map", "register_map.json", "Path to the device register map JSON file")
	flag.StringVar(&bootstrapCachePath, "bootstrap-cache", "bootstrap_cache.yaml", "Path to the locally cached bootstrap snapshot YAML file")
	flag.StringVar(&metricsAddr, "metrics", ":9090", "Address to serve /metrics on")
	flag.StringVar(&healthAddr, "health", ":9091", "Address to serve /healthz on")
	flag.BoolVar(&showVersion, "version", false, "Show version info")
	flag.Parse()

	if showVersion {
		fmt.Println("edge-agent")
		return
	}

	env, err := config.LoadEnv(os.Getenv)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(env.LogLevel, env.LogToStdout, os.Stdout)
	ctx := logging.WithUnit(context.Background(), env.GroupID)

	shutdownTracing := tracing.Install()
	defer func() { _ = shutdownTracing(context.Background()) }()

	mx := metrics.New()

	regMap, err := config.LoadRegisterMap(registerMapPath)
	if err != nil {
		logger.ErrorCtx(ctx, "startup: register map load failed", "error", err)
		os.Exit(1)
	}

	bootstrap, err := config.LoadBootstrapCache(bootstrapCachePath, logger)
	if err != nil {
		logger.ErrorCtx(ctx, "startup: bootstrap cache load failed", "error", err)
		os.Exit(1)
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	if err := bootstrap.Watch(watchCtx); err != nil {
		logger.WarnCtx(ctx, "startup: bootstrap cache watch failed, continuing without hot-reload", "error", err)
	}

	store := state.New(state.Options{})
	snap := bootstrap.Snapshot()
	store.UpdateSettings(snap.Settings)
	for _, u := range snap.Units {
		store.UpdateBattery(u.ConsusID, u)
	}

	guard := writeguard.New(clock.Real(), logger, mx)

	sink := backendsink.New(backendsink.Config{
		BaseURL:        env.APIBaseURL,
		IngestEndpoint: env.IngestEndpoint,
		APIKey:         env.APIKey,
	}, clock.Real(), logger, mx)

	sv := supervisor.New(supervisor.Deps{
		Store:       store,
		Guard:       guard,
		Sink:        sink,
		Clock:       clock.Real(),
		Log:         logger,
		Metrics:     mx,
		RegisterMap: func() *fieldbus.RegisterMap { return regMap },
	})

	handlers := bus.Handlers{
		OnSettings: func(data json.RawMessage) {
			settings, err := bus.ParseSettings(data)
			if err != nil {
				logger.WarnCtx(ctx, "bus: bad settings payload", "error", err)
				return
			}
			store.UpdateSettings(settings)
			applyEdgeStatus(sv, settings.EdgeStatus)
		},
		OnBatteryConfig: func(consusID string, data json.RawMessage) {
			cfg, err := bus.ParseUnitConfig(consusID, data)
			if err != nil {
				logger.WarnCtx(ctx, "bus: bad battery_config payload", "consus_id", consusID, "error", err)
				return
			}
			sv.AddUnit(cfg)
		},
		OnBatteryAdd: func(consusID string, data json.RawMessage) {
			cfg, err := bus.ParseUnitConfig(consusID, data)
			if err != nil {
				logger.WarnCtx(ctx, "bus: bad battery_add payload", "consus_id", consusID, "error", err)
				return
			}
			sv.AddUnit(cfg)
		},
		OnBatteryRemove: func(consusID string) {
			sv.RemoveUnit(consusID)
		},
		OnTask: func(consusID string, data json.RawMessage) {
			tu, err := bus.ParseTaskUpdate(data)
			if err != nil {
				logger.WarnCtx(ctx, "bus: bad task payload", "consus_id", consusID, "error", err)
				return
			}
			store.UpdateTask(consusID, &tu, time.Now())
		},
		OnTestModbus: func(consusID string) {
			cfg, ok := store.BatteryConfig(consusID)
			if !ok {
				return
			}
			result := fieldbus.TCPProbe(cfg.Host, cfg.Port, 0)
			logger.InfoCtx(ctx, "bus: test_modbus probe", "consus_id", consusID, "reachable", result.Reachable, "latency_ms", result.LatencyMS)
		},
	}

	b := bus.New(bus.Config{
		BrokerHost: env.MQTTBrokerHost,
		BrokerPort: env.MQTTBrokerPort,
		GroupID:    env.GroupID,
		User:       env.MQTTUser,
		Password:   env.MQTTPassword,
		KeepAlive:  time.Duration(env.KeepAliveSec) * time.Second,
	}, handlers, logger)

	if err := b.Connect(); err != nil {
		logger.ErrorCtx(ctx, "startup: mqtt connect failed", "error", err)
		os.Exit(1)
	}
	defer b.Disconnect()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink.Start(runCtx)
	defer sink.Stop()

	applyEdgeStatus(sv, store.Settings().EdgeStatus)
	defer sv.Stop()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.InfoCtx(ctx, "shutdown: signal received, stopping gracefully")
		cancel()
		<-sigCh
		logger.WarnCtx(ctx, "shutdown: second signal received, forcing exit")
		os.Exit(1)
	}()

	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mx.Handler()}
	go func() {
		<-runCtx.Done()
		_ = metricsSrv.Shutdown(context.Background())
	}()
	go func() {
		logger.InfoCtx(ctx, "metrics listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCtx(ctx, "metrics server failed", "error", err)
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"edge_status": store.Settings().EdgeStatus,
			"units":       len(store.BatteryConfigs()),
		})
	})
	healthSrv := &http.Server{Addr: healthAddr, Handler: healthMux}
	go func() {
		<-runCtx.Done()
		_ = healthSrv.Shutdown(context.Background())
	}()
	go func() {
		logger.InfoCtx(ctx, "health endpoint listening", "addr", healthAddr)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCtx(ctx, "health server failed", "error", err)
		}
	}()

	<-runCtx.Done()
	logger.InfoCtx(ctx, "shutdown: complete")
}

// applyEdgeStatus starts or stops every unit worker and pauses/resumes the
// backend sink according to the global edge_status (§6): active runs
// workers, paused/inactive stop them.
func applyEdgeStatus(sv *supervisor.Supervisor, status state.EdgeStatus) {
	if status == state.EdgeStatusActive {
		sv.Start()
		return
	}
	sv.Stop()
}
