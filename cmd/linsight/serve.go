package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dataelem/linsight/broker"
	"github.com/dataelem/linsight/config"
	"github.com/dataelem/linsight/executor"
	"github.com/dataelem/linsight/internal/telemetry"
	"github.com/dataelem/linsight/llm"
	"github.com/dataelem/linsight/manager"
	"github.com/dataelem/linsight/planner"
	"github.com/dataelem/linsight/store"
	"github.com/dataelem/linsight/tool"
	"github.com/dataelem/linsight/types"
	"github.com/dataelem/linsight/worker"
)

// runServe wires the full worker process and blocks until SIGTERM/SIGINT,
// then drains in-flight sessions before exiting.
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting linsight worker",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry init failed", zap.Error(err))
	}

	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		logger.Fatal("database connect failed", zap.Error(err))
	}
	st := store.New(db, logger)
	if cfg.Database.Dialect == "sqlite" {
		if err := st.AutoMigrate(); err != nil {
			logger.Fatal("auto-migrate failed", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis ping failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	b := broker.New(rdb, cfg.SessionTTL(), logger)

	provider, err := buildProviders(cfg.LLM, logger)
	if err != nil {
		logger.Fatal("llm provider setup failed", zap.Error(err))
	}

	tools := tool.NewRegistry(logger)
	logger.Info("tool registry ready", zap.Int("tools", len(tools.ListTools())))

	pl := planner.New(provider, planner.Config{
		Model:              cfg.Engine.Model,
		MaxSteps:           cfg.Engine.MaxSteps,
		RetryNum:           cfg.Engine.RetryNum,
		RetrySleep:         cfg.Engine.RetrySleep,
		DefaultTemperature: cfg.Engine.DefaultTemperature,
		RetryTemperature:   cfg.Engine.RetryTemperature,
	}, logger)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := worker.NewMetrics(promReg)

	runner := func(ctx context.Context, sv *types.SessionVersion) error {
		m := manager.New(sv, manager.Deps{
			Broker:  b,
			Store:   st,
			Planner: pl,
			Executor: executor.Deps{
				Provider: provider,
				Tools:    tools,
			},
			Logger: logger,
		}, manager.Config{
			Executor: executor.Config{
				Model:              cfg.Engine.Model,
				Mode:               types.ExecuteMode(cfg.Engine.ExecuteMode),
				TaskMaxSteps:       cfg.Engine.TaskMaxSteps,
				ToolBuffer:         cfg.Engine.ToolBuffer,
				RetryNum:           cfg.Engine.RetryNum,
				RetrySleep:         cfg.Engine.RetrySleep,
				DefaultTemperature: cfg.Engine.DefaultTemperature,
				RetryTemperature:   cfg.Engine.RetryTemperature,
			},
			MaxSteps:       cfg.Engine.MaxSteps,
			GuideWord:      cfg.Engine.GuideWord,
			GuideQuestions: cfg.Engine.GuideQuestions,
		})
		return m.Run(ctx)
	}

	sweeper := worker.NewSweeper(b, st, nil, metrics, logger)
	w := worker.New(b, st, sweeper, runner, metrics, worker.Config{
		MaxConcurrency: int64(cfg.Worker.MaxConcurrency),
		HeartbeatTTL:   cfg.Worker.HeartbeatTTL,
		PopTimeout:     cfg.Worker.PopTimeout,
		SessionTimeout: time.Duration(cfg.Engine.TimeoutMinutes) * time.Minute,
	}, logger)

	var metricsSrv *http.Server
	if cfg.Worker.MetricsAddr != "" {
		metricsSrv = startMetricsServer(cfg.Worker.MetricsAddr, promReg, logger)
	}

	if err := w.Run(ctx); err != nil {
		logger.Error("worker exited with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := otelProviders.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	logger.Info("linsight worker stopped")
}

// buildProviders registers every configured LLM endpoint and returns the
// default one. When no default is named the first provider wins.
func buildProviders(cfg config.LLMConfig, logger *zap.Logger) (llm.Provider, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("no llm providers configured")
	}
	registry := llm.NewRegistry()
	for _, pc := range cfg.Providers {
		registry.Register(pc.ProviderName, llm.NewOpenAICompat(pc, logger))
	}
	name := cfg.Default
	if name == "" {
		name = cfg.Providers[0].ProviderName
	}
	if err := registry.SetDefault(name); err != nil {
		return nil, err
	}
	logger.Info("llm providers registered",
		zap.Strings("providers", registry.List()),
		zap.String("default", name))
	return registry.Default()
}

// startMetricsServer exposes /metrics and /healthz on its own listener.
func startMetricsServer(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
