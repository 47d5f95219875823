package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/alignedwithwhat/engine/config"
	"github.com/alignedwithwhat/engine/httpapi"
	"github.com/alignedwithwhat/engine/judge"
	"github.com/alignedwithwhat/engine/pkg/logging"
	"github.com/alignedwithwhat/engine/pkg/metrics"
	"github.com/alignedwithwhat/engine/pkg/tracing"
	"github.com/alignedwithwhat/engine/provider"
	"github.com/alignedwithwhat/engine/scheduler"
	"github.com/alignedwithwhat/engine/store"
	"github.com/alignedwithwhat/engine/store/memory"
	"github.com/alignedwithwhat/engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to the engine config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		os.Stderr.WriteString("init logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	m := metrics.NewPrometheusMetrics()

	var tracer *tracing.Tracer
	if cfg.Tracing.Enabled {
		tracer, err = tracing.NewTracer(tracing.Config{
			ServiceName:    "engine",
			ServiceVersion: "1.0.0",
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			Environment:    cfg.Tracing.Environment,
		})
		if err != nil {
			logger.Fatal("init tracing failed", "error", err.Error())
		}
	}

	st, err := openStore(cfg)
	if err != nil {
		logger.Fatal("open store failed", "error", err.Error())
	}
	defer st.Close()

	ctx := context.Background()
	if cfg.ScenarioPack != "" {
		pairs, err := config.LoadScenarioPack(cfg.ScenarioPack)
		if err != nil {
			logger.Fatal("load scenario pack failed", "path", cfg.ScenarioPack, "error", err.Error())
		}
		for _, pair := range pairs {
			if err := st.PutScenarioPair(ctx, pair); err != nil {
				logger.Fatal("ingest scenario pair failed", "pair_id", pair.ID, "error", err.Error())
			}
		}
		logger.Info("scenario pack loaded", "path", cfg.ScenarioPack, "pairs", len(pairs))
	}

	gateway := openGateway(cfg, logger, m, tracer)
	maxInFlight := cfg.Scheduler.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 32
	}
	sem := semaphore.NewWeighted(maxInFlight)

	sched := scheduler.New(st, gateway, scheduler.Config{
		Workers:         cfg.Scheduler.Workers,
		DispatchTimeout: cfg.Scheduler.DispatchTimeout.Std(),
		Catalog:         cfg.ModelIDs(),
	}, sem, logger, m, tracer)

	judgeEngine := judge.New(st, gateway, judge.Config{
		Workers:      cfg.Judge.Workers,
		EvalTimeout:  cfg.Judge.EvalTimeout.Std(),
		ParseRetries: cfg.Judge.ParseRetries,
	}, sem, logger, m, tracer)

	server := httpapi.NewServer(cfg.HTTPPort, st, sched, judgeEngine, cfg.ModelIDs(), logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "error", err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err.Error())
	}
	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", "error", err.Error())
		}
	}
}

// openStore selects SQLite when a path is configured, otherwise the
// in-memory store. Either way the scenario catalog gets an LRU
// read-through cache.
func openStore(cfg *config.Config) (store.Store, error) {
	var inner store.Store
	if cfg.DBPath != "" {
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		inner = s
	} else {
		inner = memory.New()
	}
	return store.NewCached(inner, cfg.CacheSize)
}

// openGateway uses the real provider when credentials are present and
// the scriptable mock otherwise, so the engine stays runnable offline.
func openGateway(cfg *config.Config, logger *logging.Logger, m *metrics.PrometheusMetrics, tracer *tracing.Tracer) provider.Gateway {
	apiKey := cfg.APIKey()
	if apiKey == "" {
		logger.Warn("no provider API key configured, using mock gateway",
			"api_key_env", cfg.Provider.APIKeyEnv)
		return provider.NewMockGateway()
	}

	return provider.NewOpenRouterGateway(provider.OpenRouterConfig{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         apiKey,
		RequestTimeout: cfg.Provider.RequestTimeout.Std(),
		DefaultRPM:     cfg.Provider.DefaultRPM,
		ModelRPM:       cfg.ModelRPM(),
		Retry:          cfg.Provider.Retry,
	}, logger, m, tracer)
}
