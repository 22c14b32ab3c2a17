package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/SohamPatel46/performance/internal/core/config"
	"github.com/SohamPatel46/performance/internal/core/health"
	"github.com/SohamPatel46/performance/internal/core/server"
	"github.com/SohamPatel46/performance/internal/logger"
	"github.com/SohamPatel46/performance/internal/metricevents"
	"github.com/SohamPatel46/performance/internal/metrics"
	"github.com/SohamPatel46/performance/internal/optimizer"
	"github.com/SohamPatel46/performance/internal/store"
	"github.com/SohamPatel46/performance/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "detective",
		Component: "main",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	if cfg.ConfigFile != "" {
		agg, err := config.LoadFile(cfg.ConfigFile, cfg.Aggregation)
		if err != nil {
			appLog.Error("config file", "path", cfg.ConfigFile, "err", err)
			return 1
		}
		cfg.Aggregation = agg
	}
	if err := cfg.Validate(); err != nil {
		appLog.Error("invalid configuration", "err", err)
		return 1
	}

	prov := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLog.Info("starting detective",
		"addr", cfg.Addr,
		"version", Version,
		"store", cfg.Store.Driver,
		"breakpoints", cfg.Aggregation.Breakpoints,
		"sample_size", cfg.Aggregation.SampleSize,
		"freshness_ttl", cfg.Aggregation.FreshnessTTL.String())

	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	st, lock, err := store.Open(openCtx, cfg.Store)
	cancel()
	if err != nil {
		appLog.Error("store setup failed", "driver", cfg.Store.Driver, "err", err)
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			appLog.Warn("store close", "err", err)
		}
	}()
	if s, ok := st.(*store.SQLiteStore); ok && cfg.Store.Retention > 0 {
		go pruneLoop(ctx, s, cfg.Store.Retention, appLog)
	}

	opts := []optimizer.Option{
		optimizer.WithLogger(appLog),
		optimizer.WithLock(lock),
		optimizer.WithOpTimeout(cfg.Store.OpTimeout),
	}
	if cfg.Events.Enabled {
		pub, err := metricevents.NewPublisher(splitList(cfg.Events.Brokers), cfg.Events.Topic, cfg.Events.Queue, appLog)
		if err != nil {
			appLog.Error("event publisher setup failed", "err", err)
			return 1
		}
		defer func() {
			if err := pub.Close(); err != nil {
				appLog.Warn("event publisher close", "err", err)
			}
		}()
		opts = append(opts, optimizer.WithPublisher(pub))
	}

	eng, err := optimizer.New(st, cfg.Aggregation, opts...)
	if err != nil {
		appLog.Error("optimizer setup failed", "err", err)
		return 1
	}

	if cfg.ConfigFile != "" {
		base := cfg.Aggregation
		go func() {
			err := config.Watch(ctx, cfg.ConfigFile, base, appLog, func(agg config.Aggregation) {
				if err := eng.UpdateSettings(agg); err != nil {
					appLog.Error("apply reloaded settings", "err", err)
				}
			})
			if err != nil {
				appLog.Error("config watch stopped", "err", err)
			}
		}()
	}

	runner := kafka.New(kafka.FromConfig(cfg.Invalidation), eng, kafka.Options{
		Logger:   appLog,
		Register: prov.Registerer(),
	})
	if err := runner.Start(ctx); err != nil {
		appLog.Error("purge runner start failed", "err", err)
		return 1
	}
	defer runner.Stop()

	var consumer health.ReadinessReporter
	if runner.Enabled() {
		consumer = runner
	}

	deps := server.Deps{
		Service:        eng,
		Store:          eng,
		Consumer:       consumer,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		AllowedOrigins: cfg.CORSOrigins,
	}
	if cfg.MetricsEnabled {
		deps.Metrics = prov.Handler()
		deps.MetricsPath = prov.Path()
	}

	if err := server.Run(ctx, cfg, appLog, server.NewHandler(appLog, deps)); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func pruneLoop(ctx context.Context, s *store.SQLiteStore, retention time.Duration, log *slog.Logger) {
	every := retention / 4
	if every < time.Minute {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Prune(ctx)
			if err != nil {
				log.Warn("sqlite prune", "err", err)
				continue
			}
			if n > 0 {
				log.Info("sqlite pruned expired urls", "rows", n)
			}
		}
	}
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
