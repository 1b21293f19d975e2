// Command runtime loads a compiled rule artifact and evaluates it on a
// fixed-cadence cycle against a Redis Sentinel-backed sensor store,
// participating in active/standby election and hot-reloading the
// artifact on change. Non-zero exit is reserved for fatal startup errors;
// normal shutdown (SIGINT/SIGTERM) returns 0.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aegisshield/telemetry-rules-engine/internal/config"
	"github.com/aegisshield/telemetry-rules-engine/internal/emit"
	"github.com/aegisshield/telemetry-rules-engine/internal/eval"
	"github.com/aegisshield/telemetry-rules-engine/internal/exprlang"
	"github.com/aegisshield/telemetry-rules-engine/internal/metrics"
	"github.com/aegisshield/telemetry-rules-engine/internal/reload"
	"github.com/aegisshield/telemetry-rules-engine/internal/scheduler"
	"github.com/aegisshield/telemetry-rules-engine/internal/store"
	"github.com/aegisshield/telemetry-rules-engine/internal/temporal"
)

const version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var artifactPath string
	cmd := &cobra.Command{
		Use:     "telemetry-rules-runtime",
		Short:   "Evaluate a compiled telemetry rule artifact on a fixed cadence",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), artifactPath)
		},
	}
	cmd.Flags().StringVar(&artifactPath, "artifact", "", "path to the compiled rule artifact (overrides config)")
	return cmd
}

func run(ctx context.Context, artifactPathFlag string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogging(cfg)

	artifactPath := cfg.Rules.ArtifactPath
	if artifactPathFlag != "" {
		artifactPath = artifactPathFlag
	}

	art, err := emit.Load(artifactPath)
	if err != nil {
		return fmt.Errorf("loading artifact %s: %w", artifactPath, err)
	}
	logger.Info("loaded rule artifact", "rules", len(art.Manifest.Rules), "layers", len(art.Layers))

	redisStore := store.NewRedisAdapter(cfg.Store, logger)
	defer redisStore.Close()

	exprCache := exprlang.NewCache()
	samplingPeriod := time.Duration(cfg.Cycle.SamplingPeriodMS) * time.Millisecond
	temporalStore := temporal.NewStore(cfg.Temporal.BufferCapacity, samplingPeriod)
	evaluator := eval.New(exprCache, temporalStore)
	registry := metrics.NewRegistry()

	var ha *scheduler.HA
	isActive := func() bool { return true }
	if cfg.HA.Enabled {
		ha = scheduler.NewHA(cfg.HA, redisStore, logger)
		isActive = ha.IsActive
	}

	cycle := scheduler.NewCycle(
		time.Duration(cfg.Cycle.PeriodMS)*time.Millisecond,
		art, redisStore, evaluator, exprCache, logger, registry, isActive,
	)

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	if cfg.HA.Enabled {
		g.Go(func() error { return runUntilCancelled(gctx, ha.Run) })
	}

	if cfg.Reload.Enabled {
		watcher, err := reload.New(artifactPath, cycle, logger)
		if err != nil {
			return fmt.Errorf("starting artifact watcher: %w", err)
		}
		g.Go(func() error { return runUntilCancelled(gctx, watcher.Run) })
	}

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: registry.Handler()}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error { return runUntilCancelled(gctx, cycle.Run) })

	logger.Info("runtime started", "period_ms", cfg.Cycle.PeriodMS)
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	logger.Info("runtime shut down")
	return nil
}

// runUntilCancelled adapts a component whose Run returns ctx.Err() on
// ordinary shutdown into an errgroup-compatible function that reports a
// cancellation-caused exit as success.
func runUntilCancelled(ctx context.Context, run func(context.Context) error) error {
	err := run(ctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	return err
}

func setupLogging(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.Debug}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", "telemetry-rules-runtime", "version", version)
	slog.SetDefault(logger)
	return logger
}
