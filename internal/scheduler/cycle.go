// Package scheduler drives the fixed-cadence evaluation loop: each tick
// reads sensor values, walks the artifact's layers in order (each layer's
// groups run concurrently via errgroup, replacing an ad-hoc channel
// fan-out), and flushes the cycle's writes as one batch. A lightweight
// cron layered on top of the ticker runs periodic maintenance, grounded in
// the teacher's scheduler.go use of robfig/cron for tasks alongside its
// main loop.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/aegisshield/telemetry-rules-engine/internal/action"
	"github.com/aegisshield/telemetry-rules-engine/internal/emit"
	"github.com/aegisshield/telemetry-rules-engine/internal/eval"
	"github.com/aegisshield/telemetry-rules-engine/internal/exprlang"
	"github.com/aegisshield/telemetry-rules-engine/internal/metrics"
	"github.com/aegisshield/telemetry-rules-engine/internal/store"
)

// Cycle runs the fixed-cadence rule-evaluation loop against one loaded
// Artifact. The artifact can be swapped out between ticks by SetArtifact
// (called by package reload), so Cycle holds it behind an atomic pointer rather
// than taking it only at construction time.
type Cycle struct {
	period     time.Duration
	store      store.Adapter
	evaluator  *eval.Evaluator
	exprs      *exprlang.Cache
	logger     *slog.Logger
	metrics    *metrics.Registry
	cron       *cron.Cron

	artifact *atomicArtifact
	isActive func() bool // HA.IsActive; a standby instance still ticks but skips writes
}

// NewCycle builds a Cycle around an already-loaded artifact.
func NewCycle(period time.Duration, art *emit.Artifact, s store.Adapter, ev *eval.Evaluator, exprs *exprlang.Cache, logger *slog.Logger, m *metrics.Registry, isActive func() bool) *Cycle {
	c := &Cycle{
		period:    period,
		store:     s,
		evaluator: ev,
		exprs:     exprs,
		logger:    logger,
		metrics:   m,
		cron:      cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		artifact:  newAtomicArtifact(art),
		isActive:  isActive,
	}
	if isActive == nil {
		c.isActive = func() bool { return true }
	}
	return c
}

// SetArtifact atomically swaps in a newly compiled artifact, used by the
// hot-reload watcher; in-flight cycles finish against the artifact they
// started with.
func (c *Cycle) SetArtifact(art *emit.Artifact) {
	c.artifact.store(art)
}

// ScheduleMaintenance registers a cron-syntax periodic task (e.g. metrics
// snapshotting, temporal buffer compaction) alongside the main tick loop.
func (c *Cycle) ScheduleMaintenance(spec string, task func(context.Context)) error {
	_, err := c.cron.AddFunc(spec, func() { task(context.Background()) })
	return err
}

// Run blocks, ticking every period until ctx is cancelled.
func (c *Cycle) Run(ctx context.Context) error {
	c.cron.Start()
	defer func() { <-c.cron.Stop().Done() }()

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-ticker.C:
			c.runOne(ctx, tick)
		}
	}
}

func (c *Cycle) runOne(ctx context.Context, tick time.Time) {
	start := time.Now()
	art := c.artifact.load()
	if art == nil {
		return
	}

	active := c.isActive()
	c.metrics.SetActive(active)
	if !active {
		return
	}

	if err := c.evaluateArtifact(ctx, art, tick); err != nil {
		c.logger.Error("cycle failed", "error", err)
		c.metrics.IncCycleError()
		return
	}
	c.metrics.ObserveCycleDuration(time.Since(start))
}

// evaluateArtifact is factored out of runOne so tests can drive a single
// cycle deterministically without a ticker.
func (c *Cycle) evaluateArtifact(ctx context.Context, art *emit.Artifact, now time.Time) error {
	values, err := c.store.GetValues(ctx, art.Manifest.InputSensors)
	if err != nil {
		return err
	}
	for key, v := range values {
		c.evaluator.Temporal.Update(key, v, now)
	}

	batch := action.NewBatch()
	for _, layer := range art.Layers {
		if err := c.runLayer(ctx, layer, values, batch, now); err != nil {
			return err
		}
		// Later layers see this layer's writes: a producer's layer always
		// strictly precedes every consumer's layer.
		for k, v := range batch.Writes() {
			values[k] = v
		}
	}

	if err := action.Flush(ctx, batch, c.store); err != nil {
		return err
	}
	c.metrics.AddRulesEvaluated(countRules(art))
	return nil
}

func (c *Cycle) runLayer(ctx context.Context, layer emit.Layer, values eval.Values, batch *action.Batch, now time.Time) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, group := range layer.Groups {
		group := group
		g.Go(func() error {
			return c.runGroup(gctx, group, values, batch, now)
		})
	}
	return g.Wait()
}

func (c *Cycle) runGroup(_ context.Context, group emit.Group, values eval.Values, batch *action.Batch, now time.Time) error {
	for _, r := range group.Rules {
		matched, err := c.evaluator.EvaluateGroup(r.Conditions, values, now)
		if err != nil {
			c.logger.Warn("rule evaluation error", "rule", r.Name, "error", err)
			c.metrics.IncRuleError(r.Name)
			continue
		}
		if !matched {
			continue
		}
		if err := batch.Apply(r, values, c.exprs); err != nil {
			c.logger.Warn("rule action error", "rule", r.Name, "error", err)
			c.metrics.IncRuleError(r.Name)
			continue
		}
		c.metrics.IncRuleFired(r.Name)
	}
	return nil
}

func countRules(art *emit.Artifact) int {
	n := 0
	for _, l := range art.Layers {
		for _, g := range l.Groups {
			n += len(g.Rules)
		}
	}
	return n
}
