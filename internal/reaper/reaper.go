// Package reaper sweeps up orphaned scan containers. An orphan is a container
// carrying the scan name prefix with no registered execution behind it —
// typically left over from a process crash before cleanup could run. The
// sweep runs on a cron schedule and removes orphans older than a threshold.
package reaper

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oryxsec/scanengine/internal/runtime"
)

// ActiveSet reports which scan ids currently have a registered execution.
// Satisfied by the engine; containers backing an active scan are never
// touched.
type ActiveSet interface {
	ActiveScanIDs() []string
}

// Metrics counts removed orphans. Optional.
type Metrics interface {
	OrphanReaped()
}

// Config configures the sweep.
type Config struct {
	Schedule string        // Cron expression, e.g. "@every 5m".
	MaxAge   time.Duration // Containers younger than this are left alone.
}

// Reaper periodically lists scan containers and removes abandoned ones.
type Reaper struct {
	lister  runtime.Lister
	remover runtime.Engine
	active  ActiveSet
	metrics Metrics
	logger  *slog.Logger
	cfg     Config
	cron    *cron.Cron
}

// New creates a Reaper. metrics may be nil.
func New(eng runtime.Engine, lister runtime.Lister, active ActiveSet, metrics Metrics, cfg Config, logger *slog.Logger) *Reaper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	return &Reaper{
		lister:  lister,
		remover: eng,
		active:  active,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// Start schedules the sweep and returns immediately. Call Stop on shutdown.
func (r *Reaper) Start(ctx context.Context) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		if n := r.Sweep(ctx); n > 0 {
			r.logger.Info("reaped orphaned containers", slog.Int("count", n))
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("orphan reaper started",
		slog.String("schedule", r.cfg.Schedule),
		slog.Duration("max_age", r.cfg.MaxAge),
	)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// Sweep removes every orphaned scan container older than MaxAge and returns
// how many were removed. Removal is best-effort; a container that disappears
// mid-sweep is not an error.
func (r *Reaper) Sweep(ctx context.Context) int {
	containers, err := r.lister.List(ctx, runtime.ContainerNamePrefix)
	if err != nil {
		r.logger.Warn("listing scan containers failed", slog.String("error", err.Error()))
		return 0
	}
	if len(containers) == 0 {
		return 0
	}

	active := make(map[string]struct{})
	for _, id := range r.active.ActiveScanIDs() {
		active[id] = struct{}{}
	}

	cutoff := time.Now().Add(-r.cfg.MaxAge)
	removed := 0
	for _, c := range containers {
		scanID := strings.TrimPrefix(c.Name, runtime.ContainerNamePrefix)
		if _, ok := active[scanID]; ok {
			continue
		}
		if c.Created.After(cutoff) {
			continue
		}

		r.logger.Warn("removing orphaned scan container",
			slog.String("container_id", c.ID),
			slog.String("name", c.Name),
			slog.Time("created", c.Created),
		)
		if c.Running {
			r.remover.Stop(ctx, c.ID, 0)
		}
		r.remover.Remove(ctx, c.ID)
		if r.metrics != nil {
			r.metrics.OrphanReaped()
		}
		removed++
	}
	return removed
}
