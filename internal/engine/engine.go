// Package engine executes scans. The Engine facade is the single entry point
// the gateways call: it validates the command, registers the execution,
// launches the container through the runtime boundary, streams output to the
// publisher and the store, and reconciles the terminal state under every
// failure mode. One goroutine per active scan drives its own supervisor; the
// registry is the only shared mutable structure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oryxsec/scanengine/internal/command"
	"github.com/oryxsec/scanengine/internal/events"
	"github.com/oryxsec/scanengine/internal/runtime"
	"github.com/oryxsec/scanengine/internal/storage"
	"github.com/oryxsec/scanengine/internal/tools"
)

// ErrMissingScanID is returned when a request carries no scan id.
var ErrMissingScanID = errors.New("scan id is required")

// Config bounds every scan the engine runs.
type Config struct {
	// DefaultTimeout applies when a request carries none.
	DefaultTimeout time.Duration

	// CPULimit is the fractional-core ceiling per container.
	CPULimit float64

	// MemoryLimitMB is the hard memory cap per container.
	MemoryLimitMB int64

	// StopGrace is how long a killed process gets before the hard kill.
	StopGrace time.Duration

	// DefaultImage is probed at warm-up and reported by HealthCheck.
	DefaultImage string

	// PrePullImages pulls every registered tool image at warm-up instead of
	// only the default.
	PrePullImages bool
}

func (c *Config) withDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Minute
	}
	if c.CPULimit <= 0 {
		c.CPULimit = 0.5
	}
	if c.MemoryLimitMB <= 0 {
		c.MemoryLimitMB = 512
	}
}

// Metrics receives scan lifecycle observations. The observability package
// provides the Prometheus-backed implementation; a nil Metrics disables
// recording.
type Metrics interface {
	ScanStarted(tool string)
	ScanFinished(tool, status string, duration time.Duration, outputBytes int)
	SetActiveScans(n int)
}

type nopMetrics struct{}

func (nopMetrics) ScanStarted(string)                              {}
func (nopMetrics) ScanFinished(string, string, time.Duration, int) {}
func (nopMetrics) SetActiveScans(int)                              {}

// Options wires the engine's collaborators. Runtime, Store, and Publisher are
// required; Metrics and Logger default to no-ops.
type Options struct {
	Runtime   runtime.Engine
	Store     storage.ScanStore
	Publisher events.Publisher
	Metrics   Metrics
	Logger    *slog.Logger
	Config    Config
}

// ExecuteRequest is one scan to run.
type ExecuteRequest struct {
	ScanID  string
	UserID  string
	Command string
	Timeout time.Duration
}

// Result is the structured outcome of a scan that reached a terminal state.
type Result struct {
	Success     bool          `json:"success"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	ContainerID string        `json:"container_id,omitempty"`
	ExitCode    int64         `json:"exit_code"`
	Killed      bool          `json:"killed"`
	Duration    time.Duration `json:"duration"`
}

// StatusReport is a point-in-time view of one scan, computed from the
// registry on demand and never cached.
type StatusReport struct {
	Exists  bool                    `json:"exists"`
	Running bool                    `json:"running"`
	Stats   *events.ContainerStatus `json:"stats,omitempty"`
}

// ActiveScan summarizes one registered execution.
type ActiveScan struct {
	ScanID      string    `json:"scan_id"`
	UserID      string    `json:"user_id"`
	Tool        string    `json:"tool"`
	Target      string    `json:"target,omitempty"`
	Image       string    `json:"image"`
	ContainerID string    `json:"container_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// Health is the engine's diagnostic self-report. Never errors; unreachable
// collaborators show up as false fields.
type Health struct {
	EngineReachable bool   `json:"engine_reachable"`
	ImagePresent    bool   `json:"image_present"`
	Mode            string `json:"mode"`
	ActiveScans     int    `json:"active_scans"`
}

// Engine composes the command interpreter, registry, runtime, publisher, and
// store into the scan execution facade.
type Engine struct {
	rt        runtime.Engine
	store     storage.ScanStore
	publisher events.Publisher
	metrics   Metrics
	registry  *Registry
	logger    *slog.Logger
	cfg       Config

	imageReady atomic.Bool
}

// New builds an engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Runtime == nil {
		return nil, errors.New("engine: runtime is required")
	}
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Config.withDefaults()

	return &Engine{
		rt:        opts.Runtime,
		store:     opts.Store,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		registry:  NewRegistry(),
		logger:    opts.Logger,
		cfg:       opts.Config,
	}, nil
}

// ExecuteScan runs one scan to a terminal state and returns its result.
// Precondition failures (missing id, empty command, unknown tool, duplicate
// scan id) are returned as errors before any container is touched; everything
// past that point lands in the Result, never as an error.
func (e *Engine) ExecuteScan(ctx context.Context, req ExecuteRequest) (Result, error) {
	if req.ScanID == "" {
		return Result{}, ErrMissingScanID
	}

	inv, err := command.Parse(req.Command)
	if err != nil {
		return Result{}, err
	}

	exec := newExecution(req.ScanID, req.UserID, inv.Tool, inv.Target, inv.Definition.Image, e.rt.Mode())
	exec.cpuLimit = e.cfg.CPULimit
	exec.memoryLimitMB = e.cfg.MemoryLimitMB

	if err := e.registry.Insert(exec); err != nil {
		return Result{}, fmt.Errorf("scan %s: %w", req.ScanID, err)
	}

	e.metrics.ScanStarted(string(inv.Tool))
	e.metrics.SetActiveScans(e.registry.Len())

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	e.logger.Info("executing scan",
		slog.String("scan_id", req.ScanID),
		slog.String("tool", string(inv.Tool)),
		slog.String("image", inv.Definition.Image),
		slog.String("mode", string(e.rt.Mode())),
		slog.Duration("timeout", timeout),
	)

	sup := &supervisor{
		exec:      exec,
		inv:       inv,
		rt:        e.rt,
		store:     e.store,
		publisher: e.publisher,
		registry:  e.registry,
		metrics:   e.metrics,
		logger:    e.logger,
		timeout:   timeout,
		stopGrace: e.cfg.StopGrace,
	}
	result := sup.run(ctx)

	e.metrics.SetActiveScans(e.registry.Len())
	return result, nil
}

// KillScan requests termination of an active scan. Returns false when no
// execution is active for the id or a kill was already requested; idempotent
// and safe to race with natural completion.
func (e *Engine) KillScan(scanID string) bool {
	exec, ok := e.registry.Get(scanID)
	if !ok {
		return false
	}
	if !exec.markKilled() {
		return false
	}
	e.logger.Info("kill requested", slog.String("scan_id", scanID))
	return true
}

// Status reports whether a scan is active and, if so, its container stats.
func (e *Engine) Status(scanID string) StatusReport {
	exec, ok := e.registry.Get(scanID)
	if !ok {
		return StatusReport{}
	}

	start := exec.getStartTime()
	stats := &events.ContainerStatus{
		ContainerID:   exec.getContainerID(),
		Image:         exec.image,
		Running:       true,
		MemoryLimitMB: exec.memoryLimitMB,
		CPULimit:      exec.cpuLimit,
		CreatedAt:     start,
	}
	if !start.IsZero() {
		stats.UptimeSeconds = time.Since(start).Seconds()
	}
	return StatusReport{Exists: true, Running: true, Stats: stats}
}

// ActiveScans lists every registered execution.
func (e *Engine) ActiveScans() []ActiveScan {
	execs := e.registry.Snapshot()
	out := make([]ActiveScan, 0, len(execs))
	for _, exec := range execs {
		out = append(out, ActiveScan{
			ScanID:      exec.scanID,
			UserID:      exec.userID,
			Tool:        string(exec.tool),
			Target:      exec.target,
			Image:       exec.image,
			ContainerID: exec.getContainerID(),
			StartedAt:   exec.getStartTime(),
		})
	}
	return out
}

// ActiveScanIDs lists the scan ids with a registered execution. Consumed by
// the orphan reaper to spare live containers.
func (e *Engine) ActiveScanIDs() []string {
	execs := e.registry.Snapshot()
	ids := make([]string, 0, len(execs))
	for _, exec := range execs {
		ids = append(ids, exec.scanID)
	}
	return ids
}

// HealthCheck probes the container engine and reports the active mode. It
// never returns an error; unreachable engines surface as a false field.
func (e *Engine) HealthCheck(ctx context.Context) Health {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	h := Health{
		Mode:         string(e.rt.Mode()),
		ImagePresent: e.imageReady.Load(),
		ActiveScans:  e.registry.Len(),
	}
	if err := e.rt.Ping(pingCtx); err == nil {
		h.EngineReachable = true
	}
	return h
}

// WarmUp verifies engine reachability and pulls the configured images. In
// real mode an unreachable engine is a hard startup failure, never a silent
// fallback to simulation.
func (e *Engine) WarmUp(ctx context.Context) error {
	if err := e.rt.Ping(ctx); err != nil {
		return fmt.Errorf("container engine unreachable: %w", err)
	}

	images := []string{}
	if e.cfg.PrePullImages {
		images = tools.Images()
	} else if e.cfg.DefaultImage != "" {
		images = []string{e.cfg.DefaultImage}
	}
	for _, image := range images {
		if err := e.rt.EnsureImage(ctx, image); err != nil {
			return fmt.Errorf("pulling image %s: %w", image, err)
		}
		e.logger.Info("image ready", slog.String("image", image))
	}
	e.imageReady.Store(true)
	return nil
}

// Cleanup kills every active scan and waits for the registry to drain.
// Invoked by the hosting process on shutdown.
func (e *Engine) Cleanup(ctx context.Context) error {
	execs := e.registry.Snapshot()
	if len(execs) == 0 {
		return nil
	}

	e.logger.Info("draining active scans", slog.Int("count", len(execs)))
	for _, exec := range execs {
		exec.markKilled()
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.registry.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown drain interrupted with %d scans active: %w", e.registry.Len(), ctx.Err())
		case <-ticker.C:
		}
	}
}
