// Package runtime is the process-lifecycle boundary between the scan engine
// and a container engine. It knows how to create, attach, start, wait for,
// and tear down containers — it never interprets what the tool inside does.
//
// Two implementations exist: the Docker Engine API adapter (real mode) and a
// simulator that fabricates labeled tool output (degraded mode). Exactly one
// is active per deployment.
package runtime

import (
	"context"
	"io"
	"time"
)

// ContainerSpec describes a container to create. Resource ceilings are always
// applied so one scan cannot starve others.
type ContainerSpec struct {
	Name          string            // Unique container name (oryx-scan-<id>).
	Image         string            // Fully qualified image reference.
	Cmd           []string          // Argument vector. Never shell-interpreted.
	Labels        map[string]string // Engine labels (scan id, owner).
	CPULimit      float64           // Fractional cores (e.g. 0.5).
	MemoryLimitMB int64             // Hard memory cap.
	AutoRemove    bool              // Engine-side removal on exit.
}

// WaitResult is the outcome of a container's wait: the numeric exit code, or
// the error that prevented observing one.
type WaitResult struct {
	ExitCode int64
	Err      error
}

// ContainerInfo is a minimal view of an existing container, used by the
// orphan reaper.
type ContainerInfo struct {
	ID      string
	Name    string
	Created time.Time
	Running bool
}

// Engine is the container engine boundary consumed by the execution
// supervisor. All blocking operations honor ctx cancellation; Stop and Remove
// are best-effort and never report failure, since cleanup must not depend on
// the target still existing.
type Engine interface {
	// EnsureImage inspects the image and pulls it if missing, blocking until
	// the pull stream completes. Idempotent.
	EnsureImage(ctx context.Context, image string) error

	// Create builds a container from spec and returns its id. The process has
	// not started yet.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Attach connects to the container's output and demultiplexes it into the
	// given writers. It blocks until the streams close (process exit) or ctx
	// ends. Writes happen sequentially in the order bytes were produced, so
	// callers observe stdout/stderr interleaving faithfully.
	Attach(ctx context.Context, id string, stdout, stderr io.Writer) error

	// Start launches the container's process.
	Start(ctx context.Context, id string) error

	// Wait registers for the container's next exit and returns a channel the
	// result arrives on. Call before Start so a fast-exiting process cannot
	// be missed.
	Wait(ctx context.Context, id string) <-chan WaitResult

	// Stop terminates the container, giving the process the grace period to
	// exit before the kill. Best-effort.
	Stop(ctx context.Context, id string, grace time.Duration)

	// Remove force-deletes the container. Best-effort; removing an
	// already-gone container is not a failure.
	Remove(ctx context.Context, id string)

	// Ping probes engine reachability.
	Ping(ctx context.Context) error

	// Mode reports which execution mode this engine provides.
	Mode() Mode

	// Close releases the engine connection.
	Close() error
}

// Lister enumerates containers by name prefix. Implemented by both engines;
// consumed by the orphan reaper.
type Lister interface {
	List(ctx context.Context, namePrefix string) ([]ContainerInfo, error)
}

// ContainerNamePrefix is prepended to every scan container's name. The
// orphan reaper matches on it, so it must stay stable across releases.
const ContainerNamePrefix = "oryx-scan-"

// Mode distinguishes real container execution from simulation.
type Mode string

const (
	ModeReal     Mode = "real"
	ModeDegraded Mode = "degraded"
)
