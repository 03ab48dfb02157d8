package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oryxsec/scanengine/internal/command"
	"github.com/oryxsec/scanengine/internal/events"
	"github.com/oryxsec/scanengine/internal/runtime"
	"github.com/oryxsec/scanengine/internal/storage"
)

const (
	// maxOutputBytes caps the accumulated output carried in the completion
	// event. Streaming and persisted log lines are unaffected by the cap.
	maxOutputBytes = 10 << 20

	// maxErrorDetailBytes caps the stderr tail attached to failure results.
	maxErrorDetailBytes = 8 << 10

	// exitDrainTimeout bounds how long a forced kill waits for the container's
	// exit code before fabricating one.
	exitDrainTimeout = 10 * time.Second

	// attachDrainTimeout bounds how long finalization waits for the output
	// streams to flush after the process exited.
	attachDrainTimeout = 2 * time.Second
)

// supervisor drives one scan's lifecycle from launch to terminal state. It is
// the sole writer of the scan's execution record and the only code path that
// removes the registry entry or emits the terminal event, which is what makes
// both exactly-once.
type supervisor struct {
	exec      *execution
	inv       *command.Invocation
	rt        runtime.Engine
	store     storage.ScanStore
	publisher events.Publisher
	registry  *Registry
	metrics   Metrics
	logger    *slog.Logger

	timeout   time.Duration
	stopGrace time.Duration

	// persistCtx survives caller cancellation so terminal writes still land.
	persistCtx context.Context

	mu          sync.Mutex
	output      strings.Builder
	outputBytes int
	truncated   bool
	stderrTail  strings.Builder
	// finalized flips once, right before the terminal event. A stream that
	// outlives the attach drain window can no longer publish past it.
	finalized bool
}

func (s *supervisor) run(ctx context.Context) Result {
	s.persistCtx = context.WithoutCancel(ctx)
	start := time.Now()
	s.exec.setStartTime(start)

	// scanCtx is cancelled whenever the scan is killed, so every provisioning
	// round-trip (the image pull included) unblocks on the kill path, not just
	// the streaming select below.
	scanCtx, cancelScan := context.WithCancel(ctx)
	defer cancelScan()
	go func() {
		select {
		case <-s.exec.killCh:
			cancelScan()
		case <-scanCtx.Done():
		}
	}()

	// The timer is the only thing that can force a terminal transition
	// without process exit. It is armed before any engine round-trip and
	// converges on the same kill path as killScan.
	timer := time.AfterFunc(s.timeout, func() {
		if s.exec.markKilled() {
			s.logger.Warn("scan timed out",
				slog.String("scan_id", s.exec.scanID),
				slog.Duration("timeout", s.timeout),
			)
		}
	})
	defer timer.Stop()

	s.persistCreate()
	s.progress("queued", 0, "Preparing scan", "", "")

	if err := s.rt.EnsureImage(scanCtx, s.exec.image); err != nil {
		return s.finalizeProvisionError(start, fmt.Errorf("pulling image %s: %w", s.exec.image, err))
	}

	containerID, err := s.rt.Create(scanCtx, runtime.ContainerSpec{
		Name:  runtime.ContainerNamePrefix + s.exec.scanID,
		Image: s.exec.image,
		Cmd:   s.inv.Args,
		Labels: map[string]string{
			"oryx.scan_id": s.exec.scanID,
			"oryx.user_id": s.exec.userID,
		},
		CPULimit:      s.exec.cpuLimit,
		MemoryLimitMB: s.exec.memoryLimitMB,
		AutoRemove:    true,
	})
	if err != nil {
		return s.finalizeProvisionError(start, fmt.Errorf("creating container: %w", err))
	}
	s.exec.setContainerID(containerID)

	s.persistStatus(storage.StatusRunning, &storage.StatusMeta{ContainerID: containerID})
	s.progress("running", 10, "Launching container", "", "")
	s.publishContainerStatus(true)

	// Register for the exit before starting so a fast-exiting process cannot
	// slip past the wait.
	waitCh := s.rt.Wait(ctx, containerID)

	attachDone := make(chan error, 1)
	go func() {
		attachDone <- s.rt.Attach(ctx, containerID,
			&chunkWriter{s: s, stream: "stdout", level: "info"},
			&chunkWriter{s: s, stream: "stderr", level: "warning"},
		)
	}()

	if err := s.rt.Start(scanCtx, containerID); err != nil {
		s.rt.Remove(s.persistCtx, containerID)
		return s.finalizeProvisionError(start, fmt.Errorf("starting container: %w", err))
	}
	s.progress("running", 25, "Scan started", "", "")

	var res runtime.WaitResult
	select {
	case res = <-waitCh:
	case <-s.exec.killCh:
		res = s.forceStop(containerID, waitCh)
	case <-ctx.Done():
		s.exec.markKilled()
		res = s.forceStop(containerID, waitCh)
	}

	// Let the attached streams flush before snapshotting the output.
	select {
	case err := <-attachDone:
		if err != nil && ctx.Err() == nil && !s.exec.killed() {
			s.logger.Warn("output stream ended with error",
				slog.String("scan_id", s.exec.scanID),
				slog.String("error", err.Error()),
			)
		}
	case <-time.After(attachDrainTimeout):
	}

	return s.finalize(start, res)
}

// forceStop tears the container down and drains its exit code. Stop and
// Remove are best-effort; a container that is already gone is fine.
func (s *supervisor) forceStop(containerID string, waitCh <-chan runtime.WaitResult) runtime.WaitResult {
	s.rt.Stop(s.persistCtx, containerID, s.stopGrace)

	var res runtime.WaitResult
	select {
	case res = <-waitCh:
	case <-time.After(exitDrainTimeout):
		res = runtime.WaitResult{ExitCode: -1}
	}

	s.rt.Remove(s.persistCtx, containerID)
	return res
}

func (s *supervisor) finalize(start time.Time, res runtime.WaitResult) Result {
	killed := s.exec.killed()
	duration := time.Since(start)
	output, truncated := s.markFinalized()
	containerID := s.exec.getContainerID()

	s.registry.Remove(s.exec.scanID)

	result := Result{
		ContainerID: containerID,
		ExitCode:    res.ExitCode,
		Killed:      killed,
		Duration:    duration,
		Output:      output,
	}

	var status storage.Status
	switch {
	case killed:
		status = storage.StatusCancelled
		result.Error = "Scan killed"
	case res.Err != nil:
		status = storage.StatusFailed
		result.Error = fmt.Sprintf("waiting for container: %v", res.Err)
	case res.ExitCode == 0:
		status = storage.StatusCompleted
		result.Success = true
	default:
		status = storage.StatusFailed
		result.Error = fmt.Sprintf("tool exited with code %d", res.ExitCode)
	}

	exit := res.ExitCode
	s.persistStatus(status, &storage.StatusMeta{
		ContainerID: containerID,
		ExitCode:    &exit,
		DurationMS:  duration.Milliseconds(),
		Killed:      killed,
		Error:       result.Error,
	})

	// Stopped-container status first; the terminal event is always the last
	// one published for a scan.
	s.publishContainerStatus(false)
	if result.Success {
		s.publisher.PublishComplete(s.exec.scanID, s.exec.userID, events.Complete{
			ContainerID: containerID,
			ExitCode:    res.ExitCode,
			Duration:    duration,
			Output:      output,
		})
	} else {
		s.publisher.PublishError(s.exec.scanID, s.exec.userID, events.Error{
			Message: result.Error,
			Details: s.errorDetail(),
			Killed:  killed,
		})
	}

	s.metrics.ScanFinished(string(s.exec.tool), string(status), duration, s.countOutputBytes())

	s.logger.Info("scan finalized",
		slog.String("scan_id", s.exec.scanID),
		slog.String("status", string(status)),
		slog.Int64("exit_code", res.ExitCode),
		slog.Bool("killed", killed),
		slog.Duration("duration", duration),
		slog.Bool("output_truncated", truncated),
	)
	return result
}

// finalizeProvisionError handles failures before the container ran: image
// pull and create/start errors. A kill or timeout that lands during
// provisioning also arrives here, because the cancelled scan context aborts
// whichever engine call was in flight.
func (s *supervisor) finalizeProvisionError(start time.Time, err error) Result {
	killed := s.exec.killed()
	duration := time.Since(start)
	containerID := s.exec.getContainerID()

	s.registry.Remove(s.exec.scanID)
	s.markFinalized()

	result := Result{
		ContainerID: containerID,
		Killed:      killed,
		Duration:    duration,
	}
	status := storage.StatusFailed
	if killed {
		status = storage.StatusCancelled
		result.Error = "Scan killed"
	} else {
		result.Error = err.Error()
	}

	s.persistStatus(status, &storage.StatusMeta{
		ContainerID: containerID,
		DurationMS:  duration.Milliseconds(),
		Killed:      killed,
		Error:       result.Error,
	})
	s.publishContainerStatus(false)
	s.publisher.PublishError(s.exec.scanID, s.exec.userID, events.Error{
		Message: result.Error,
		Killed:  killed,
	})

	s.metrics.ScanFinished(string(s.exec.tool), string(status), duration, 0)

	s.logger.Error("scan provisioning failed",
		slog.String("scan_id", s.exec.scanID),
		slog.String("tool", string(s.exec.tool)),
		slog.Bool("killed", killed),
		slog.String("error", err.Error()),
	)
	return result
}

func (s *supervisor) progress(status string, percent int, step, chunk, stream string) {
	s.publisher.PublishProgress(s.exec.scanID, s.exec.userID, events.Progress{
		Status:      status,
		Percent:     percent,
		Step:        step,
		OutputChunk: chunk,
		Stream:      stream,
	})
}

func (s *supervisor) publishContainerStatus(running bool) {
	start := s.exec.getStartTime()
	status := events.ContainerStatus{
		ContainerID:   s.exec.getContainerID(),
		Image:         s.exec.image,
		Running:       running,
		MemoryLimitMB: s.exec.memoryLimitMB,
		CPULimit:      s.exec.cpuLimit,
		CreatedAt:     start,
	}
	if !start.IsZero() {
		status.UptimeSeconds = time.Since(start).Seconds()
	}
	s.publisher.PublishContainerStatus(s.exec.scanID, s.exec.userID, status)
}

// Persistence is fire-and-forget from the scan's perspective: a storage
// failure is logged and never fails the scan.

func (s *supervisor) persistCreate() {
	err := s.store.CreateScan(s.persistCtx, &storage.Scan{
		ScanID:  s.exec.scanID,
		UserID:  s.exec.userID,
		Command: strings.Join(s.inv.Args, " "),
		Tool:    string(s.exec.tool),
		Target:  s.exec.target,
		Image:   s.exec.image,
		Status:  storage.StatusQueued,
	})
	if err != nil {
		s.logger.Warn("persisting scan record failed",
			slog.String("scan_id", s.exec.scanID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *supervisor) persistStatus(status storage.Status, meta *storage.StatusMeta) {
	if err := s.store.UpdateStatus(s.persistCtx, s.exec.scanID, status, meta); err != nil {
		s.logger.Warn("persisting scan status failed",
			slog.String("scan_id", s.exec.scanID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

// recordChunk accumulates one output chunk and publishes its progress event,
// unless the scan already finalized. The publish happens under the same lock
// markFinalized takes, so a chunk event can never land after the terminal
// event.
func (s *supervisor) recordChunk(chunk, stream string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return false
	}

	s.outputBytes += len(chunk)
	stored := chunk
	if s.output.Len() < maxOutputBytes {
		remaining := maxOutputBytes - s.output.Len()
		if len(stored) > remaining {
			stored = stored[:remaining]
			s.truncated = true
		}
		s.output.WriteString(stored)
	} else {
		s.truncated = true
	}
	if stream == "stderr" && s.stderrTail.Len() < maxErrorDetailBytes {
		s.stderrTail.WriteString(stored)
	}

	s.publisher.PublishProgress(s.exec.scanID, s.exec.userID, events.Progress{
		Status:      "running",
		Percent:     50,
		OutputChunk: chunk,
		Stream:      stream,
	})
	return true
}

// markFinalized closes the scan to further chunk publishes and snapshots the
// accumulated output.
func (s *supervisor) markFinalized() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	return s.output.String(), s.truncated
}

func (s *supervisor) countOutputBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputBytes
}

func (s *supervisor) errorDetail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stderrTail.String()
}

// chunkWriter receives one demultiplexed stream and fans each chunk into the
// accumulated buffer, the persistence service, and the live event stream.
// Writes arrive in production order, so publish order matches byte order.
type chunkWriter struct {
	s      *supervisor
	stream string
	level  string
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	chunk := string(p)
	if !w.s.recordChunk(chunk, w.stream) {
		// A straggling chunk from a stream that outlived the drain window.
		// The terminal event has been published and nothing may follow it.
		return len(p), nil
	}

	if err := w.s.store.AppendLog(w.s.persistCtx, &storage.LogEntry{
		ScanID:    w.s.exec.scanID,
		Timestamp: time.Now().UTC(),
		Level:     w.level,
		Message:   "scan output",
		RawOutput: chunk,
	}); err != nil {
		w.s.logger.Warn("persisting log line failed",
			slog.String("scan_id", w.s.exec.scanID),
			slog.String("error", err.Error()),
		)
	}
	return len(p), nil
}
