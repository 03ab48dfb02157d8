package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/oryxsec/scanengine/internal/runtime"
	"github.com/oryxsec/scanengine/internal/tools"
)

// ErrScanConflict is returned when a scan id already has an active execution.
var ErrScanConflict = errors.New("scan already active")

// execution tracks one active scan for its lifetime. The supervisor that
// created it is the only writer; killScan and status reads go through the
// mutex-guarded accessors.
type execution struct {
	scanID string
	userID string
	tool   tools.Tool
	target string
	image  string
	mode   runtime.Mode

	cpuLimit      float64
	memoryLimitMB int64

	mu          sync.Mutex
	containerID string
	startTime   time.Time

	// killCh closes exactly once, on the first kill request. The supervisor
	// selects on it; late kills are absorbed by the Once.
	killOnce sync.Once
	killCh   chan struct{}
}

func newExecution(scanID, userID string, tool tools.Tool, target, image string, mode runtime.Mode) *execution {
	return &execution{
		scanID: scanID,
		userID: userID,
		tool:   tool,
		target: target,
		image:  image,
		mode:   mode,
		killCh: make(chan struct{}),
	}
}

// markKilled requests termination. Returns true only for the first call.
func (e *execution) markKilled() bool {
	first := false
	e.killOnce.Do(func() {
		first = true
		close(e.killCh)
	})
	return first
}

func (e *execution) killed() bool {
	select {
	case <-e.killCh:
		return true
	default:
		return false
	}
}

func (e *execution) setContainerID(id string) {
	e.mu.Lock()
	e.containerID = id
	e.mu.Unlock()
}

func (e *execution) getContainerID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.containerID
}

func (e *execution) setStartTime(t time.Time) {
	e.mu.Lock()
	e.startTime = t
	e.mu.Unlock()
}

func (e *execution) getStartTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startTime
}

// Registry is the shared table of active executions, keyed by scan id. It is
// the single structure that makes "at most one active container per scan id"
// hold: Insert refuses duplicates, and the owning supervisor removes the
// entry exactly once on finalization.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*execution
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*execution)}
}

// Insert registers exec under its scan id. Returns ErrScanConflict if an
// execution is already active for that id.
func (r *Registry) Insert(exec *execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[exec.scanID]; exists {
		return ErrScanConflict
	}
	r.active[exec.scanID] = exec
	return nil
}

// Remove deletes the entry for scanID. Returns true if the entry existed,
// false if it was already gone. Callers rely on this for at-most-once
// finalization.
func (r *Registry) Remove(scanID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[scanID]; !exists {
		return false
	}
	delete(r.active, scanID)
	return true
}

// Get looks up the active execution for scanID.
func (r *Registry) Get(scanID string) (*execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.active[scanID]
	return exec, ok
}

// Snapshot returns the current active executions. The slice is a copy; the
// executions themselves are shared.
func (r *Registry) Snapshot() []*execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*execution, 0, len(r.active))
	for _, exec := range r.active {
		out = append(out, exec)
	}
	return out
}

// Len reports the number of active executions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
