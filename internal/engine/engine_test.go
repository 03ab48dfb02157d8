package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oryxsec/scanengine/internal/command"
	"github.com/oryxsec/scanengine/internal/events"
	"github.com/oryxsec/scanengine/internal/runtime"
	"github.com/oryxsec/scanengine/internal/storage"
	"github.com/oryxsec/scanengine/internal/tools"
)

// fakeRuntime is an in-memory runtime.Engine with scripted process behavior.
type fakeRuntime struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer
	created    []runtime.ContainerSpec
	ensured    []string
	stops      []string
	removes    []string

	ensureErr   error
	ensureBlock bool
	createErr   error
	startErr    error
	pingErr     error

	exitCode      int64
	exitDelay     time.Duration
	neverExit     bool
	stdoutChunks  []string
	stderrChunks  []string
	straggleChunk string
	straggleDelay time.Duration
}

type fakeContainer struct {
	spec     runtime.ContainerSpec
	started  chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) get(id string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id]
}

func (f *fakeRuntime) EnsureImage(ctx context.Context, image string) error {
	f.mu.Lock()
	f.ensured = append(f.ensured, image)
	f.mu.Unlock()
	if f.ensureBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.ensureErr
}

func (f *fakeRuntime) Create(_ context.Context, spec runtime.ContainerSpec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.containers[id] = &fakeContainer{
		spec:    spec,
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	f.created = append(f.created, spec)
	return id, nil
}

func (f *fakeRuntime) Attach(ctx context.Context, id string, stdout, stderr io.Writer) error {
	c := f.get(id)
	select {
	case <-c.started:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, chunk := range f.stdoutChunks {
		if _, err := stdout.Write([]byte(chunk)); err != nil {
			return err
		}
	}
	for _, chunk := range f.stderrChunks {
		if _, err := stderr.Write([]byte(chunk)); err != nil {
			return err
		}
	}
	if f.straggleDelay > 0 {
		time.Sleep(f.straggleDelay)
		_, err := stdout.Write([]byte(f.straggleChunk))
		return err
	}
	if f.neverExit {
		select {
		case <-c.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	if f.startErr != nil {
		return f.startErr
	}
	close(f.get(id).started)
	return nil
}

func (f *fakeRuntime) Wait(ctx context.Context, id string) <-chan runtime.WaitResult {
	ch := make(chan runtime.WaitResult, 1)
	c := f.get(id)
	go func() {
		select {
		case <-c.started:
		case <-ctx.Done():
			ch <- runtime.WaitResult{Err: ctx.Err()}
			return
		}
		if f.neverExit {
			select {
			case <-c.stopped:
				ch <- runtime.WaitResult{ExitCode: 137}
			case <-ctx.Done():
				ch <- runtime.WaitResult{Err: ctx.Err()}
			}
			return
		}
		select {
		case <-time.After(f.exitDelay):
			ch <- runtime.WaitResult{ExitCode: f.exitCode}
		case <-c.stopped:
			ch <- runtime.WaitResult{ExitCode: 137}
		case <-ctx.Done():
			ch <- runtime.WaitResult{Err: ctx.Err()}
		}
	}()
	return ch
}

func (f *fakeRuntime) Stop(_ context.Context, id string, _ time.Duration) {
	f.mu.Lock()
	f.stops = append(f.stops, id)
	f.mu.Unlock()
	if c := f.get(id); c != nil {
		c.stopOnce.Do(func() { close(c.stopped) })
	}
}

func (f *fakeRuntime) Remove(_ context.Context, id string) {
	f.mu.Lock()
	f.removes = append(f.removes, id)
	f.mu.Unlock()
}

func (f *fakeRuntime) Ping(context.Context) error { return f.pingErr }
func (f *fakeRuntime) Mode() runtime.Mode         { return runtime.ModeReal }
func (f *fakeRuntime) Close() error               { return nil }

// memStore records every persistence call.
type memStore struct {
	mu       sync.Mutex
	scans    map[string]*storage.Scan
	statuses []storage.Status
	logs     []storage.LogEntry
}

func newMemStore() *memStore {
	return &memStore{scans: make(map[string]*storage.Scan)}
}

func (m *memStore) CreateScan(_ context.Context, scan *storage.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *scan
	m.scans[scan.ScanID] = &cp
	return nil
}

func (m *memStore) UpdateStatus(_ context.Context, scanID string, status storage.Status, meta *storage.StatusMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	if scan, ok := m.scans[scanID]; ok {
		scan.Status = status
		if meta != nil {
			scan.Killed = meta.Killed
			scan.Error = meta.Error
			scan.ExitCode = meta.ExitCode
		}
	}
	return nil
}

func (m *memStore) AppendLog(_ context.Context, entry *storage.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *memStore) GetScan(_ context.Context, scanID string) (*storage.Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scan, ok := m.scans[scanID]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *scan
	return &cp, nil
}

func (m *memStore) ListLogs(context.Context, string, int) ([]storage.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.LogEntry(nil), m.logs...), nil
}

func (m *memStore) lastStatus() storage.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.statuses) == 0 {
		return ""
	}
	return m.statuses[len(m.statuses)-1]
}

func (m *memStore) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scans)
}

// capturePublisher records events in publish order.
type capturePublisher struct {
	mu        sync.Mutex
	kinds     []string
	chunks    []string
	completes []events.Complete
	errs      []events.Error
}

func (p *capturePublisher) PublishProgress(_, _ string, ev events.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, "progress")
	if ev.OutputChunk != "" {
		p.chunks = append(p.chunks, ev.OutputChunk)
	}
}

func (p *capturePublisher) PublishContainerStatus(_, _ string, _ events.ContainerStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, "container_status")
}

func (p *capturePublisher) PublishComplete(_, _ string, ev events.Complete) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, "complete")
	p.completes = append(p.completes, ev)
}

func (p *capturePublisher) PublishError(_, _ string, ev events.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, "error")
	p.errs = append(p.errs, ev)
}

func (p *capturePublisher) terminalCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.kinds {
		if k == "complete" || k == "error" {
			n++
		}
	}
	return n
}

func (p *capturePublisher) eventKinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.kinds...)
}

func (p *capturePublisher) outputChunks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.chunks...)
}

func newTestEngine(t *testing.T, rt *fakeRuntime, store *memStore, pub *capturePublisher) *Engine {
	t.Helper()
	eng, err := New(Options{
		Runtime:   rt,
		Store:     store,
		Publisher: pub,
		Logger:    slog.New(slog.DiscardHandler),
		Config: Config{
			CPULimit:      0.5,
			MemoryLimitMB: 512,
		},
	})
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	return eng
}

func TestExecuteScan_Success(t *testing.T) {
	rt := newFakeRuntime()
	rt.stdoutChunks = []string{"+ Target: 93.184.216.34\n", "+ Server: ECS\n"}
	store := newMemStore()
	pub := &capturePublisher{}
	eng := newTestEngine(t, rt, store, pub)

	result, err := eng.ExecuteScan(context.Background(), ExecuteRequest{
		ScanID:  "s1",
		UserID:  "u1",
		Command: "nikto -h 93.184.216.34",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ExecuteScan: %v", err)
	}

	if !result.Success {
		t.Errorf("success = false, error = %q", result.Error)
	}
	if result.ContainerID == "" {
		t.Error("container id not set")
	}
	if !strings.Contains(result.Output, "+ Server: ECS") {
		t.Errorf("output missing captured stdout: %q", result.Output)
	}
	if got := store.lastStatus(); got != storage.StatusCompleted {
		t.Errorf("persisted status = %q, want %q", got, storage.StatusCompleted)
	}
	if n := pub.terminalCount(); n != 1 {
		t.Errorf("terminal events = %d, want 1", n)
	}
	if kinds := pub.eventKinds(); kinds[len(kinds)-1] != "complete" {
		t.Errorf("last event = %q, want complete", kinds[len(kinds)-1])
	}

	spec := rt.created[0]
	if spec.Name != runtime.ContainerNamePrefix+"s1" {
		t.Errorf("container name = %q", spec.Name)
	}
	if spec.Cmd[0] != "nikto" {
		t.Errorf("cmd[0] = %q, want nikto", spec.Cmd[0])
	}
	if !spec.AutoRemove {
		t.Error("auto-remove not set")
	}
	if spec.MemoryLimitMB != 512 || spec.CPULimit != 0.5 {
		t.Errorf("resource limits = %dMB / %v cores", spec.MemoryLimitMB, spec.CPULimit)
	}
	if len(eng.ActiveScans()) != 0 {
		t.Error("registry not empty after completion")
	}
}

func TestExecuteScan_ForcedTimeout(t *testing.T) {
	rt := newFakeRuntime()
	rt.neverExit = true
	store := newMemStore()
	pub := &capturePublisher{}
	eng := newTestEngine(t, rt, store, pub)

	startedAt := time.Now()
	result, err := eng.ExecuteScan(context.Background(), ExecuteRequest{
		ScanID:  "s2",
		UserID:  "u1",
		Command: "sqlmap --batch -u http://x",
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ExecuteScan: %v", err)
	}

	if elapsed := time.Since(startedAt); elapsed > 5*time.Second {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
	if result.Success {
		t.Error("success = true for a timed-out scan")
	}
	if result.Error != "Scan killed" {
		t.Errorf("error = %q, want %q", result.Error, "Scan killed")
	}
	if !result.Killed {
		t.Error("killed not set")
	}
	if got := store.lastStatus(); got != storage.StatusCancelled {
		t.Errorf("persisted status = %q, want %q", got, storage.StatusCancelled)
	}
	if len(rt.stops) != 1 || len(rt.removes) != 1 {
		t.Errorf("stop/remove calls = %d/%d, want 1/1", len(rt.stops), len(rt.removes))
	}
	if len(pub.errs) != 1 || !pub.errs[0].Killed {
		t.Errorf("error events = %+v, want one with killed=true", pub.errs)
	}
}

func TestExecuteScan_TimeoutDuringImagePull(t *testing.T) {
	rt := newFakeRuntime()
	rt.ensureBlock = true
	store := newMemStore()
	pub := &capturePublisher{}
	eng := newTestEngine(t, rt, store, pub)

	done := make(chan Result, 1)
	go func() {
		res, _ := eng.ExecuteScan(context.Background(), ExecuteRequest{
			ScanID:  "pull-t",
			UserID:  "u1",
			Command: "nmap target.example.com",
			Timeout: 50 * time.Millisecond,
		})
		done <- res
	}()

	var result Result
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scan stuck in image pull past its timeout")
	}

	if !result.Killed {
		t.Error("killed not set")
	}
	if result.Error != "Scan killed" {
		t.Errorf("error = %q, want %q", result.Error, "Scan killed")
	}
	if got := store.lastStatus(); got != storage.StatusCancelled {
		t.Errorf("persisted status = %q, want %q", got, storage.StatusCancelled)
	}
	if len(rt.created) != 0 {
		t.Error("container created after the timeout fired")
	}
	if n := pub.terminalCount(); n != 1 {
		t.Errorf("terminal events = %d, want 1", n)
	}
	if len(eng.ActiveScans()) != 0 {
		t.Error("registry not empty after timed-out pull")
	}
}

func TestKillScan_UnblocksImagePull(t *testing.T) {
	rt := newFakeRuntime()
	rt.ensureBlock = true
	store := newMemStore()
	pub := &capturePublisher{}
	eng := newTestEngine(t, rt, store, pub)

	done := make(chan Result, 1)
	go func() {
		res, _ := eng.ExecuteScan(context.Background(), ExecuteRequest{
			ScanID:  "pull-k",
			UserID:  "u1",
			Command: "wpscan --url http://x",
			Timeout: time.Minute,
		})
		done <- res
	}()
	waitForActive(t, eng, "pull-k")

	if !eng.KillScan("pull-k") {
		t.Fatal("kill of a pulling scan returned false")
	}

	var result Result
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("kill did not unblock the image pull")
	}

	if !result.Killed || result.Error != "Scan killed" {
		t.Errorf("result = %+v, want killed", result)
	}
	if got := store.lastStatus(); got != storage.StatusCancelled {
		t.Errorf("persisted status = %q, want %q", got, storage.StatusCancelled)
	}
	if len(pub.errs) != 1 || !pub.errs[0].Killed {
		t.Errorf("error events = %+v, want one with killed=true", pub.errs)
	}
	if len(eng.ActiveScans()) != 0 {
		t.Error("registry not empty after killed pull")
	}
}

func TestExecuteScan_UnknownToolRejectedSynchronously(t *testing.T) {
	rt := newFakeRuntime()
	store := newMemStore()
	eng := newTestEngine(t, rt, store, &capturePublisher{})

	_, err := eng.ExecuteScan(context.Background(), ExecuteRequest{
		ScanID:  "s3",
		UserID:  "u1",
		Command: "unknowncmd target",
	})
	if !errors.Is(err, tools.ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
	if len(rt.created) != 0 {
		t.Error("container created for an unknown tool")
	}
	if store.createdCount() != 0 {
		t.Error("scan record persisted for a rejected command")
	}
	if len(eng.ActiveScans()) != 0 {
		t.Error("registry entry created for a rejected command")
	}
}

func TestExecuteScan_EmptyCommandRejected(t *testing.T) {
	eng := newTestEngine(t, newFakeRuntime(), newMemStore(), &capturePublisher{})

	_, err := eng.ExecuteScan(context.Background(), ExecuteRequest{ScanID: "s", Command: "   "})
	if !errors.Is(err, command.ErrEmptyCommand) {
		t.Errorf("err = %v, want ErrEmptyCommand", err)
	}

	_, err = eng.ExecuteScan(context.Background(), ExecuteRequest{Command: "nmap x"})
	if !errors.Is(err, ErrMissingScanID) {
		t.Errorf("err = %v, want ErrMissingScanID", err)
	}
}

func TestExecuteScan_DuplicateScanIDConflicts(t *testing.T) {
	rt := newFakeRuntime()
	rt.neverExit = true
	eng := newTestEngine(t, rt, newMemStore(), &capturePublisher{})

	done := make(chan Result, 1)
	go func() {
		res, _ := eng.ExecuteScan(context.Background(), ExecuteRequest{
			ScanID:  "dup",
			UserID:  "u1",
			Command: "nmap -sV target.example.com",
			Timeout: time.Minute,
		})
		done <- res
	}()

	waitForActive(t, eng, "dup")

	_, err := eng.ExecuteScan(context.Background(), ExecuteRequest{
		ScanID:  "dup",
		UserID:  "u1",
		Command: "nmap target.example.com",
	})
	if !errors.Is(err, ErrScanConflict) {
		t.Errorf("err = %v, want ErrScanConflict", err)
	}

	if !eng.KillScan("dup") {
		t.Error("kill of active scan returned false")
	}
	select {
	case res := <-done:
		if !res.Killed {
			t.Error("first scan not reported killed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first scan did not finish after kill")
	}
}

func TestKillScan_Idempotent(t *testing.T) {
	rt := newFakeRuntime()
	rt.neverExit = true
	eng := newTestEngine(t, rt, newMemStore(), &capturePublisher{})

	if eng.KillScan("absent") {
		t.Error("kill of unknown scan returned true")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.ExecuteScan(context.Background(), ExecuteRequest{
			ScanID:  "k1",
			UserID:  "u1",
			Command: "gobuster dir -u http://x",
			Timeout: time.Minute,
		})
	}()
	waitForActive(t, eng, "k1")

	first := eng.KillScan("k1")
	second := eng.KillScan("k1")
	if !first {
		t.Error("first kill returned false")
	}
	if second {
		t.Error("second kill returned true")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not finish after kill")
	}
	if eng.KillScan("k1") {
		t.Error("kill after completion returned true")
	}
}

func TestExecuteScan_NonZeroExitFails(t *testing.T) {
	rt := newFakeRuntime()
	rt.exitCode = 2
	rt.stderrChunks = []string{"connection refused\n"}
	store := newMemStore()
	pub := &capturePublisher{}
	eng := newTestEngine(t, rt, store, pub)

	result, err := eng.ExecuteScan(context.Background(), ExecuteRequest{
		ScanID:  "s5",
		UserID:  "u1",
		Command: "whatweb http://unreachable",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ExecuteScan: %v", err)
	}

	if result.Success {
		t.Error("success = true for exit code 2")
	}
	if result.Killed {
		t.Error("killed set for a natural non-zero exit")
	}
	if want := "tool exited with code 2"; result.Error != want {
		t.Errorf("error = %q, want %q", result.Error, want)
	}
	if got := store.lastStatus(); got != storage.StatusFailed {
		t.Errorf("persisted status = %q, want %q", got, storage.StatusFailed)
	}
	if len(pub.errs) != 1 || !strings.Contains(pub.errs[0].Details, "connection refused") {
		t.Errorf("error event details = %+v, want stderr tail", pub.errs)
	}
}

func TestExecuteScan_CreateFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.createErr = errors.New("no such image")
	store := newMemStore()
	pub := &capturePublisher{}
	eng := newTestEngine(t, rt, store, pub)

	result, err := eng.ExecuteScan(context.Background(), ExecuteRequest{
		ScanID:  "s6",
		UserID:  "u1",
		Command: "dirb http://x",
	})
	if err != nil {
		t.Fatalf("ExecuteScan: %v", err)
	}

	if result.Success {
		t.Error("success = true after create failure")
	}
	if !strings.Contains(result.Error, "no such image") {
		t.Errorf("error = %q, want engine message attached", result.Error)
	}
	if got := store.lastStatus(); got != storage.StatusFailed {
		t.Errorf("persisted status = %q, want %q", got, storage.StatusFailed)
	}
	if n := pub.terminalCount(); n != 1 {
		t.Errorf("terminal events = %d, want 1", n)
	}
	if len(eng.ActiveScans()) != 0 {
		t.Error("registry not empty after provisioning failure")
	}
}

func TestExecuteScan_KillFinishRaceSingleTerminal(t *testing.T) {
	rt := newFakeRuntime()
	rt.exitDelay = 5 * time.Millisecond
	pub := &capturePublisher{}
	eng := newTestEngine(t, rt, newMemStore(), pub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.ExecuteScan(context.Background(), ExecuteRequest{
			ScanID:  "race",
			UserID:  "u1",
			Command: "nmap target.example.com",
			Timeout: time.Minute,
		})
	}()

	// Hammer kills while the process exits naturally.
	for {
		eng.KillScan("race")
		select {
		case <-done:
			if n := pub.terminalCount(); n != 1 {
				t.Fatalf("terminal events = %d, want exactly 1", n)
			}
			if len(eng.ActiveScans()) != 0 {
				t.Fatal("registry entry survived the race")
			}
			return
		default:
		}
	}
}

func TestExecuteScan_ProgressOrderMatchesByteOrder(t *testing.T) {
	rt := newFakeRuntime()
	rt.stdoutChunks = []string{"line-1\n", "line-2\n", "line-3\n", "line-4\n"}
	rt.exitDelay = 50 * time.Millisecond
	pub := &capturePublisher{}
	eng := newTestEngine(t, rt, newMemStore(), pub)

	if _, err := eng.ExecuteScan(context.Background(), ExecuteRequest{
		ScanID:  "ord",
		UserID:  "u1",
		Command: "nmap target.example.com",
		Timeout: 5 * time.Second,
	}); err != nil {
		t.Fatalf("ExecuteScan: %v", err)
	}

	got := pub.outputChunks()
	if len(got) != len(rt.stdoutChunks) {
		t.Fatalf("got %d chunks, want %d", len(got), len(rt.stdoutChunks))
	}
	for i, want := range rt.stdoutChunks {
		if got[i] != want {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want)
		}
	}
}

func TestExecuteScan_LateChunkStaysBeforeTerminalEvent(t *testing.T) {
	rt := newFakeRuntime()
	rt.stdoutChunks = []string{"early line\n"}
	rt.straggleChunk = "late line\n"
	rt.straggleDelay = attachDrainTimeout + 500*time.Millisecond
	store := newMemStore()
	pub := &capturePublisher{}
	eng := newTestEngine(t, rt, store, pub)

	result, err := eng.ExecuteScan(context.Background(), ExecuteRequest{
		ScanID:  "late",
		UserID:  "u1",
		Command: "nmap target.example.com",
		Timeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("ExecuteScan: %v", err)
	}
	if !result.Success {
		t.Fatalf("success = false, error = %q", result.Error)
	}
	if !strings.Contains(result.Output, "early line") {
		t.Errorf("output missing flushed stdout: %q", result.Output)
	}

	// Give the stream that outlived the drain window time to fire.
	time.Sleep(time.Second)

	kinds := pub.eventKinds()
	if kinds[len(kinds)-1] != "complete" {
		t.Errorf("last event = %q, want complete", kinds[len(kinds)-1])
	}
	for _, chunk := range pub.outputChunks() {
		if chunk == rt.straggleChunk {
			t.Error("chunk published after the terminal event")
		}
	}
	if strings.Contains(result.Output, "late line") {
		t.Errorf("output includes bytes past finalization: %q", result.Output)
	}
}

func TestStatusAndHealth(t *testing.T) {
	rt := newFakeRuntime()
	rt.neverExit = true
	eng := newTestEngine(t, rt, newMemStore(), &capturePublisher{})

	if got := eng.Status("none"); got.Exists {
		t.Error("status for unknown scan reports exists")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.ExecuteScan(context.Background(), ExecuteRequest{
			ScanID:  "st",
			UserID:  "u1",
			Command: "wpscan --url http://x",
			Timeout: time.Minute,
		})
	}()
	waitForActive(t, eng, "st")

	status := eng.Status("st")
	if !status.Exists || !status.Running {
		t.Errorf("status = %+v, want active", status)
	}
	if status.Stats == nil || status.Stats.MemoryLimitMB != 512 {
		t.Errorf("stats = %+v, want resource limits", status.Stats)
	}

	health := eng.HealthCheck(context.Background())
	if !health.EngineReachable {
		t.Error("engine not reported reachable")
	}
	if health.Mode != string(runtime.ModeReal) {
		t.Errorf("mode = %q, want %q", health.Mode, runtime.ModeReal)
	}
	if health.ActiveScans != 1 {
		t.Errorf("active scans = %d, want 1", health.ActiveScans)
	}

	eng.KillScan("st")
	<-done
}

func TestCleanup_DrainsActiveScans(t *testing.T) {
	rt := newFakeRuntime()
	rt.neverExit = true
	eng := newTestEngine(t, rt, newMemStore(), &capturePublisher{})

	var wg sync.WaitGroup
	for _, id := range []string{"c1", "c2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.ExecuteScan(context.Background(), ExecuteRequest{
				ScanID:  id,
				UserID:  "u1",
				Command: "nmap target.example.com",
				Timeout: time.Minute,
			})
		}()
	}
	waitForActive(t, eng, "c1")
	waitForActive(t, eng, "c2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n := len(eng.ActiveScans()); n != 0 {
		t.Errorf("active scans after cleanup = %d, want 0", n)
	}
	wg.Wait()
}

func waitForActive(t *testing.T, eng *Engine, scanID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st := eng.Status(scanID); st.Exists {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("scan %s never became active", scanID)
}
