package reaper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oryxsec/scanengine/internal/runtime"
)

type fakeEngine struct {
	mu         sync.Mutex
	containers []runtime.ContainerInfo
	stops      []string
	removes    []string
}

func (f *fakeEngine) List(_ context.Context, prefix string) ([]runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.ContainerInfo
	for _, c := range f.containers {
		if len(c.Name) >= len(prefix) && c.Name[:len(prefix)] == prefix {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeEngine) Stop(_ context.Context, id string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
}

func (f *fakeEngine) Remove(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, id)
}

func (f *fakeEngine) EnsureImage(context.Context, string) error { return nil }
func (f *fakeEngine) Create(context.Context, runtime.ContainerSpec) (string, error) {
	return "", nil
}
func (f *fakeEngine) Attach(context.Context, string, io.Writer, io.Writer) error { return nil }
func (f *fakeEngine) Start(context.Context, string) error                        { return nil }
func (f *fakeEngine) Wait(context.Context, string) <-chan runtime.WaitResult {
	return make(chan runtime.WaitResult)
}
func (f *fakeEngine) Ping(context.Context) error { return nil }
func (f *fakeEngine) Mode() runtime.Mode         { return runtime.ModeReal }
func (f *fakeEngine) Close() error               { return nil }

type staticActive []string

func (s staticActive) ActiveScanIDs() []string { return s }

func TestSweep_RemovesOldOrphans(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour)
	eng := &fakeEngine{containers: []runtime.ContainerInfo{
		{ID: "c1", Name: runtime.ContainerNamePrefix + "dead", Created: old, Running: true},
		{ID: "c2", Name: runtime.ContainerNamePrefix + "gone", Created: old, Running: false},
	}}

	r := New(eng, eng, staticActive{}, nil, Config{MaxAge: time.Hour}, slog.New(slog.DiscardHandler))
	if n := r.Sweep(context.Background()); n != 2 {
		t.Fatalf("removed = %d, want 2", n)
	}
	if len(eng.removes) != 2 {
		t.Errorf("remove calls = %v, want both containers", eng.removes)
	}
	// Only the running container needs a stop first.
	if len(eng.stops) != 1 || eng.stops[0] != "c1" {
		t.Errorf("stop calls = %v, want [c1]", eng.stops)
	}
}

func TestSweep_SparesActiveScans(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour)
	eng := &fakeEngine{containers: []runtime.ContainerInfo{
		{ID: "c1", Name: runtime.ContainerNamePrefix + "live", Created: old, Running: true},
	}}

	r := New(eng, eng, staticActive{"live"}, nil, Config{MaxAge: time.Hour}, slog.New(slog.DiscardHandler))
	if n := r.Sweep(context.Background()); n != 0 {
		t.Fatalf("removed = %d, want 0", n)
	}
	if len(eng.removes) != 0 {
		t.Errorf("active scan's container removed: %v", eng.removes)
	}
}

func TestSweep_SparesYoungContainers(t *testing.T) {
	eng := &fakeEngine{containers: []runtime.ContainerInfo{
		{ID: "c1", Name: runtime.ContainerNamePrefix + "fresh", Created: time.Now(), Running: true},
	}}

	r := New(eng, eng, staticActive{}, nil, Config{MaxAge: time.Hour}, slog.New(slog.DiscardHandler))
	if n := r.Sweep(context.Background()); n != 0 {
		t.Fatalf("removed = %d, want 0", n)
	}
}
