package runtime

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestSimulator(t *testing.T) *Simulator {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	return NewSimulator(SimulatorConfig{}, logger)
}

func TestSimulator_FullLifecycle(t *testing.T) {
	sim := newTestSimulator(t)
	ctx := context.Background()

	id, err := sim.Create(ctx, ContainerSpec{
		Name: "oryx-scan-s1",
		Cmd:  []string{"nmap", "-sV", "target.example.com"},
	})
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}

	waitCh := sim.Wait(ctx, id)

	var stdout, stderr bytes.Buffer
	attachDone := make(chan error, 1)
	go func() {
		attachDone <- sim.Attach(ctx, id, &stdout, &stderr)
	}()

	if err := sim.Start(ctx, id); err != nil {
		t.Fatalf("Start error = %v", err)
	}

	select {
	case res := <-waitCh:
		if res.Err != nil {
			t.Fatalf("Wait error = %v", res.Err)
		}
		if res.ExitCode != 0 {
			t.Errorf("exit code = %d, want 0", res.ExitCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not resolve")
	}

	if err := <-attachDone; err != nil {
		t.Fatalf("Attach error = %v", err)
	}

	out := stdout.String()
	if !strings.Contains(out, "[simulation]") {
		t.Errorf("output missing simulation label: %q", out)
	}
	if !strings.Contains(out, "target.example.com") {
		t.Errorf("output missing target: %q", out)
	}
}

func TestSimulator_StopForcesKilledExit(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{ChunkDelay: time.Hour}, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	id, err := sim.Create(ctx, ContainerSpec{Name: "oryx-scan-s2", Cmd: []string{"sqlmap", "--batch", "-u", "http://x"}})
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}

	waitCh := sim.Wait(ctx, id)
	go func() {
		var discard bytes.Buffer
		_ = sim.Attach(ctx, id, &discard, &discard)
	}()
	if err := sim.Start(ctx, id); err != nil {
		t.Fatalf("Start error = %v", err)
	}

	sim.Stop(ctx, id, 0)

	select {
	case res := <-waitCh:
		if res.ExitCode != 137 {
			t.Errorf("exit code = %d, want 137 (killed)", res.ExitCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not resolve after stop")
	}
}

func TestSimulator_StopRemoveIdempotent(t *testing.T) {
	sim := newTestSimulator(t)
	ctx := context.Background()

	id, err := sim.Create(ctx, ContainerSpec{Name: "oryx-scan-s3", Cmd: []string{"nikto", "-h", "x"}})
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}

	// Repeated and post-removal teardown calls must never panic.
	sim.Stop(ctx, id, 0)
	sim.Stop(ctx, id, 0)
	sim.Remove(ctx, id)
	sim.Remove(ctx, id)
	sim.Stop(ctx, id, 0)
}

func TestSimulator_List(t *testing.T) {
	sim := newTestSimulator(t)
	ctx := context.Background()

	if _, err := sim.Create(ctx, ContainerSpec{Name: "oryx-scan-a", Cmd: []string{"nmap", "x"}}); err != nil {
		t.Fatalf("Create error = %v", err)
	}
	if _, err := sim.Create(ctx, ContainerSpec{Name: "other-b", Cmd: []string{"nmap", "x"}}); err != nil {
		t.Fatalf("Create error = %v", err)
	}

	infos, err := sim.List(ctx, "oryx-scan-")
	if err != nil {
		t.Fatalf("List error = %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("List returned %d containers, want 1", len(infos))
	}
	if infos[0].Name != "oryx-scan-a" {
		t.Errorf("name = %q, want oryx-scan-a", infos[0].Name)
	}
}

func TestSimulator_Ping(t *testing.T) {
	sim := newTestSimulator(t)
	if err := sim.Ping(context.Background()); err != nil {
		t.Errorf("Ping error = %v, want nil", err)
	}
	if sim.Mode() != ModeDegraded {
		t.Errorf("Mode = %q, want %q", sim.Mode(), ModeDegraded)
	}
}
