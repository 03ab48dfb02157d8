package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/oryxsec/scanengine/internal/config"
	"github.com/oryxsec/scanengine/internal/engine"
	"github.com/oryxsec/scanengine/internal/events"
)

var (
	scanConfigPath string
	scanID         string
	scanMode       string
	scanTimeout    time.Duration
)

var scanCmd = &cobra.Command{
	Use:   "scan <command>",
	Short: "Run a single scan and stream its output to stdout",
	Example: `  scanengine scan "nmap -sV scanme.example.com"
  scanengine scan --mode degraded "nikto -h https://staging.example.com"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	scanCmd.Flags().StringVar(&scanID, "scan-id", "", "scan id (generated when empty)")
	scanCmd.Flags().StringVar(&scanMode, "mode", "", "execution mode override: real or degraded")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "per-scan wall-clock limit (e.g. 5m)")
}

// runScan executes one scan end to end: launch, stream, reconcile, exit.
// The process exit code reflects the scan outcome.
func runScan(_ *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := loadConfig(goutils.Env("ORYX_CONFIG", scanConfigPath), logger)
	if err != nil {
		return err
	}
	if scanMode != "" {
		cfg.Engine.Mode = scanMode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	sc, err := initShared(cfg, streamPrinter{}, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id := scanID
	if id == "" {
		id = uuid.New().String()
	}

	result, err := sc.Engine.ExecuteScan(ctx, engine.ExecuteRequest{
		ScanID:  id,
		UserID:  "cli",
		Command: strings.Join(args, " "),
		Timeout: scanTimeout,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "scan %s finished: exit=%d duration=%s\n",
		id, result.ExitCode, result.Duration.Round(time.Millisecond))

	if !result.Success {
		if result.Error != "" {
			return fmt.Errorf("scan failed: %s", result.Error)
		}
		return fmt.Errorf("scan failed with exit code %d", result.ExitCode)
	}
	return nil
}

// streamPrinter writes scan output chunks straight to the terminal as they
// arrive, stderr chunks to stderr. Terminal events are reflected in the
// Result, so they need no printing here.
type streamPrinter struct{}

func (streamPrinter) PublishProgress(_, _ string, p events.Progress) {
	if p.OutputChunk == "" {
		return
	}
	if p.Stream == "stderr" {
		fmt.Fprint(os.Stderr, p.OutputChunk)
		return
	}
	fmt.Fprint(os.Stdout, p.OutputChunk)
}

func (streamPrinter) PublishContainerStatus(string, string, events.ContainerStatus) {}
func (streamPrinter) PublishComplete(string, string, events.Complete)               {}
func (streamPrinter) PublishError(string, string, events.Error)                     {}
