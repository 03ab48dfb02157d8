// Package storage defines the persistence boundary the scan engine writes
// through. The engine only creates scans, appends log lines, and updates
// status — it never reads results back mid-scan, and a write failure never
// fails a scan. Two backends are provided: SQLite (default, zero-config) and
// PostgreSQL (production).
package storage

import (
	"context"
	"time"
)

// Status is a scan's lifecycle state. Once a scan reaches a terminal status
// it never transitions again; the engine owns the transitions.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Scan is the durable record of one scan request.
type Scan struct {
	ScanID      string    `json:"scan_id"`
	UserID      string    `json:"user_id"`
	Command     string    `json:"command"`
	Tool        string    `json:"tool"`
	Target      string    `json:"target,omitempty"`
	Image       string    `json:"image"`
	ContainerID string    `json:"container_id,omitempty"`
	Status      Status    `json:"status"`
	ExitCode    *int64    `json:"exit_code,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Killed      bool      `json:"killed"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatusMeta carries the terminal metadata recorded alongside a status
// transition. Nil fields leave the stored value untouched.
type StatusMeta struct {
	ContainerID string
	ExitCode    *int64
	DurationMS  int64
	Killed      bool
	Error       string
}

// LogEntry is one structured log line captured from a scan's output or
// lifecycle.
type LogEntry struct {
	ScanID    string    `json:"scan_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // "info", "warning", "error".
	Message   string    `json:"message"`
	RawOutput string    `json:"raw_output,omitempty"`
}

// ScanStore is the persistence interface for scan records and their logs.
type ScanStore interface {
	CreateScan(ctx context.Context, scan *Scan) error
	UpdateStatus(ctx context.Context, scanID string, status Status, meta *StatusMeta) error
	AppendLog(ctx context.Context, entry *LogEntry) error
	GetScan(ctx context.Context, scanID string) (*Scan, error)
	ListLogs(ctx context.Context, scanID string, limit int) ([]LogEntry, error)
}

// Store is the unified persistence interface. Both backends implement it.
type Store interface {
	Scans() ScanStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DefaultDriver is used when no driver is configured.
const DefaultDriver = DriverSQLite
