package postgres

import (
	"time"

	"github.com/oryxsec/scanengine/internal/storage"
)

// scanModel is the GORM mapping for scan records. Shared with the SQLite
// backend, so column types stay portable (no postgres-only types).
type scanModel struct {
	ScanID      string `gorm:"primaryKey;size:64"`
	UserID      string `gorm:"size:64;index"`
	Command     string
	Tool        string `gorm:"size:32"`
	Target      string
	Image       string
	ContainerID string `gorm:"size:128"`
	Status      string `gorm:"size:16;index"`
	ExitCode    *int64
	DurationMS  int64
	Killed      bool
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (scanModel) TableName() string { return "scans" }

// scanLogModel is one captured log line. Append-only.
type scanLogModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ScanID    string `gorm:"size:64;index"`
	Timestamp time.Time
	Level     string `gorm:"size:16"`
	Message   string
	RawOutput string
}

func (scanLogModel) TableName() string { return "scan_logs" }

func toScanModel(s *storage.Scan) *scanModel {
	return &scanModel{
		ScanID:      s.ScanID,
		UserID:      s.UserID,
		Command:     s.Command,
		Tool:        s.Tool,
		Target:      s.Target,
		Image:       s.Image,
		ContainerID: s.ContainerID,
		Status:      string(s.Status),
		ExitCode:    s.ExitCode,
		DurationMS:  s.DurationMS,
		Killed:      s.Killed,
		Error:       s.Error,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func fromScanModel(m *scanModel) *storage.Scan {
	return &storage.Scan{
		ScanID:      m.ScanID,
		UserID:      m.UserID,
		Command:     m.Command,
		Tool:        m.Tool,
		Target:      m.Target,
		Image:       m.Image,
		ContainerID: m.ContainerID,
		Status:      storage.Status(m.Status),
		ExitCode:    m.ExitCode,
		DurationMS:  m.DurationMS,
		Killed:      m.Killed,
		Error:       m.Error,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func fromLogModel(m *scanLogModel) storage.LogEntry {
	return storage.LogEntry{
		ScanID:    m.ScanID,
		Timestamp: m.Timestamp,
		Level:     m.Level,
		Message:   m.Message,
		RawOutput: m.RawOutput,
	}
}
