// Package events defines the publish contract between the scan engine and
// the real-time fan-out service. Publishing is fire-and-forget for the
// caller: delivery failure never fails a scan, but implementations must
// preserve per-scan ordering of progress events, and the terminal event
// (complete or error) is always the last one published for a scan.
package events

import "time"

// Progress carries a live output chunk or lifecycle step for a running scan.
type Progress struct {
	Status      string `json:"status"`
	Percent     int    `json:"percent,omitempty"`
	Step        string `json:"step,omitempty"`
	OutputChunk string `json:"output_chunk,omitempty"`
	Stream      string `json:"stream,omitempty"` // "stdout" or "stderr".
}

// ContainerStatus is a point-in-time view of a scan's container.
type ContainerStatus struct {
	ContainerID   string    `json:"container_id"`
	Image         string    `json:"image"`
	Running       bool      `json:"running"`
	MemoryLimitMB int64     `json:"memory_limit_mb"`
	CPULimit      float64   `json:"cpu_limit"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	CreatedAt     time.Time `json:"created_at"`
}

// Complete is the terminal payload for a successful scan.
type Complete struct {
	ContainerID string        `json:"container_id"`
	ExitCode    int64         `json:"exit_code"`
	Duration    time.Duration `json:"duration"`
	Output      string        `json:"output"`
}

// Error is the terminal payload for a failed or killed scan.
type Error struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Killed  bool   `json:"killed"`
}

// Publisher fans scan events out to subscribed clients.
type Publisher interface {
	PublishProgress(scanID, userID string, p Progress)
	PublishContainerStatus(scanID, userID string, s ContainerStatus)
	PublishComplete(scanID, userID string, c Complete)
	PublishError(scanID, userID string, e Error)
}

// NopPublisher discards all events. Used by the one-shot CLI path and tests.
type NopPublisher struct{}

func (NopPublisher) PublishProgress(string, string, Progress)               {}
func (NopPublisher) PublishContainerStatus(string, string, ContainerStatus) {}
func (NopPublisher) PublishComplete(string, string, Complete)               {}
func (NopPublisher) PublishError(string, string, Error)                     {}
