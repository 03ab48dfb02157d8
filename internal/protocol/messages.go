// Package protocol defines the JSON messages delivered to real-time
// subscribers. Every event pushed over WebSocket or SSE is wrapped in an
// Envelope for uniform routing on the client side.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies the kind of scan event in an Envelope.
type EventKind string

const (
	KindProgress        EventKind = "scan.progress"
	KindContainerStatus EventKind = "scan.container_status"
	KindComplete        EventKind = "scan.complete"
	KindError           EventKind = "scan.error"
)

// Terminal reports whether this kind ends a scan's event stream.
func (k EventKind) Terminal() bool {
	return k == KindComplete || k == KindError
}

// Envelope is the top-level wrapper for every published scan event.
type Envelope struct {
	Kind      EventKind       `json:"kind"`
	ID        string          `json:"id"` // Event ID for client-side deduplication.
	ScanID    string          `json:"scan_id"`
	UserID    string          `json:"user_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope wraps payload with a fresh event ID and current timestamp.
func NewEnvelope(kind EventKind, scanID, userID string, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = data
	}
	return Envelope{
		Kind:      kind,
		ID:        uuid.New().String(),
		ScanID:    scanID,
		UserID:    userID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// SubscribeRequest is the first message a WebSocket client sends after
// connecting: the scan whose events it wants.
type SubscribeRequest struct {
	ScanID string `json:"scan_id"`
}

// SubscribedPayload confirms a subscription.
type SubscribedPayload struct {
	ScanID  string `json:"scan_id"`
	Message string `json:"message"`
}
