// Package ws implements the real-time fan-out service: a WebSocket server
// that browser clients subscribe to for live scan events, backed by a Hub
// that guarantees per-scan FIFO delivery.
package ws

import (
	"log/slog"
	"sync"

	"github.com/oryxsec/scanengine/internal/events"
	"github.com/oryxsec/scanengine/internal/protocol"
)

const (
	// streamBuffer bounds the per-scan event queue. Publishing never blocks
	// the engine; if a queue backs up this far the oldest-first contract is
	// kept by dropping the new event instead of stalling the scan.
	streamBuffer = 256

	// subscriberBuffer bounds one client's delivery queue. A subscriber that
	// falls this far behind is dropped rather than allowed to stall others.
	subscriberBuffer = 64
)

// Hub routes scan events to subscribers. It implements events.Publisher:
// publishing is fire-and-forget, per-scan order is preserved by a dedicated
// dispatcher goroutine per scan, and the terminal event tears the stream
// down after delivery.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	scans   map[string]*scanStream
	closing chan struct{}
	closed  bool
}

type scanStream struct {
	events chan protocol.Envelope

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription is one client's ordered view of a scan's events. The channel
// is closed when the scan reaches a terminal state, the subscriber falls too
// far behind, or the hub shuts down.
type Subscription struct {
	C <-chan protocol.Envelope

	ch     chan protocol.Envelope
	stream *scanStream
	once   sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.stream.mu.Lock()
		delete(s.stream.subs, s)
		s.stream.mu.Unlock()
		close(s.ch)
	})
}

// NewHub creates an empty fan-out hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		scans:   make(map[string]*scanStream),
		closing: make(chan struct{}),
	}
}

// Subscribe attaches a new subscriber to a scan's event stream. Subscribing
// before the scan starts is fine — the stream is created on first use from
// either side.
func (h *Hub) Subscribe(scanID string) *Subscription {
	stream := h.getOrCreate(scanID)

	sub := &Subscription{
		ch:     make(chan protocol.Envelope, subscriberBuffer),
		stream: stream,
	}
	sub.C = sub.ch

	stream.mu.Lock()
	stream.subs[sub] = struct{}{}
	stream.mu.Unlock()
	return sub
}

// Close shuts the hub down, detaching every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.closing)
	h.mu.Unlock()
}

// PublishProgress implements events.Publisher.
func (h *Hub) PublishProgress(scanID, userID string, p events.Progress) {
	h.publish(protocol.KindProgress, scanID, userID, p)
}

// PublishContainerStatus implements events.Publisher.
func (h *Hub) PublishContainerStatus(scanID, userID string, s events.ContainerStatus) {
	h.publish(protocol.KindContainerStatus, scanID, userID, s)
}

// PublishComplete implements events.Publisher.
func (h *Hub) PublishComplete(scanID, userID string, c events.Complete) {
	h.publish(protocol.KindComplete, scanID, userID, c)
}

// PublishError implements events.Publisher.
func (h *Hub) PublishError(scanID, userID string, e events.Error) {
	h.publish(protocol.KindError, scanID, userID, e)
}

func (h *Hub) publish(kind protocol.EventKind, scanID, userID string, payload any) {
	env, err := protocol.NewEnvelope(kind, scanID, userID, payload)
	if err != nil {
		h.logger.Error("encoding event failed",
			slog.String("scan_id", scanID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return
	}

	stream := h.getOrCreate(scanID)
	if stream == nil {
		return // Hub shut down.
	}

	select {
	case stream.events <- env:
	default:
		h.logger.Warn("event queue full, dropping event",
			slog.String("scan_id", scanID),
			slog.String("kind", string(kind)),
		)
	}
}

func (h *Hub) getOrCreate(scanID string) *scanStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	stream, ok := h.scans[scanID]
	if !ok {
		stream = &scanStream{
			events: make(chan protocol.Envelope, streamBuffer),
			subs:   make(map[*Subscription]struct{}),
		}
		h.scans[scanID] = stream
		go h.dispatch(scanID, stream)
	}
	return stream
}

// dispatch delivers one scan's events in order and retires the stream after
// the terminal event.
func (h *Hub) dispatch(scanID string, stream *scanStream) {
	for {
		select {
		case env := <-stream.events:
			h.deliver(scanID, stream, env)
			if env.Kind.Terminal() {
				h.retire(scanID, stream)
				return
			}
		case <-h.closing:
			h.retire(scanID, stream)
			return
		}
	}
}

func (h *Hub) deliver(scanID string, stream *scanStream, env protocol.Envelope) {
	// Sends happen under the stream lock; Close removes a subscription under
	// the same lock before closing its channel, so a send can never hit a
	// closed channel.
	stream.mu.Lock()
	var dropped []*Subscription
	for sub := range stream.subs {
		select {
		case sub.ch <- env:
		default:
			dropped = append(dropped, sub)
		}
	}
	stream.mu.Unlock()

	for _, sub := range dropped {
		h.logger.Warn("slow subscriber dropped", slog.String("scan_id", scanID))
		sub.Close()
	}
}

func (h *Hub) retire(scanID string, stream *scanStream) {
	h.mu.Lock()
	delete(h.scans, scanID)
	h.mu.Unlock()

	stream.mu.Lock()
	subs := make([]*Subscription, 0, len(stream.subs))
	for sub := range stream.subs {
		subs = append(subs, sub)
	}
	stream.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
