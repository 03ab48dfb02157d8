package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/oryxsec/scanengine/internal/protocol"
)

const subscribeTimeout = 10 * time.Second

// ServerConfig configures the WebSocket endpoint.
type ServerConfig struct {
	// Token, when non-empty, is required from clients as ?token= or an
	// Authorization bearer header.
	Token string
}

// Server upgrades HTTP connections to WebSocket and bridges each client onto
// the Hub. Clients send a SubscribeRequest as their first message and then
// receive that scan's events in order until a terminal event or disconnect.
type Server struct {
	hub    *Hub
	cfg    ServerConfig
	logger *slog.Logger
}

// NewServer creates a WebSocket server on top of hub.
func NewServer(hub *Hub, cfg ServerConfig, logger *slog.Logger) *Server {
	return &Server{hub: hub, cfg: cfg, logger: logger}
}

// Hub returns the fan-out hub this server delivers from.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token != s.cfg.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"oryx-scan-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	scanID, err := s.waitForSubscribe(ctx, conn)
	if err != nil {
		s.logger.Warn("subscription handshake failed", slog.String("error", err.Error()))
		return
	}

	sub := s.hub.Subscribe(scanID)
	defer sub.Close()

	// Writer: pump hub events to the client until the stream ends.
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for env := range sub.C {
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
				s.logger.Debug("subscriber write failed",
					slog.String("scan_id", scanID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}()

	// Reader: clients send nothing after subscribing; reading surfaces
	// disconnects and keeps control frames flowing.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	select {
	case <-writeDone:
	case <-readDone:
	case <-ctx.Done():
	}
}

func (s *Server) waitForSubscribe(ctx context.Context, conn *websocket.Conn) (string, error) {
	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	_, data, err := conn.Read(subCtx)
	if err != nil {
		return "", err
	}

	var req protocol.SubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return "", err
	}
	if req.ScanID == "" {
		return "", errMissingScanID
	}

	ack, _ := json.Marshal(protocol.SubscribedPayload{
		ScanID:  req.ScanID,
		Message: "subscribed",
	})
	if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
		return "", err
	}

	return req.ScanID, nil
}

var errMissingScanID = errors.New("scan_id is required")
