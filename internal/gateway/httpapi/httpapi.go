// Package httpapi implements the HTTP API gateway for the scan engine.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - Commands are tokenized, never shell-evaluated
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/oryxsec/scanengine/internal/command"
	"github.com/oryxsec/scanengine/internal/engine"
	"github.com/oryxsec/scanengine/internal/events/ws"
	"github.com/oryxsec/scanengine/internal/observability"
	"github.com/oryxsec/scanengine/internal/ratelimit"
	"github.com/oryxsec/scanengine/internal/storage"
	"github.com/oryxsec/scanengine/internal/storage/postgres"
	"github.com/oryxsec/scanengine/internal/tools"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ScanEngine is the engine surface the gateway drives. Satisfied by
// *engine.Engine; narrowed for tests.
type ScanEngine interface {
	ExecuteScan(ctx context.Context, req engine.ExecuteRequest) (engine.Result, error)
	KillScan(scanID string) bool
	Status(scanID string) engine.StatusReport
	ActiveScans() []engine.ActiveScan
	HealthCheck(ctx context.Context) engine.Health
}

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string            // e.g., ":8090"
	EnableDocs bool
	APIKeys    map[string]string // API key → client ID mapping. Empty = no auth (dev only).

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	engine  ScanEngine
	scans   storage.ScanStore
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket stream).
	extraRoutes []extraRoute

	// Live event fan-out for the SSE endpoint. Nil = disabled.
	hub *ws.Hub

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, eng ScanEngine, scans storage.ScanStore, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		engine:  eng,
		scans:   scans,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the WebSocket event stream.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Oryx Scan Engine",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/scans", g.handleScanExecute,
		okapi.DocSummary("Execute a scan and block until it reaches a terminal state"),
		okapi.DocTags("Scans"),
		okapi.DocRequestBody(ScanRequest{}),
		okapi.DocResponse(ScanResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Delete("/scans/{id}", g.handleScanKill,
		okapi.DocSummary("Kill an active scan"),
		okapi.DocTags("Scans"),
		okapi.DocPathParam("id", "string", "Scan ID"),
		okapi.DocResponse(KillResponse{}),
	)
	g.group.Get("/scans/active", g.handleActiveScans,
		okapi.DocSummary("List currently active scans"),
		okapi.DocTags("Scans"),
		okapi.DocResponse([]engine.ActiveScan{}),
	)
	g.group.Get("/scans/{id}", g.handleScanGet,
		okapi.DocSummary("Get a scan's persisted record"),
		okapi.DocTags("Scans"),
		okapi.DocPathParam("id", "string", "Scan ID"),
		okapi.DocResponse(storage.Scan{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/scans/{id}/status", g.handleScanStatus,
		okapi.DocSummary("Get an active scan's container status"),
		okapi.DocTags("Scans"),
		okapi.DocPathParam("id", "string", "Scan ID"),
		okapi.DocResponse(engine.StatusReport{}),
	)
	g.group.Get("/scans/{id}/logs", g.handleScanLogs,
		okapi.DocSummary("List a scan's captured log lines"),
		okapi.DocTags("Scans"),
		okapi.DocPathParam("id", "string", "Scan ID"),
		okapi.DocQueryParam("limit", "integer", "Maximum lines to return (0 = all)", false),
		okapi.DocResponse([]storage.LogEntry{}),
	)
	g.group.Get("/scans/{id}/stream", g.handleScanStream,
		okapi.DocSummary("Stream a scan's live events via SSE"),
		okapi.DocTags("Scans"),
		okapi.DocPathParam("id", "string", "Scan ID"),
	)
	g.group.Get("/tools", g.handleToolList,
		okapi.DocSummary("List the registered security tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]ToolInfo{}),
	)
	g.group.Get("/healthz", g.handleEngineHealth,
		okapi.DocSummary("Engine diagnostic health"),
		okapi.DocTags("Health"),
		okapi.DocResponse(engine.Health{}),
	)

	// Extra handlers (e.g., the WebSocket event stream).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Scans block until terminal, so writes may take the full default
		// scan timeout.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ScanRequest is the JSON body for POST /v1/scans.
type ScanRequest struct {
	ScanID    string `json:"scan_id,omitempty"` // Empty = generated.
	Command   string `json:"command"`           // e.g. "nmap -sV target.example.com"
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// ScanResponse is the JSON response for POST /v1/scans.
type ScanResponse struct {
	ScanID      string `json:"scan_id"`
	Success     bool   `json:"success"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	ExitCode    int64  `json:"exit_code"`
	Killed      bool   `json:"killed"`
	DurationMS  int64  `json:"duration_ms"`
}

func (g *Gateway) handleScanExecute(c *okapi.Context) error {
	userID := c.GetString("userID")

	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ScanRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("command is required")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}

	scanID := req.ScanID
	if scanID == "" {
		scanID = uuid.New().String()
	}

	g.logger.Info("http scan request",
		slog.String("user_id", userID),
		slog.String("scan_id", scanID),
	)

	result, err := g.engine.ExecuteScan(c.Context(), engine.ExecuteRequest{
		ScanID:  scanID,
		UserID:  userID,
		Command: req.Command,
		Timeout: time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrScanConflict):
			return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
		case errors.Is(err, tools.ErrUnknownTool),
			errors.Is(err, command.ErrEmptyCommand),
			errors.Is(err, engine.ErrMissingScanID):
			return c.AbortBadRequest(err.Error())
		default:
			g.logger.Error("scan execution failed",
				slog.String("scan_id", scanID),
				slog.String("error", err.Error()),
			)
			return c.AbortInternalServerError("scan execution failed")
		}
	}

	return c.OK(ScanResponse{
		ScanID:      scanID,
		Success:     result.Success,
		Output:      result.Output,
		Error:       result.Error,
		ContainerID: result.ContainerID,
		ExitCode:    result.ExitCode,
		Killed:      result.Killed,
		DurationMS:  result.Duration.Milliseconds(),
	})
}

// KillResponse is the JSON response for DELETE /v1/scans/{id}.
type KillResponse struct {
	ScanID string `json:"scan_id"`
	Killed bool   `json:"killed"` // False when no execution was active.
}

func (g *Gateway) handleScanKill(c *okapi.Context) error {
	scanID := c.Param("id")
	killed := g.engine.KillScan(scanID)

	g.logger.Info("http kill request",
		slog.String("scan_id", scanID),
		slog.Bool("killed", killed),
	)
	return c.OK(KillResponse{ScanID: scanID, Killed: killed})
}

func (g *Gateway) handleScanGet(c *okapi.Context) error {
	scan, err := g.scans.GetScan(c.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, postgres.ErrScanNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "scan not found"})
		}
		return c.AbortInternalServerError("loading scan failed")
	}
	return c.OK(scan)
}

func (g *Gateway) handleScanStatus(c *okapi.Context) error {
	return c.OK(g.engine.Status(c.Param("id")))
}

func (g *Gateway) handleScanLogs(c *okapi.Context) error {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		limit = n
	}

	logs, err := g.scans.ListLogs(c.Context(), c.Param("id"), limit)
	if err != nil {
		return c.AbortInternalServerError("listing logs failed")
	}
	return c.OK(logs)
}

func (g *Gateway) handleActiveScans(c *okapi.Context) error {
	return c.OK(g.engine.ActiveScans())
}

// ToolInfo describes one registered tool.
type ToolInfo struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

func (g *Gateway) handleToolList(c *okapi.Context) error {
	infos := make([]ToolInfo, 0, len(tools.All))
	for _, t := range tools.All {
		def, err := tools.Resolve(string(t))
		if err != nil {
			continue
		}
		infos = append(infos, ToolInfo{Name: string(t), Image: def.Image})
	}
	return c.OK(infos)
}

func (g *Gateway) handleEngineHealth(c *okapi.Context) error {
	return c.OK(g.engine.HealthCheck(c.Context()))
}

// HealthResponse is the JSON response for the liveness probe.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped client ID on the
// context. With no keys configured, requests pass through as "anonymous"
// (development only).
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("userID", "anonymous")
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = id
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}
