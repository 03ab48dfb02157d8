package observability

import (
	"context"
	"log/slog"
	"time"
)

// readinessTimeout bounds one readiness pass across every registered probe.
const readinessTimeout = 3 * time.Second

// HealthChecker answers the gateway's liveness and readiness endpoints.
// Liveness is unconditional. Readiness runs the probes wired in at startup,
// for this service the container engine ping and the scan store ping, so a
// not-ready report steers traffic away without restarting a process that may
// still be supervising live scans.
type HealthChecker struct {
	probes []HealthCheck
	logger *slog.Logger
}

// HealthCheck is one named dependency probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the wire shape of the health and readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult reports one probe's outcome.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a checker with no probes registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named readiness probe. Registration happens during
// startup only, before the gateway serves.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.probes = append(h.probes, HealthCheck{Name: name, Check: check})
}

// CheckHealth is liveness: "ok" as long as the process can answer at all.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every probe and aggregates the results. One failing
// dependency degrades the whole report; the per-probe results say which.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.probes) == 0 {
		return HealthStatus{Status: "ok"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.probes)),
	}
	for _, p := range h.probes {
		err := p.Check(probeCtx)
		if err == nil {
			status.Checks[p.Name] = CheckResult{Status: "ok"}
			continue
		}
		status.Status = "degraded"
		status.Checks[p.Name] = CheckResult{Status: "fail", Message: err.Error()}
		if h.logger != nil {
			h.logger.Warn("readiness probe failed",
				slog.String("check", p.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return status
}
