package httpapi

import (
	"github.com/jkaninda/okapi"

	"github.com/oryxsec/scanengine/internal/events/ws"
)

// WithEventStream attaches the fan-out hub so clients can follow scans over
// SSE as an alternative to the WebSocket endpoint.
func (g *Gateway) WithEventStream(hub *ws.Hub) *Gateway {
	g.hub = hub
	return g
}

// handleScanStream handles GET /v1/scans/{id}/stream with SSE responses.
// Each hub envelope becomes one event named after its kind; the stream ends
// after the scan's terminal event or client disconnect.
func (g *Gateway) handleScanStream(c *okapi.Context) error {
	if g.hub == nil {
		return c.AbortServiceUnavailable("event streaming not configured")
	}

	scanID := c.Param("id")
	if scanID == "" {
		return c.AbortBadRequest("scan id is required")
	}

	sub := g.hub.Subscribe(scanID)
	defer sub.Close()

	ctx := c.Context()
	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				c.SSEvent("done", okapi.M{"scan_id": scanID})
				return nil
			}
			c.SSEvent(string(env.Kind), env)
		case <-ctx.Done():
			return nil
		}
	}
}
