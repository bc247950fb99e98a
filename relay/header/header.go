// Package header provides header filtering for the chatwire relay.
//
// The relay sits between a client and the upstream chat API like so:
//
//	Client <--> Relay <--> Upstream chat completions API
//
// and each leg negotiates compression, hops and content types independently.
package header

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Handler manages headers between relay connections.
type Handler struct{}

// NewHandler creates a new header Handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RequestIDHeader ties a relayed stream to its upstream request and telemetry.
const RequestIDHeader = "X-Request-Id"

// Content types of the two relay formats.
const (
	ContentTypeNDJSON = "application/x-ndjson"
	ContentTypeSSE    = "text/event-stream"
)

// skipRequest is the set of request headers (client --> relay --> upstream)
// that are not forwarded upstream.
var skipRequest = map[string]struct{}{
	// Hop-by-hop headers: only meaningful for a single transport-level connection.
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Te":                {},
	"Upgrade":           {},

	// Rewritten by Go's http.Transport to match the upstream URL.
	"Host": {},

	// The upstream client negotiates its own encodings and always posts JSON
	// asking for an event stream.
	"Accept-Encoding": {},
	"Accept":          {},
	"Content-Type":    {},
	"Content-Length":  {},
}

// UpstreamHeader returns the request headers of c that should travel
// upstream.
func (h *Handler) UpstreamHeader(c *fiber.Ctx) http.Header {
	out := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		k := http.CanonicalHeaderKey(string(key))
		if _, skip := skipRequest[k]; !skip {
			out.Add(k, string(value))
		}
	})
	return out
}

// SetStreamHeaders prepares the client-facing response for a stream of the
// given content type. Proxies between the relay and the client are asked
// not to buffer it.
func (h *Handler) SetStreamHeaders(c *fiber.Ctx, contentType, requestID string) {
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Accel-Buffering", "no")
	if requestID != "" {
		c.Set(RequestIDHeader, requestID)
	}
}
