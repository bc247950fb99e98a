// Package relay serves chat completion streams to clients that cannot speak
// the upstream protocol themselves. Each request is forwarded through
// pkg/client and the upstream event stream is returned either decoded, as
// NDJSON datums, or verbatim as SSE.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/papercomputeco/chatwire/pkg/chat"
	"github.com/papercomputeco/chatwire/pkg/client"
	"github.com/papercomputeco/chatwire/pkg/logger"
	"github.com/papercomputeco/chatwire/pkg/stream"
	"github.com/papercomputeco/chatwire/relay/header"
)

// Relay is the HTTP server in front of one upstream client.
type Relay struct {
	config        Config
	upstream      *client.Client
	logger        *slog.Logger
	server        *fiber.App
	headerHandler *header.Handler
}

// New creates a new Relay forwarding to upstream.
func New(config Config, upstream *client.Client, log *slog.Logger) (*Relay, error) {
	if upstream == nil {
		return nil, errors.New("upstream client is required")
	}
	switch config.Format {
	case "":
		config.Format = FormatNDJSON
	case FormatNDJSON, FormatSSE:
	default:
		return nil, fmt.Errorf("unknown relay format %q", config.Format)
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if log == nil {
		log = logger.Nop()
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StreamRequestBody:     true,
	})

	r := &Relay{
		config:        config,
		upstream:      upstream,
		logger:        log,
		server:        app,
		headerHandler: header.NewHandler(),
	}

	app.Use(recover.New())

	// Streams are flushed per chunk; compressing them would buffer.
	app.Use(compress.New(compress.Config{
		Next: func(c *fiber.Ctx) bool { return c.Path() == config.Path },
	}))

	app.Post(config.Path, r.handleCompletions)
	app.Get("/healthz", r.handleHealth)
	app.Get("/debug/vars", adaptor.HTTPHandler(expvar.Handler()))

	return r, nil
}

// Run serves on the configured address until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", r.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", r.config.ListenAddr, err)
	}
	return r.RunWithListener(ctx, listener)
}

// RunWithListener serves on listener until ctx is cancelled.
func (r *Relay) RunWithListener(ctx context.Context, listener net.Listener) error {
	r.logger.Info("starting relay server",
		"listen", listener.Addr().String(),
		"upstream", r.upstream.URL(),
		"format", r.config.Format,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.server.Listener(listener)
	})
	g.Go(func() error {
		<-gctx.Done()
		return r.server.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close shuts the server down.
func (r *Relay) Close() error {
	return r.server.Shutdown()
}

func (r *Relay) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (r *Relay) handleCompletions(c *fiber.Ctx) error {
	metrics.Add(metricRequests, 1)

	var req chat.Request
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		metrics.Add(metricBadRequests, 1)
		return r.fail(c, stream.NewHTTPError(fiber.StatusBadRequest, fmt.Errorf("decoding request: %w", err), nil))
	}
	if len(req.Messages) == 0 {
		metrics.Add(metricBadRequests, 1)
		return r.fail(c, stream.NewHTTPError(fiber.StatusBadRequest, errors.New("messages are required"), nil))
	}
	if req.Model == "" {
		req.Model = r.config.DefaultModel
	}

	requestID := c.Get(header.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	upstreamHeader := r.headerHandler.UpstreamHeader(c)
	upstreamHeader.Set(header.RequestIDHeader, requestID)

	// The handler returns before the body is written, so the upstream call
	// is tied to the pump, not to the fiber context.
	ctx, cancel := context.WithCancel(client.WithHeader(context.Background(), upstreamHeader))

	resp, err := r.upstream.Open(ctx, &req)
	if err != nil {
		cancel()
		metrics.Add(metricUpstreamErrors, 1)
		r.logger.Debug("upstream request failed", "request_id", requestID, "error", err)
		return r.fail(c, err)
	}

	pr, pw := io.Pipe()
	switch r.config.Format {
	case FormatSSE:
		r.headerHandler.SetStreamHeaders(c, header.ContentTypeSSE, requestID)
		go r.pump(ctx, cancel, resp, pw, r.pumpSSE)
	default:
		r.headerHandler.SetStreamHeaders(c, header.ContentTypeNDJSON, requestID)
		go r.pump(ctx, cancel, resp, pw, r.pumpNDJSON)
	}

	// fasthttp flushes each chunk read from the pipe straight to the client
	// and closes the reader when the client goes away.
	c.Context().Response.SetBodyStream(pr, -1)
	return nil
}

// pump runs one of the format writers and releases the upstream request.
func (r *Relay) pump(ctx context.Context, cancel context.CancelFunc, resp *client.Response, pw *io.PipeWriter, write func(context.Context, *client.Response, io.Writer) error) {
	metrics.Add(metricActiveStreams, 1)
	defer metrics.Add(metricActiveStreams, -1)
	defer cancel()
	defer resp.Body.Close()

	if err := write(ctx, resp, pw); err != nil {
		metrics.Add(metricStreamErrors, 1)
		r.logger.Debug("relay stream ended with error",
			"request_id", resp.Metadata.RequestID,
			"error", err,
		)
	}
	_ = pw.Close()
}

// pumpNDJSON writes the decoded datums. A fatal stream error becomes the
// final error line.
func (r *Relay) pumpNDJSON(ctx context.Context, resp *client.Response, w io.Writer) error {
	s := resp.Stream(stream.WithLogger(r.logger))
	defer s.Close()
	return s.WriteNDJSON(ctx, w)
}

// pumpSSE copies the upstream bytes through while decoding them, so
// telemetry sees the same stream the client does. Bytes after the end of the
// decoded stream are still passed along.
func (r *Relay) pumpSSE(ctx context.Context, resp *client.Response, w io.Writer) error {
	s := resp.Tee(w, stream.WithLogger(r.logger))

	var streamErr error
	for _, err := range s.All(ctx) {
		if err != nil {
			streamErr = err
			break
		}
	}
	_ = s.Close()

	if _, err := io.Copy(w, resp.Body); err != nil && streamErr == nil {
		streamErr = err
	}
	return streamErr
}

// fail writes err as a JSON ErrorObject with a matching status code.
func (r *Relay) fail(c *fiber.Ctx, err error) error {
	var eo *stream.ErrorObject
	if !errors.As(err, &eo) {
		eo = stream.NewError(stream.CodeUnknownError, err, nil)
	}
	return c.Status(statusOf(eo)).JSON(eo)
}

func statusOf(eo *stream.ErrorObject) int {
	switch {
	case eo.Status >= 400:
		return eo.Status
	case eo.Code == stream.CodeTimeoutError:
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusBadGateway
	}
}
