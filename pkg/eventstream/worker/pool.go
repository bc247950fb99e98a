// Package worker provides an asynchronous worker pool that publishes stream
// telemetry events through a downstream eventstream.Publisher.
//
// The pool decouples telemetry delivery from the stream's hot path so that
// chunk processing never waits on a slow backend.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/papercomputeco/chatwire/pkg/eventstream"
)

var (
	defaultNumWorkers     uint = 3
	defaultJobQueueSize   uint = 256
	defaultPublishTimeout      = 5 * time.Second
)

// ErrQueueFull is returned by Publish when the event was dropped because the
// queue had no capacity.
var ErrQueueFull = errors.New("event queue full")

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("worker pool closed")

// Config is the configuration options for the worker pool.
type Config struct {
	// Publisher is the downstream backend events are delivered to.
	Publisher eventstream.Publisher

	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of the buffered event channel (defaults to 256).
	QueueSize uint

	// PublishTimeout bounds each downstream Publish call (defaults to 5s).
	PublishTimeout time.Duration

	// Logger is the provided slog logger
	Logger *slog.Logger
}

// Pool publishes events asynchronously via a worker pool. It implements
// eventstream.Publisher itself.
type Pool struct {
	config *Config
	queue  chan *eventstream.Event
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a new Pool and starts its worker goroutines.
func NewPool(c *Config) (*Pool, error) {
	if c.Publisher == nil {
		return nil, errors.New("worker pool requires a publisher")
	}

	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}

	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}

	if c.PublishTimeout == 0 {
		c.PublishTimeout = defaultPublishTimeout
	}

	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}

	wp := &Pool{
		config: c,
		queue:  make(chan *eventstream.Event, c.QueueSize),
		logger: c.Logger,
	}

	wp.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go wp.worker(i)
	}

	return wp, nil
}

// Publish submits an event for delivery by the worker pool. It never blocks:
// when the queue is full the event is dropped and ErrQueueFull returned.
func (p *Pool) Publish(_ context.Context, event *eventstream.Event) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- event:
		p.logger.Debug("event queued",
			"event_type", event.EventType,
			"request_id", event.Stream.RequestID,
		)
		return nil
	default:
		p.logger.Error("event not queued, queue full, event dropped",
			"event_type", event.EventType,
			"request_id", event.Stream.RequestID,
		)
		return ErrQueueFull
	}
}

// Close stops accepting events, waits for queued events to drain and then
// closes the downstream publisher. It is safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	return p.config.Publisher.Close()
}

// worker is the inner worker thread that continuously pulls events off the queue
func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("worker started", "worker_id", id)

	for event := range p.queue {
		p.deliver(event)
	}

	p.logger.Debug("telemetry worker stopped", "worker_id", id)
}

func (p *Pool) deliver(event *eventstream.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()

	if err := p.config.Publisher.Publish(ctx, event); err != nil {
		p.logger.Warn("telemetry publish failed",
			"event_type", event.EventType,
			"event_id", event.EventID,
			"error", err,
		)
	}
}
