// Package throttle caps the rate of high-volume telemetry events before they
// reach a publisher.
package throttle

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/papercomputeco/chatwire/pkg/eventstream"
)

// Publisher wraps another publisher and drops throttled event types once
// their rate limit is exhausted. Every other event type passes through.
type Publisher struct {
	next    eventstream.Publisher
	limiter *rate.Limiter
	types   map[string]bool
	dropped atomic.Int64
}

// New throttles the given event types to perSecond events per second with a
// burst of burst. With no types, eventstream.EventTypeChunkReceived is
// throttled. A perSecond of zero or less disables throttling.
func New(next eventstream.Publisher, perSecond float64, burst int, types ...string) *Publisher {
	if len(types) == 0 {
		types = []string{eventstream.EventTypeChunkReceived}
	}

	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}

	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}

	return &Publisher{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		types:   set,
	}
}

// Publish forwards the event unless it is of a throttled type and the limit
// is exhausted. Dropped events are not an error.
func (p *Publisher) Publish(ctx context.Context, event *eventstream.Event) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}

	if p.types[event.EventType] && !p.limiter.Allow() {
		p.dropped.Add(1)
		return nil
	}
	return p.next.Publish(ctx, event)
}

// Dropped returns how many events were dropped so far.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close closes the wrapped publisher.
func (p *Publisher) Close() error {
	return p.next.Close()
}
