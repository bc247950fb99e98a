package eventstream

import "context"

// Publisher publishes stream telemetry events to a backend.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}
