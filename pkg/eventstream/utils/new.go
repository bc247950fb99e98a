package eventstreamutils

import (
	"fmt"
	"log/slog"

	"github.com/papercomputeco/chatwire/pkg/eventstream"
	"github.com/papercomputeco/chatwire/pkg/eventstream/kafka"
	"github.com/papercomputeco/chatwire/pkg/eventstream/nop"
	"github.com/papercomputeco/chatwire/pkg/eventstream/slogpub"
	"github.com/papercomputeco/chatwire/pkg/eventstream/throttle"
	"github.com/papercomputeco/chatwire/pkg/eventstream/worker"
	"github.com/papercomputeco/chatwire/pkg/logger"
)

const (
	ProviderNop   = "nop"
	ProviderLog   = "log"
	ProviderKafka = "kafka"
)

type NewPublisherOpts struct {
	ProviderType string
	Brokers      []string
	Topic        string

	// Workers and QueueSize size the delivery pool. Zero uses the pool defaults.
	Workers   uint
	QueueSize uint

	// ChunkRate caps stream_chunk_received events per second. 0 disables the cap.
	ChunkRate float64

	Logger *slog.Logger
}

// NewPublisher builds the telemetry pipeline for o.ProviderType: the backend,
// an optional chunk throttle, and a worker pool so publishing never blocks
// a stream. Close the returned publisher to drain and release it.
func NewPublisher(o *NewPublisherOpts) (eventstream.Publisher, error) {
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}

	var backend eventstream.Publisher

	switch o.ProviderType {
	case "", ProviderNop:
		return nop.NewPublisher(), nil
	case ProviderLog:
		backend = slogpub.NewPublisher(o.Logger)
	case ProviderKafka:
		p, err := kafka.NewPublisher(kafka.Config{
			Brokers: o.Brokers,
			Topic:   o.Topic,
			Logger:  o.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating kafka publisher: %w", err)
		}
		backend = p
	default:
		return nil, fmt.Errorf("unsupported telemetry provider: %s", o.ProviderType)
	}

	if o.ChunkRate > 0 {
		backend = throttle.New(backend, o.ChunkRate, int(o.ChunkRate)+1, eventstream.EventTypeChunkReceived)
	}

	return worker.NewPool(&worker.Config{
		Publisher:  backend,
		NumWorkers: o.Workers,
		QueueSize:  o.QueueSize,
		Logger:     o.Logger,
	})
}
