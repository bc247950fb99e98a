package kafka

import (
	"context"
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/papercomputeco/chatwire/pkg/eventstream"
)

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

var _ = Describe("Publisher", func() {
	var (
		w *fakeWriter
		p *Publisher
	)

	BeforeEach(func() {
		w = &fakeWriter{}
		p = newPublisher(w, "chatwire.stream", nil)
	})

	It("validates its configuration", func() {
		_, err := NewPublisher(Config{Topic: "t"})
		Expect(err).To(MatchError(ContainSubstring("broker")))

		_, err = NewPublisher(Config{Brokers: []string{"localhost:9092"}})
		Expect(err).To(MatchError(ContainSubstring("topic")))

		pub, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}, Topic: "t"})
		Expect(err).NotTo(HaveOccurred())
		Expect(pub.Close()).To(Succeed())
	})

	It("writes events as JSON keyed by request id", func() {
		event := eventstream.NewEvent(
			eventstream.EventTypeClosed,
			eventstream.EventSource{Service: "chatwire"},
			eventstream.StreamMeta{RequestID: "req-1"},
			nil,
		)
		Expect(p.Publish(context.Background(), event)).To(Succeed())

		Expect(w.msgs).To(HaveLen(1))
		msg := w.msgs[0]
		Expect(string(msg.Key)).To(Equal("req-1"))
		Expect(msg.Headers).To(ContainElement(kafkago.Header{Key: "event_type", Value: []byte("stream_closed")}))
		Expect(msg.Headers).To(ContainElement(kafkago.Header{Key: "schema_version", Value: []byte("1")}))

		var decoded eventstream.Event
		Expect(json.Unmarshal(msg.Value, &decoded)).To(Succeed())
		Expect(decoded.EventID).To(Equal(event.EventID))
	})

	It("wraps write failures", func() {
		w.err = errors.New("leader not available")
		err := p.Publish(context.Background(), eventstream.NewEvent("x", eventstream.EventSource{}, eventstream.StreamMeta{}, nil))
		Expect(err).To(MatchError(w.err))
	})

	It("rejects nil events and closes the writer", func() {
		Expect(p.Publish(context.Background(), nil)).To(MatchError(eventstream.ErrNilEvent))
		Expect(p.Close()).To(Succeed())
		Expect(w.closed).To(BeTrue())
	})
})
