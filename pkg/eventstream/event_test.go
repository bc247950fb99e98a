package eventstream_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatwire/pkg/eventstream"
)

var _ = Describe("Event", func() {
	It("marshals with the expected top-level keys", func() {
		event := eventstream.NewEvent(
			eventstream.EventTypeClosed,
			eventstream.EventSource{Service: "chatwire", Variant: "push"},
			eventstream.StreamMeta{RequestID: "req-1", Session: "S1", ChunksReceived: 3},
			map[string]any{"reason": "manual_close"},
		)

		payload, err := json.Marshal(event)
		Expect(err).NotTo(HaveOccurred())

		var got map[string]any
		Expect(json.Unmarshal(payload, &got)).To(Succeed())

		Expect(got).To(HaveKey("schema_version"))
		Expect(got).To(HaveKeyWithValue("event_type", "stream_closed"))
		Expect(got).To(HaveKey("event_id"))
		Expect(got).To(HaveKey("emitted_at"))
		Expect(got).To(HaveKey("source"))
		Expect(got).To(HaveKey("stream"))
		Expect(got).To(HaveKeyWithValue("attrs", HaveKeyWithValue("reason", "manual_close")))
		Expect(got["stream"]).To(HaveKeyWithValue("chunks_received", BeNumerically("==", 3)))
	})

	It("assigns unique event ids", func() {
		a := eventstream.NewEvent(eventstream.EventTypeTimeout, eventstream.EventSource{}, eventstream.StreamMeta{}, nil)
		b := eventstream.NewEvent(eventstream.EventTypeTimeout, eventstream.EventSource{}, eventstream.StreamMeta{}, nil)
		Expect(a.EventID).NotTo(Equal(b.EventID))
		Expect(a.SchemaVersion).To(Equal(eventstream.SchemaVersionV1))
	})

	It("keys events by request id when available", func() {
		e := eventstream.NewEvent(eventstream.EventTypeChunkReceived, eventstream.EventSource{}, eventstream.StreamMeta{RequestID: "req-9"}, nil)
		Expect(e.Key()).To(Equal("req-9"))

		e.Stream.RequestID = ""
		Expect(e.Key()).To(Equal(e.EventID))
	})

	It("provides ErrNilEvent for nil payload validation", func() {
		Expect(eventstream.ErrNilEvent).To(MatchError("nil event"))
	})
})
