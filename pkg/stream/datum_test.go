package stream_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatwire/pkg/chat"
	"github.com/papercomputeco/chatwire/pkg/stream"
)

func marshal(d stream.Datum) string {
	b, err := json.Marshal(d)
	Expect(err).NotTo(HaveOccurred())
	return string(b)
}

var _ = Describe("Datum", func() {
	raw := json.RawMessage(`{"x":1}`)

	DescribeTable("renders the consumer-facing shape",
		func(d stream.Datum, want string) {
			Expect(marshal(d)).To(MatchJSON(want))
		},
		Entry("increment",
			stream.Datum{Kind: stream.KindIncrement, Text: "par", RequestID: "m-1"},
			`{"kind":"increment","type":"increment","data":{"increment":"par","requestId":"m-1"}}`),
		Entry("content",
			stream.Datum{Kind: stream.KindContent, Text: "Hi", Raw: raw},
			`{"kind":"content","data":{"choices":[{"delta":{"content":"Hi"}}]},"rawData":{"x":1}}`),
		Entry("reasoning",
			stream.Datum{Kind: stream.KindReasoning, Text: "hmm"},
			`{"kind":"reasoning","data":{"choices":[{"delta":{"reasoning_content":"hmm"}}]}}`),
		Entry("references",
			stream.Datum{Kind: stream.KindReferences, Articles: []chat.Article{{
				Index: json.RawMessage(`1`), Title: "T", URL: "https://t",
			}}},
			`{"kind":"references","data":{"articles":[{"index":1,"title":"T","url":"https://t"}]}}`),
		Entry("empty references",
			stream.Datum{Kind: stream.KindReferences},
			`{"kind":"references","data":{"articles":[]}}`),
		Entry("plugin progress",
			stream.Datum{Kind: stream.KindPluginProgress, Plugin: &stream.PluginStatus{
				Name: "recall", State: 0, Type: json.RawMessage(`"search"`),
				Message: json.RawMessage(`"looking"`), SearchState: stream.SearchStateSearching,
			}},
			`{"kind":"plugin_progress","data":null,"status":0,"type":"search","message":"looking","pluginName":"recall","searchState":"searching"}`),
		Entry("references closed",
			stream.Datum{Kind: stream.KindReferencesClosed, Plugin: &stream.PluginStatus{
				Name: "quote", State: 2, SearchState: stream.SearchStateEnd, Session: "S1",
			}},
			`{"kind":"references_closed","data":null,"status":2,"pluginName":"quote","searchState":"end","session":"S1"}`),
		Entry("session meta",
			stream.Datum{
				Kind:    stream.KindSessionMeta,
				Session: &stream.SessionInfo{IntentName: "i", IntentProduct: "i", SessionName: "n", Session: "S1"},
				Plugin:  &stream.PluginStatus{Name: "business", State: 1, Message: json.RawMessage(`"{}"`)},
			},
			`{"kind":"session_meta","data":{"intentName":"i","intentProduct":"i","sessionName":"n","session":"S1"},"status":1,"type":"business","message":"{}","pluginName":"business"}`),
		Entry("model",
			stream.Datum{Kind: stream.KindModel, Model: "LILY"},
			`{"kind":"model","data":{"model":"LILY"}}`),
		Entry("event",
			stream.Datum{Kind: stream.KindEvent, Event: &stream.EventDatum{SSEEvent: "plugin", Name: "weather", Data: raw}},
			`{"kind":"event","event":"plugin","data":{"x":1},"pluginName":"weather"}`),
		Entry("event without an SSE event name",
			stream.Datum{Kind: stream.KindEvent, Event: &stream.EventDatum{Data: json.RawMessage(`"raw text"`)}},
			`{"kind":"event","event":null,"data":"raw text"}`),
		Entry("payload",
			stream.Datum{Kind: stream.KindPayload, Payload: json.RawMessage(`[1,2]`)},
			`{"kind":"payload","data":[1,2]}`),
		Entry("done",
			stream.Done(),
			`{"kind":"done","done":true}`),
	)

	It("refuses to marshal an unknown kind", func() {
		_, err := json.Marshal(stream.Datum{})
		Expect(err).To(HaveOccurred())
	})

	It("reads back what it writes", func() {
		in := stream.Datum{
			Kind:    stream.KindSessionMeta,
			Session: &stream.SessionInfo{IntentName: "i", IntentProduct: "i", SessionName: "n", Session: "S1"},
			Plugin:  &stream.PluginStatus{Name: "business", State: 1, Message: json.RawMessage(`"{}"`)},
			Raw:     raw,
		}

		var out stream.Datum
		Expect(json.Unmarshal([]byte(marshal(in)), &out)).To(Succeed())
		Expect(out).To(Equal(in))
	})

	It("names its kinds", func() {
		Expect(stream.KindReferencesClosed.String()).To(Equal("references_closed"))
		Expect(stream.Kind(99).String()).To(Equal("kind(99)"))
	})
})
