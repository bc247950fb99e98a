package sse

import (
	"bytes"
	"context"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// drain reads every message from r and returns them with the error that
// stopped it.
func drain(r *TeeReader) ([]*Message, error) {
	var msgs []*Message
	for {
		msg, err := r.Next()
		if err != nil || msg == nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
}

type wantMsg struct {
	event string
	data  string
	id    string
}

var _ = Describe("TeeReader", func() {
	var dst *bytes.Buffer

	BeforeEach(func() {
		dst = &bytes.Buffer{}
	})

	DescribeTable("parses messages",
		func(input string, want []wantMsg) {
			msgs, err := drain(NewTeeReader(strings.NewReader(input), dst))
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(len(want)))
			for i, w := range want {
				Expect(msgs[i].Event).To(Equal(w.event), "message %d event", i)
				Expect(msgs[i].Data).To(Equal(w.data), "message %d data", i)
				Expect(msgs[i].ID).To(Equal(w.id), "message %d id", i)
			}
		},
		Entry("a single data line", "data: hello world\n\n",
			[]wantMsg{{data: "hello world"}}),
		Entry("consecutive messages", "data: first\n\ndata: second\n\n",
			[]wantMsg{{data: "first"}, {data: "second"}}),
		Entry("an event type", "event: error\ndata: {\"code\":1}\n\n",
			[]wantMsg{{event: "error", data: `{"code":1}`}}),
		Entry("an id", "id: 42\ndata: hello\n\n",
			[]wantMsg{{id: "42", data: "hello"}}),
		Entry("data lines joined with newlines", "data: line one\ndata: line two\ndata: line three\n\n",
			[]wantMsg{{data: "line one\nline two\nline three"}}),
		Entry("a completion stream",
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n"+
				"data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n"+
				"data: [DONE]\n\n",
			[]wantMsg{
				{data: `{"choices":[{"delta":{"content":"Hello"}}]}`},
				{data: `{"choices":[{"delta":{"content":" world"}}]}`},
				{data: "[DONE]"},
			}),
		Entry("plugin events",
			"data: {\"event\":{\"name\":\"queryExpand\",\"state\":0}}\n\n"+
				"event: plugin\ndata: {\"event\":{\"name\":\"quote\",\"state\":2}}\n\n",
			[]wantMsg{
				{data: `{"event":{"name":"queryExpand","state":0}}`},
				{event: "plugin", data: `{"event":{"name":"quote","state":2}}`},
			}),
		Entry("a comment before the data", ": keep-alive\ndata: hello\n\n",
			[]wantMsg{{data: "hello"}}),
		Entry("no space after the colon", "data:no-space\n\n",
			[]wantMsg{{data: "no-space"}}),
		Entry("an empty data field", "data:\n\n",
			[]wantMsg{{data: ""}}),
		Entry("a data field holding only the separator space", "data: \n\n",
			[]wantMsg{{data: ""}}),
		Entry("a field with no colon", "data\n\n",
			[]wantMsg{{data: ""}}),
		Entry("unknown fields", "retry: 3000\nfoo: bar\ndata: hello\n\n",
			[]wantMsg{{data: "hello"}}),
		Entry("leading blank lines", "\n\ndata: hello\n\n",
			[]wantMsg{{data: "hello"}}),
		Entry("an unterminated final message", "data: unterminated",
			[]wantMsg{{data: "unterminated"}}),
		Entry("empty input", "", nil),
		Entry("only blank lines", "\n\n\n", nil),
	)

	DescribeTable("forwards the source bytes verbatim",
		func(input string) {
			_, err := drain(NewTeeReader(strings.NewReader(input), dst))
			Expect(err).NotTo(HaveOccurred())
			Expect(dst.String()).To(Equal(input))
		},
		Entry("message delimiters", "data: first\n\ndata: second\n\n"),
		Entry("a completion stream", "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\ndata: [DONE]\n\n"),
		Entry("event types", "event: error\ndata: {\"err\":\"denied\"}\n\n"),
		Entry("comments", ": comment\ndata: hello\n\n"),
		Entry("CRLF line endings", "data: a\r\n\r\ndata: b\r\n\r\n"),
		Entry("multi-byte text", "data: {\"content\":\"wörld ✓\"}\n\n"),
	)

	It("has forwarded a comment by the time the next message is returned", func() {
		r := NewTeeReader(strings.NewReader(": keep-alive\ndata: hello\n\n"), dst)
		_, err := r.Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(dst.String()).To(ContainSubstring(": keep-alive\n"))
	})

	Describe("Close", func() {
		It("stops reading without yielding the partial message", func() {
			r := NewTeeReader(strings.NewReader("data: first\n\ndata: partial"), dst)

			msg, err := r.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Data).To(Equal("first"))

			Expect(r.Close()).To(Succeed())
			msg, err = r.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(msg).To(BeNil())
		})
	})

	Describe("Iterator", func() {
		It("shares the tee with the reader", func() {
			r := NewTeeReader(strings.NewReader("data: a\n\ndata: b\n\n"), dst)

			msg, err := r.Iterator().Next(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Data).To(Equal("a"))

			msg, err = r.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Data).To(Equal("b"))
			Expect(dst.String()).To(Equal("data: a\n\ndata: b\n\n"))
		})
	})
})
