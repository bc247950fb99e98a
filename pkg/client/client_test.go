package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatwire/pkg/chat"
	"github.com/papercomputeco/chatwire/pkg/client"
	"github.com/papercomputeco/chatwire/pkg/eventstream"
	"github.com/papercomputeco/chatwire/pkg/stream"
)

const completionsPath = "/llm-internet-access/chain/chatbot/completions"

func content(text string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`+"\n\n", text)
}

// sseHandler writes each chunk and flushes it.
func sseHandler(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			flusher.Flush()
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []*eventstream.Event
}

func (r *recorder) Publish(_ context.Context, event *eventstream.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) Of(eventType string) []*eventstream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*eventstream.Event
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func texts(data []stream.Datum) []string {
	var out []string
	for _, d := range data {
		if d.Kind == stream.KindContent {
			out = append(out, d.Text)
		}
	}
	return out
}

var _ = Describe("Client", func() {
	var (
		ctx      context.Context
		server   *httptest.Server
		handler  http.Handler
		rec      *recorder
		c        *client.Client
		mu       sync.Mutex
		captured *http.Request
		body     chat.Request
		req      *chat.Request
	)

	serve := func(h http.Handler) {
		mu.Lock()
		defer mu.Unlock()
		handler = h
	}

	// upstream returns what the server saw for the last request.
	upstream := func() (*http.Request, chat.Request) {
		mu.Lock()
		defer mu.Unlock()
		return captured, body
	}

	BeforeEach(func() {
		ctx = context.Background()
		rec = &recorder{}
		req = chat.NewRequest("LILY", chat.Message{Role: chat.RoleUser, Content: "hello?"})

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var sent chat.Request
			_ = json.NewDecoder(r.Body).Decode(&sent)
			mu.Lock()
			captured, body = r.Clone(context.Background()), sent
			h := handler
			mu.Unlock()
			h.ServeHTTP(w, r)
		}))
		DeferCleanup(server.Close)

		var err error
		c, err = client.New(client.Config{
			BaseURL:         server.URL,
			APIPrefix:       "/llm-internet-access",
			CompletionsPath: "/chain/chatbot/completions",
			APIKey:          "secret",
			IdleTimeout:     -1,
			Publisher:       rec,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("joins the completions url", func() {
		Expect(c.URL()).To(Equal(server.URL + completionsPath))
	})

	It("requires a base url", func() {
		_, err := client.New(client.Config{})
		Expect(err).To(HaveOccurred())
	})

	Describe("Do", func() {
		It("pushes every datum through the handler", func() {
			serve(sseHandler(content("Hel"), content("lo"), "data: [DONE]\n\n"))

			var (
				data  []stream.Datum
				stats *stream.Stats
			)
			err := c.Do(ctx, req, client.Handler{
				OnData:     func(d stream.Datum) { data = append(data, d) },
				OnComplete: func(s stream.Stats) { stats = &s },
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(texts(data)).To(Equal([]string{"Hel", "lo"}))
			Expect(data[len(data)-1]).To(Equal(stream.Done()))
			Expect(stats).NotTo(BeNil())
			Expect(stats.State).To(Equal(stream.StateClosedNormal))
		})

		It("sends the request upstream", func() {
			serve(sseHandler("data: [DONE]\n\n"))
			Expect(c.Do(ctx, req, client.Handler{})).To(Succeed())

			captured, body := upstream()
			Expect(captured.URL.Path).To(Equal(completionsPath))
			Expect(captured.Method).To(Equal(http.MethodPost))
			Expect(captured.Header.Get("Accept")).To(Equal("text/event-stream"))
			Expect(captured.Header.Get("Content-Type")).To(Equal("application/json"))
			Expect(captured.Header.Get("Authorization")).To(Equal("Bearer secret"))
			Expect(captured.Header.Get(client.RequestIDHeader)).NotTo(BeEmpty())
			Expect(body.Stream).To(BeTrue())
			Expect(body.Model).To(Equal("LILY"))

			closed := rec.Of(eventstream.EventTypeClosed)
			Expect(closed).To(HaveLen(1))
			Expect(closed[0].Stream.RequestID).To(Equal(captured.Header.Get(client.RequestIDHeader)))
			Expect(closed[0].Stream.Model).To(Equal("LILY"))
		})

		It("forwards extra headers from the context", func() {
			serve(sseHandler("data: [DONE]\n\n"))

			h := http.Header{}
			h.Set(client.RequestIDHeader, "req-42")
			h.Set("X-Trace", "t1")
			h.Set("Accept", "*/*")
			Expect(c.Do(client.WithHeader(ctx, h), req, client.Handler{})).To(Succeed())

			captured, _ := upstream()
			Expect(captured.Header.Get(client.RequestIDHeader)).To(Equal("req-42"))
			Expect(captured.Header.Get("X-Trace")).To(Equal("t1"))
			Expect(captured.Header.Get("Accept")).To(Equal("text/event-stream"))
			Expect(rec.Of(eventstream.EventTypeClosed)[0].Stream.RequestID).To(Equal("req-42"))
		})

		It("returns the fatal business error", func() {
			serve(sseHandler(content("a"), `data: {"error":{"message":"denied"}}`+"\n\n", content("b")))

			var data []stream.Datum
			completed := false
			err := c.Do(ctx, req, client.Handler{
				OnData:     func(d stream.Datum) { data = append(data, d) },
				OnComplete: func(stream.Stats) { completed = true },
			})

			var eo *stream.ErrorObject
			Expect(errors.As(err, &eo)).To(BeTrue())
			Expect(eo.Code).To(Equal(stream.CodeBusinessError))
			Expect(texts(data)).To(Equal([]string{"a"}))
			Expect(completed).To(BeFalse())
		})

		It("flushes a body that ends without DONE", func() {
			serve(sseHandler(`data: {"choices":[{"delta":{"content":"tail"}}]}`))

			var data []stream.Datum
			Expect(c.Do(ctx, req, client.Handler{
				OnData: func(d stream.Datum) { data = append(data, d) },
			})).To(Succeed())

			Expect(texts(data)).To(Equal([]string{"tail"}))
			closed := rec.Of(eventstream.EventTypeClosed)
			Expect(closed).To(HaveLen(1))
			Expect(closed[0].Attrs["reason"]).To(Equal(stream.CloseReasonEndOfStream))
		})

		It("aborts when the context is cancelled", func() {
			serve(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				_, _ = io.WriteString(w, content("first"))
				w.(http.Flusher).Flush()
				<-r.Context().Done()
			}))

			cctx, cancel := context.WithCancel(ctx)
			defer cancel()

			err := c.Do(cctx, req, client.Handler{
				OnData: func(stream.Datum) { cancel() },
			})
			var eo *stream.ErrorObject
			Expect(errors.As(err, &eo)).To(BeTrue())
			Expect(eo.Code).To(Equal(stream.CodeAbortError))
		})
	})

	Describe("Stream", func() {
		It("pulls the same data", func() {
			serve(sseHandler(content("Hel"), content("lo"), "data: [DONE]\n\n"))

			s, err := c.Stream(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			var data []stream.Datum
			for d, err := range s.All(ctx) {
				Expect(err).NotTo(HaveOccurred())
				data = append(data, d)
			}
			Expect(texts(data)).To(Equal([]string{"Hel", "lo"}))
			Expect(data[len(data)-1]).To(Equal(stream.Done()))
		})
	})

	Describe("failed responses", func() {
		errorOf := func(err error) *stream.ErrorObject {
			var eo *stream.ErrorObject
			ExpectWithOffset(1, errors.As(err, &eo)).To(BeTrue())
			return eo
		}

		It("maps the status code and body message", func() {
			serve(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, `{"message":"slow down"}`)
			}))

			_, err := c.Stream(ctx, req)
			eo := errorOf(err)
			Expect(eo.Status).To(Equal(http.StatusTooManyRequests))
			Expect(eo.Code).To(Equal("TOO_MANY_REQUESTS"))
			Expect(eo.Details).To(HaveKeyWithValue("originalError", "429 slow down"))
			Expect(stream.IsRetryable(err)).To(BeTrue())
		})

		It("uses a plain text body as the message", func() {
			serve(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "upstream down", http.StatusBadGateway)
			}))

			var seen []error
			err := c.Do(ctx, req, client.Handler{OnError: func(err error) { seen = append(seen, err) }})
			eo := errorOf(err)
			Expect(eo.Code).To(Equal("BAD_GATEWAY"))
			Expect(eo.Details).To(HaveKeyWithValue("originalError", "502 upstream down"))
			Expect(seen).To(ConsistOf(err))
		})

		It("rejects a business error envelope", func() {
			serve(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				_, _ = io.WriteString(w, `{"suc":false,"code":4001,"msg":"quota exhausted"}`)
			}))

			_, err := c.Stream(ctx, req)
			eo := errorOf(err)
			Expect(eo.Code).To(Equal(stream.CodeBusinessError))
			Expect(eo.Message).To(Equal("quota exhausted"))
			Expect(eo.Details).To(HaveKeyWithValue("businessCode", 4001))
		})

		DescribeTable("decodes any other JSON reply as one message",
			func(reply string) {
				serve(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					w.Header().Set("Content-Type", "application/json")
					_, _ = io.WriteString(w, reply)
				}))

				s, err := c.Stream(ctx, req)
				Expect(err).NotTo(HaveOccurred())
				d, err := s.Next(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(d.Kind).To(Equal(stream.KindContent))
				Expect(d.Text).To(Equal("hi"))
			},
			Entry("compact", `{"choices":[{"delta":{"content":"hi"}}]}`),
			Entry("indented", "{\n  \"choices\": [\n    {\"delta\": {\"content\": \"hi\"}}\n  ]\n}\n"),
			Entry("indented with CRLF", "{\r\n  \"choices\": [{\"delta\": {\"content\": \"hi\"}}]\r\n}\r\n"),
		)

		It("pushes an indented JSON reply without parse errors", func() {
			serve(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, "{\n  \"choices\": [\n    {\"delta\": {\"content\": \"hi\"}}\n  ]\n}\n")
			}))

			var (
				data []stream.Datum
				errs []error
			)
			err := c.Do(ctx, req, client.Handler{
				OnData:  func(d stream.Datum) { data = append(data, d) },
				OnError: func(err error) { errs = append(errs, err) },
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(errs).To(BeEmpty())
			Expect(texts(data)).To(Equal([]string{"hi"}))
		})

		It("reports unreachable upstreams as network errors", func() {
			dead := httptest.NewServer(http.NotFoundHandler())
			dead.Close()

			cl, err := client.New(client.Config{BaseURL: dead.URL, Timeout: time.Second})
			Expect(err).NotTo(HaveOccurred())

			_, err = cl.Stream(ctx, req)
			eo := errorOf(err)
			Expect(eo.Code).To(Equal(stream.CodeNetworkError))
			Expect(eo.Details).To(HaveKeyWithValue("url", cl.URL()))
		})

		It("rejects unknown content encodings", func() {
			serve(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Encoding", "compress")
				_, _ = io.WriteString(w, "xx")
			}))

			_, err := c.Stream(ctx, req)
			Expect(errorOf(err).Code).To(Equal(stream.CodeParseError))
		})
	})

	DescribeTable("decodes compressed bodies",
		func(encoding string, wrap func(io.Writer) io.WriteCloser) {
			serve(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Content-Encoding", encoding)
				zw := wrap(w)
				_, _ = io.WriteString(zw, content("squeezed")+"data: [DONE]\n\n")
				_ = zw.Close()
			}))

			var data []stream.Datum
			Expect(c.Do(ctx, req, client.Handler{
				OnData: func(d stream.Datum) { data = append(data, d) },
			})).To(Succeed())

			Expect(texts(data)).To(Equal([]string{"squeezed"}))
			captured, _ := upstream()
			Expect(captured.Header.Get("Accept-Encoding")).To(ContainSubstring(encoding))
		},
		Entry("brotli", "br", func(w io.Writer) io.WriteCloser { return brotli.NewWriter(w) }),
		Entry("gzip", "gzip", func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) }),
		Entry("zstd", "zstd", func(w io.Writer) io.WriteCloser {
			zw, _ := zstd.NewWriter(w)
			return zw
		}),
	)
})

var _ = Describe("Profile", func() {
	It("flags slow phases", func() {
		p := client.NewProfile()
		Expect(p.Slow()).To(BeEmpty())

		p.DNS = 1500 * time.Millisecond
		p.TLS = 2 * time.Second
		p.Connect = time.Second
		Expect(p.Slow()).To(Equal([]string{"dns", "tls"}))
	})

	It("fills in from a real request", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "ok")
		}))
		defer server.Close()

		p := client.NewProfile()
		r, err := http.NewRequestWithContext(p.WithContext(context.Background()), http.MethodGet, server.URL, nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.DefaultClient.Do(r)
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()

		Expect(p.FirstByte).To(BeNumerically(">", 0))
		Expect(p.LogValue().Group()).To(HaveLen(5))
	})
})
