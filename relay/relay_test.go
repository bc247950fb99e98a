package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatwire/pkg/chat"
	"github.com/papercomputeco/chatwire/pkg/client"
	"github.com/papercomputeco/chatwire/pkg/logger"
	"github.com/papercomputeco/chatwire/pkg/stream"
	"github.com/papercomputeco/chatwire/relay/header"
)

var upstreamEvents = []string{
	`data: {"model":"LILY","choices":[{"delta":{"role":"assistant"}}]}` + "\n\n",
	`data: {"choices":[{"delta":{"content":"Hello"}}]}` + "\n\n",
	`data: {"choices":[{"delta":{"content":" world"}}]}` + "\n\n",
	"data: [DONE]\n\n",
}

// newTestRelay creates a Relay in front of upstreamURL.
func newTestRelay(upstreamURL, format string) *Relay {
	cl, err := client.New(client.Config{
		BaseURL:     upstreamURL,
		IdleTimeout: -1,
		Logger:      logger.Nop(),
	})
	Expect(err).NotTo(HaveOccurred())

	r, err := New(Config{ListenAddr: ":0", Format: format, DefaultModel: "LILY"}, cl, logger.Nop())
	Expect(err).NotTo(HaveOccurred())
	return r
}

func chatBody(content string) io.Reader {
	b, err := json.Marshal(chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: content}},
	})
	Expect(err).NotTo(HaveOccurred())
	return bytes.NewReader(b)
}

func post(r *Relay, body io.Reader, set ...func(*http.Request)) *http.Response {
	req := httptest.NewRequest(http.MethodPost, DefaultPath, body)
	req.Header.Set("Content-Type", "application/json")
	for _, fn := range set {
		fn(req)
	}
	resp, err := r.server.Test(req, -1)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

var _ = Describe("Relay", func() {
	var (
		r        *Relay
		upstream *httptest.Server
		events   []string
		status   int

		mu   sync.Mutex
		seen *http.Request
		sent chat.Request
	)

	BeforeEach(func() {
		events = upstreamEvents
		status = http.StatusOK
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			var in chat.Request
			_ = json.NewDecoder(req.Body).Decode(&in)
			mu.Lock()
			seen, sent = req.Clone(context.Background()), in
			mu.Unlock()

			if status != http.StatusOK {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = io.WriteString(w, `{"message":"bad key"}`)
				return
			}

			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, e := range events {
				fmt.Fprint(w, e)
				flusher.Flush()
			}
		}))
	})

	AfterEach(func() {
		if r != nil {
			_ = r.Close()
			r = nil
		}
		upstream.Close()
	})

	Context("with the ndjson format", func() {
		BeforeEach(func() {
			r = newTestRelay(upstream.URL, FormatNDJSON)
		})

		It("streams decoded datums", func() {
			resp := post(r, chatBody("hi"))
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal(header.ContentTypeNDJSON))
			Expect(resp.Header.Get(header.RequestIDHeader)).NotTo(BeEmpty())

			var texts []string
			var last stream.Datum
			for d, err := range stream.FromNDJSON(resp.Body).All(context.Background()) {
				Expect(err).NotTo(HaveOccurred())
				if d.Kind == stream.KindContent {
					texts = append(texts, d.Text)
				}
				last = d
			}
			Expect(texts).To(Equal([]string{"Hello", " world"}))
			Expect(last).To(Equal(stream.Done()))
		})

		It("fills in the default model and forwards the request id", func() {
			resp := post(r, chatBody("hi"), func(req *http.Request) {
				req.Header.Set(header.RequestIDHeader, "req-7")
				req.Header.Set("X-Trace", "abc")
			})
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			mu.Lock()
			defer mu.Unlock()
			Expect(sent.Model).To(Equal("LILY"))
			Expect(sent.Stream).To(BeTrue())
			Expect(seen.Header.Get(header.RequestIDHeader)).To(Equal("req-7"))
			Expect(seen.Header.Get("X-Trace")).To(Equal("abc"))
			Expect(seen.Header.Get("Accept")).To(Equal("text/event-stream"))
			Expect(resp.Header.Get(header.RequestIDHeader)).To(Equal("req-7"))
		})

		It("ends a failed stream with an error line", func() {
			events = []string{
				`data: {"choices":[{"delta":{"content":"partial"}}]}` + "\n\n",
				`data: {"error":{"message":"policy"},"message":"blocked by policy"}` + "\n\n",
			}

			resp := post(r, chatBody("hi"))
			defer resp.Body.Close()

			var got []stream.Datum
			var streamErr error
			for d, err := range stream.FromNDJSON(resp.Body).All(context.Background()) {
				if err != nil {
					streamErr = err
					break
				}
				got = append(got, d)
			}

			Expect(got).To(HaveLen(1))
			var eo *stream.ErrorObject
			Expect(errors.As(streamErr, &eo)).To(BeTrue())
			Expect(eo.Code).To(Equal(stream.CodeBusinessError))
			Expect(eo.Details).To(HaveKeyWithValue("originalError", "blocked by policy"))
		})

		It("relays upstream HTTP errors as JSON", func() {
			status = http.StatusUnauthorized

			resp := post(r, chatBody("hi"))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

			var eo stream.ErrorObject
			Expect(json.NewDecoder(resp.Body).Decode(&eo)).To(Succeed())
			Expect(eo.Code).To(Equal("UNAUTHORIZED"))
			Expect(eo.Details).To(HaveKeyWithValue("originalError", "401 bad key"))
		})

		DescribeTable("rejects bad requests",
			func(body string) {
				resp := post(r, strings.NewReader(body))
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var eo stream.ErrorObject
				Expect(json.NewDecoder(resp.Body).Decode(&eo)).To(Succeed())
				Expect(eo.Code).To(Equal("BAD_REQUEST"))
			},
			Entry("invalid JSON", `{"messages":`),
			Entry("no messages", `{"model":"LILY"}`),
		)
	})

	Context("with the sse format", func() {
		BeforeEach(func() {
			r = newTestRelay(upstream.URL, FormatSSE)
		})

		It("passes the upstream bytes through verbatim", func() {
			events = append(append([]string{}, upstreamEvents...), ": trailing comment\n\n")

			resp := post(r, chatBody("hi"))
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal(header.ContentTypeSSE))

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal(strings.Join(events, "")))
		})
	})

	Describe("operational routes", func() {
		BeforeEach(func() {
			r = newTestRelay(upstream.URL, "")
		})

		It("reports health", func() {
			resp, err := r.server.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(MatchJSON(`{"status":"ok"}`))
		})

		It("publishes relay counters", func() {
			resp := post(r, chatBody("hi"))
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			resp, err := r.server.Test(httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			var vars map[string]json.RawMessage
			Expect(json.NewDecoder(resp.Body).Decode(&vars)).To(Succeed())
			Expect(vars).To(HaveKey("relay"))

			var counters map[string]int64
			Expect(json.Unmarshal(vars["relay"], &counters)).To(Succeed())
			Expect(counters[metricRequests]).To(BeNumerically(">=", 1))
		})
	})

	It("rejects unknown formats", func() {
		cl, err := client.New(client.Config{BaseURL: upstream.URL})
		Expect(err).NotTo(HaveOccurred())

		_, err = New(Config{Format: "xml"}, cl, nil)
		Expect(err).To(MatchError(ContainSubstring("xml")))
	})

	It("serves until the context is cancelled", func() {
		cl, err := client.New(client.Config{BaseURL: upstream.URL, IdleTimeout: -1})
		Expect(err).NotTo(HaveOccurred())
		srv, err := New(Config{}, cl, nil)
		Expect(err).NotTo(HaveOccurred())

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.RunWithListener(ctx, listener) }()

		Eventually(func() error {
			resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
			if err != nil {
				return err
			}
			return resp.Body.Close()
		}, 2*time.Second, 20*time.Millisecond).Should(Succeed())

		cancel()
		Eventually(done, 2*time.Second).Should(Receive(BeNil()))
	})
})
