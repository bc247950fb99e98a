package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatwire/pkg/stream"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ = Describe("ErrorObject", func() {
	DescribeTable("maps HTTP status codes",
		func(status int, code string) {
			eo := stream.NewHTTPError(status, nil, nil)
			Expect(eo.Status).To(Equal(status))
			Expect(eo.Code).To(Equal(code))
			Expect(eo.Message).NotTo(BeEmpty())
		},
		Entry("400", 400, "BAD_REQUEST"),
		Entry("401", 401, "UNAUTHORIZED"),
		Entry("404", 404, "NOT_FOUND"),
		Entry("429", 429, "TOO_MANY_REQUESTS"),
		Entry("503", 503, "SERVICE_UNAVAILABLE"),
		Entry("unknown", 418, stream.CodeHTTPError),
	)

	It("keeps the cause", func() {
		cause := errors.New("connection reset")
		eo := stream.NewError(stream.CodeNetworkError, cause, map[string]any{"url": "https://x"})

		Expect(errors.Is(eo, cause)).To(BeTrue())
		Expect(eo.Details).To(HaveKeyWithValue("originalError", "connection reset"))
		Expect(eo.Details).To(HaveKeyWithValue("url", "https://x"))
		Expect(eo.Error()).To(Equal("NETWORK_ERROR: network connection error: connection reset"))
	})

	It("falls back to UNKNOWN_ERROR", func() {
		Expect(stream.NewError("NOPE", nil, nil).Code).To(Equal(stream.CodeUnknownError))
	})

	It("includes the status in the message", func() {
		Expect(stream.NewHTTPError(404, nil, nil).Error()).To(Equal("404 NOT_FOUND: requested resource not found"))
	})

	DescribeTable("IsRetryable",
		func(err error, want bool) {
			Expect(stream.IsRetryable(err)).To(Equal(want))
		},
		Entry("429", stream.NewHTTPError(429, nil, nil), true),
		Entry("502", stream.NewHTTPError(502, nil, nil), true),
		Entry("504", stream.NewHTTPError(504, nil, nil), true),
		Entry("500", stream.NewHTTPError(500, nil, nil), false),
		Entry("404", stream.NewHTTPError(404, nil, nil), false),
		Entry("network", stream.NewError(stream.CodeNetworkError, nil, nil), true),
		Entry("wrapped network", fmt.Errorf("calling: %w", stream.NewError(stream.CodeNetworkError, nil, nil)), true),
		Entry("parse", stream.NewError(stream.CodeParseError, nil, nil), false),
		Entry("plain error", errors.New("x"), false),
		Entry("nil", nil, false),
	)

	DescribeTable("TransportError",
		func(err error, code string) {
			Expect(stream.TransportError(err).Code).To(Equal(code))
		},
		Entry("cancelled", context.Canceled, stream.CodeAbortError),
		Entry("deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), stream.CodeTimeoutError),
		Entry("net timeout", timeoutError{}, stream.CodeTimeoutError),
		Entry("other", errors.New("connection refused"), stream.CodeNetworkError),
		Entry("already structured", stream.NewHTTPError(401, nil, nil), "UNAUTHORIZED"),
	)

	Describe("business envelopes", func() {
		It("accepts success in either code form", func() {
			Expect(stream.IsBusinessError(&stream.BusinessResponse{Suc: true, Code: json.RawMessage(`200`)})).To(BeFalse())
			Expect(stream.IsBusinessError(&stream.BusinessResponse{Suc: true, Code: json.RawMessage(`"200"`)})).To(BeFalse())
		})

		It("flags failures", func() {
			Expect(stream.IsBusinessError(&stream.BusinessResponse{Suc: false, Code: json.RawMessage(`200`)})).To(BeTrue())
			Expect(stream.IsBusinessError(&stream.BusinessResponse{Suc: true, Code: json.RawMessage(`500`)})).To(BeTrue())
			Expect(stream.IsBusinessError(nil)).To(BeFalse())
		})

		It("builds the business error", func() {
			raw := json.RawMessage(`{"suc":false,"code":4001,"msg":"quota exhausted"}`)
			var r stream.BusinessResponse
			Expect(json.Unmarshal(raw, &r)).To(Succeed())

			eo := stream.NewBusinessError(&r, raw)
			Expect(eo.Status).To(Equal(200))
			Expect(eo.Code).To(Equal(stream.CodeBusinessError))
			Expect(eo.Message).To(Equal("quota exhausted"))
			Expect(eo.Details).To(HaveKeyWithValue("businessCode", 4001))
			Expect(eo.Details).To(HaveKeyWithValue("msg", "quota exhausted"))
		})
	})

	DescribeTable("APIMessage",
		func(status int, body, message, want string) {
			var raw json.RawMessage
			if body != "" {
				raw = json.RawMessage(body)
			}
			Expect(stream.APIMessage(status, raw, message)).To(Equal(want))
		},
		Entry("body message", 400, `{"message":"bad model"}`, "", "400 bad model"),
		Entry("body without message", 500, `{"detail":"x"}`, "", `500 {"detail":"x"}`),
		Entry("explicit message", 502, "", "upstream down", "502 upstream down"),
		Entry("status only", 503, "", "", "503 status code (no body)"),
		Entry("message only", 0, "", "boom", "boom"),
		Entry("nothing", 0, "", "", "(no status code or body)"),
	)
})
