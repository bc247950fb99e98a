package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Error codes for failures that are not HTTP status codes.
const (
	CodeNetworkError  = "NETWORK_ERROR"
	CodeTimeoutError  = "TIMEOUT_ERROR"
	CodeAbortError    = "ABORT_ERROR"
	CodeParseError    = "PARSE_ERROR"
	CodeUnknownError  = "UNKNOWN_ERROR"
	CodeBusinessError = "BUSINESS_ERROR"
	CodeHTTPError     = "HTTP_ERROR"
)

type errorInfo struct {
	code    string
	message string
}

var httpErrors = map[int]errorInfo{
	400: {"BAD_REQUEST", "bad request parameters"},
	401: {"UNAUTHORIZED", "unauthorized"},
	403: {"FORBIDDEN", "forbidden"},
	404: {"NOT_FOUND", "requested resource not found"},
	408: {"REQUEST_TIMEOUT", "request timed out"},
	413: {"CONTENT_TOO_LARGE", "request content too large"},
	429: {"TOO_MANY_REQUESTS", "too many requests, try again later"},
	500: {"SERVER_ERROR", "internal server error"},
	502: {"BAD_GATEWAY", "bad gateway"},
	503: {"SERVICE_UNAVAILABLE", "service temporarily unavailable"},
	504: {"GATEWAY_TIMEOUT", "gateway timeout"},
}

var customErrors = map[string]string{
	CodeNetworkError:  "network connection error",
	CodeTimeoutError:  "request timed out",
	CodeAbortError:    "request cancelled",
	CodeParseError:    "response parse error",
	CodeUnknownError:  "unknown error",
	CodeBusinessError: "business processing failed",
}

// ErrorObject is the structured error handed to error callbacks and returned
// by the pull variant. Status is zero for failures that did not come from an
// HTTP status code.
type ErrorObject struct {
	Status  int            `json:"status,omitempty"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *ErrorObject) Error() string {
	msg := e.Message
	if orig, ok := e.Details["originalError"].(string); ok && orig != "" {
		msg = msg + ": " + orig
	}
	if e.Status != 0 {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *ErrorObject) Unwrap() error {
	return e.cause
}

// NewHTTPError builds an ErrorObject for an HTTP status code. Unknown codes
// map to HTTP_ERROR.
func NewHTTPError(status int, cause error, details map[string]any) *ErrorObject {
	info, ok := httpErrors[status]
	if !ok {
		info = errorInfo{CodeHTTPError, fmt.Sprintf("HTTP error: %d", status)}
	}
	return &ErrorObject{
		Status:  status,
		Code:    info.code,
		Message: info.message,
		Details: withCause(details, cause),
		cause:   cause,
	}
}

// NewError builds an ErrorObject for one of the custom codes. Unknown codes
// map to UNKNOWN_ERROR.
func NewError(code string, cause error, details map[string]any) *ErrorObject {
	msg, ok := customErrors[code]
	if !ok {
		code = CodeUnknownError
		msg = customErrors[CodeUnknownError]
	}
	return &ErrorObject{
		Code:    code,
		Message: msg,
		Details: withCause(details, cause),
		cause:   cause,
	}
}

func withCause(details map[string]any, cause error) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	if cause != nil {
		out["originalError"] = cause.Error()
	}
	return out
}

// IsRetryable reports whether err is worth retrying: HTTP 429, 502, 503 and
// 504, and network errors.
func IsRetryable(err error) bool {
	var eo *ErrorObject
	if !errors.As(err, &eo) || eo == nil {
		return false
	}
	switch eo.Status {
	case 429, 502, 503, 504:
		return true
	}
	return eo.Code == CodeNetworkError
}

// BusinessResponse is the envelope upstream uses for non-streaming replies.
type BusinessResponse struct {
	Suc  bool            `json:"suc"`
	Code json.RawMessage `json:"code"`
	Msg  string          `json:"msg"`
}

// IsBusinessError reports whether r is not a success envelope: suc must be
// true and code must be 200 or "200".
func IsBusinessError(r *BusinessResponse) bool {
	if r == nil {
		return false
	}
	code := strings.Trim(string(r.Code), `"`)
	return !(r.Suc && code == "200")
}

// NewBusinessError builds the error for a failed BusinessResponse. The raw
// envelope is kept in Details along with the business code.
func NewBusinessError(r *BusinessResponse, raw json.RawMessage) *ErrorObject {
	details := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &details)
	}
	code := strings.Trim(string(r.Code), `"`)
	if n, err := strconv.Atoi(code); err == nil {
		details["businessCode"] = n
	} else {
		details["businessCode"] = code
	}

	msg := r.Msg
	if msg == "" {
		msg = customErrors[CodeBusinessError]
	}
	return &ErrorObject{
		Status:  200,
		Code:    CodeBusinessError,
		Message: msg,
		Details: details,
	}
}

// APIMessage renders the message for an API error: the error body's message
// when present, the body itself otherwise, prefixed with the status.
func APIMessage(status int, body json.RawMessage, message string) string {
	msg := message
	if len(body) > 0 && string(body) != "null" {
		msg = bodyMessage(body)
	}

	switch {
	case status != 0 && msg != "":
		return fmt.Sprintf("%d %s", status, msg)
	case status != 0:
		return fmt.Sprintf("%d status code (no body)", status)
	case msg != "":
		return msg
	default:
		return "(no status code or body)"
	}
}

func bodyMessage(body json.RawMessage) string {
	var obj struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &obj); err == nil && len(obj.Message) > 0 && string(obj.Message) != "null" {
		var s string
		if err := json.Unmarshal(obj.Message, &s); err == nil {
			return s
		}
		return string(obj.Message)
	}
	return string(body)
}
