package stream

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/papercomputeco/chatwire/pkg/chat"
	"github.com/papercomputeco/chatwire/pkg/eventstream"
	"github.com/papercomputeco/chatwire/pkg/sse"
)

type outcome int

const (
	// outcomeContinue means the stream stays open.
	outcomeContinue outcome = iota

	// outcomeDone means upstream signalled the end of the stream.
	outcomeDone

	// outcomeFailed means upstream reported a fatal error.
	outcomeFailed

	// outcomeStopped means the consumer closed the stream mid-message.
	outcomeStopped
)

// session turns the SSE messages of one stream into datums. It is shared by
// the push and pull variants so both emit the same sequence for the same
// bytes.
type session struct {
	// initial is the caller's session. business replaces it once a business
	// plugin announces one and stays in effect for the rest of the stream.
	mu       sync.Mutex
	initial  string
	business string

	// report publishes a telemetry event with the stream's metadata.
	report func(eventType string, attrs map[string]any)
}

// current returns the session telemetry and plugin data are tagged with.
func (s *session) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.business != "" {
		return s.business
	}
	return s.initial
}

// setInitial replaces the caller's session.
func (s *session) setInitial(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initial = v
}

// handle classifies msg and passes its datums to emit. emit returns false
// once the consumer has closed the stream. Non-fatal errors go to fail. A
// fatal error is returned with outcomeFailed.
func (s *session) handle(msg *sse.Message, emit func(Datum) bool, fail func(error)) (outcome, *ErrorObject) {
	deltas, err := chat.Decode(msg)
	if err != nil {
		var pe *chat.ParseError
		sample := msg.Data
		if errors.As(err, &pe) {
			sample = pe.Sample()
		}
		s.report(eventstream.EventTypeParseError, map[string]any{
			"error_type":  "message_data",
			"error_msg":   err.Error(),
			"data_sample": sample,
		})
		fail(NewError(CodeParseError, err, map[string]any{"data_sample": sample}))
		return outcomeContinue, nil
	}

	raw := json.RawMessage(msg.Data)
	for _, delta := range deltas {
		var ok bool
		switch d := delta.(type) {
		case chat.Completion:
			return outcomeDone, nil

		case chat.Failure:
			s.report(eventstream.EventTypeProcessingError, map[string]any{
				"error_type": "api_" + d.Key,
				"error_msg":  d.Message,
			})
			return outcomeFailed, NewError(CodeBusinessError, errors.New(d.Message), map[string]any{
				"key":   d.Key,
				"error": detail(d.Detail),
			})

		case chat.Increment:
			ok = emit(Datum{Kind: KindIncrement, Text: d.Text, RequestID: d.RequestID})

		case chat.PluginEvent:
			ok = s.plugin(d.Plugin, raw, emit, fail)

		case chat.GenericEvent:
			if d.Malformed {
				s.report(eventstream.EventTypeParseError, map[string]any{
					"error_type": "event",
					"sse_event":  d.SSEEvent,
				})
			}
			ok = emit(Datum{
				Kind:  KindEvent,
				Event: &EventDatum{SSEEvent: d.SSEEvent, Name: d.Name, Data: d.Data},
				Raw:   raw,
			})

		case chat.ModelInfo:
			ok = emit(Datum{Kind: KindModel, Model: d.Model})

		case chat.ReasoningDelta:
			ok = emit(Datum{Kind: KindReasoning, Text: d.Text, Raw: raw})

		case chat.ContentDelta:
			ok = emit(Datum{Kind: KindContent, Text: d.Text, Raw: raw})

		case chat.References:
			s.report(eventstream.EventTypeReferencesReceived, map[string]any{
				"references_count": len(d.Articles),
			})
			ok = emit(Datum{Kind: KindReferences, Articles: d.Articles, Raw: raw})

		case chat.Unclassified:
			ok = emit(Datum{Kind: KindPayload, Payload: d.Data})
		}

		if !ok {
			return outcomeStopped, nil
		}
	}
	return outcomeContinue, nil
}

// plugin emits the datums for one plugin event. A business plugin only
// produces a datum when it announces the session.
func (s *session) plugin(body chat.PluginBody, raw json.RawMessage, emit func(Datum) bool, fail func(error)) bool {
	isBusiness := body.Name == chat.PluginBusiness && body.State == chat.StateRunning

	var info *chat.BusinessInfo
	var infoErr error
	if isBusiness {
		info, infoErr = body.Business()
		if infoErr == nil && info.Session != "" {
			s.mu.Lock()
			s.business = info.Session
			s.mu.Unlock()
		}
	}

	s.report(eventstream.EventTypePluginEvent, map[string]any{
		"plugin_name":  body.Name,
		"plugin_state": body.State,
		"session":      s.current(),
	})

	if isBusiness {
		if infoErr != nil {
			s.report(eventstream.EventTypeParseError, map[string]any{
				"error_type": "business_data",
				"error_msg":  infoErr.Error(),
			})
			fail(NewError(CodeParseError, infoErr, map[string]any{"plugin_name": body.Name}))
			return true
		}
		return emit(Datum{
			Kind: KindSessionMeta,
			Session: &SessionInfo{
				IntentName:    info.IntentName,
				IntentProduct: info.IntentName,
				SessionName:   info.SessionName,
				Session:       info.Session,
			},
			Plugin: &PluginStatus{Name: body.Name, State: body.State, Message: body.Content.Message},
			Raw:    raw,
		})
	}

	if body.Name == chat.PluginBusiness {
		return true
	}

	status := &PluginStatus{
		Name:        body.Name,
		State:       body.State,
		Type:        body.Type,
		Message:     body.Content.Message,
		SearchState: SearchStateSearching,
		Session:     s.current(),
	}
	if body.State == chat.StateEnd {
		status.SearchState = SearchStateEnd
	}

	if !emit(Datum{Kind: KindPluginProgress, Plugin: status, Raw: raw}) {
		return false
	}
	if body.Name == chat.PluginQuote && body.State == chat.StateEnd {
		closed := *status
		return emit(Datum{Kind: KindReferencesClosed, Plugin: &closed, Raw: raw})
	}
	return true
}

// detail decodes a raw error value for ErrorObject details.
func detail(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
