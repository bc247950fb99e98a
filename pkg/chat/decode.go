package chat

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/papercomputeco/chatwire/pkg/sse"
	"github.com/papercomputeco/chatwire/pkg/textcodec"
)

// ParseError reports an SSE data field that is not valid JSON.
type ParseError struct {
	Data string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing message data: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Sample returns at most the first 100 bytes of the offending data.
func (e *ParseError) Sample() string {
	if len(e.Data) <= 100 {
		return e.Data
	}
	return textcodec.SafeString(e.Data[:100])
}

// Decode classifies one SSE message. Deltas are returned in the order they
// should be emitted. A Completion or Failure is always the last delta.
//
// Classification order:
//  1. "[DONE]" data is a Completion.
//  2. Data that is not JSON is a *ParseError.
//  3. An "event: error" message or a truthy error/err key is a Failure.
//  4. A truthy increment yields an Increment and classification continues.
//  5. A truthy event key yields a PluginEvent or GenericEvent.
//  6. Otherwise a stop choice is a Completion; model, choices or the whole
//     payload yield the remaining variants.
func Decode(msg *sse.Message) ([]Delta, error) {
	if msg.IsDone() {
		return []Delta{Completion{Reason: ReasonDone}}, nil
	}

	raw := json.RawMessage(msg.Data)
	if !json.Valid(raw) {
		err := json.Unmarshal(raw, new(any))
		return nil, &ParseError{Data: msg.Data, Err: err}
	}

	var p Payload
	if !isObject(raw) {
		if msg.Event == "error" {
			return []Delta{Failure{Key: "event", Detail: raw, Message: compact(raw)}}, nil
		}
		return []Delta{Unclassified{Data: raw}}, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ParseError{Data: msg.Data, Err: err}
	}

	if f, ok := failure(msg.Event, raw, &p); ok {
		return []Delta{f}, nil
	}

	var deltas []Delta
	if present(p.Increment) {
		inc := Increment{Text: text(p.Increment)}
		if present(p.ID) {
			inc.RequestID = text(p.ID)
		}
		deltas = append(deltas, inc)
	}

	if present(p.Event) {
		return append(deltas, event(msg, raw, p.Event)), nil
	}

	choices := p.ChoiceList()
	if len(choices) > 0 {
		first := choices[0]
		if first.FinishReason == ReasonStop {
			return append(deltas, Completion{Reason: ReasonStop}), nil
		}
		if first.FinishMsg == ReasonEOSToken {
			return append(deltas, Completion{Reason: ReasonEOSToken}), nil
		}
	}

	if present(p.Model) {
		deltas = append(deltas, ModelInfo{Model: text(p.Model)})
	}

	if len(choices) == 0 {
		return append(deltas, Unclassified{Data: raw}), nil
	}

	for _, c := range choices {
		deltas = append(deltas, choice(c)...)
	}
	return deltas, nil
}

func failure(sseEvent string, raw json.RawMessage, p *Payload) (Failure, bool) {
	switch {
	case sseEvent == "error":
		msg := errorMessage(p.Error)
		if msg == "" && present(p.Message) {
			msg = text(p.Message)
		}
		if msg == "" {
			msg = compact(raw)
		}
		return Failure{Key: "event", Detail: raw, Message: msg}, true
	case present(p.Error):
		return Failure{Key: "error", Detail: p.Error, Message: failureMessage(p.Error)}, true
	case present(p.Err):
		return Failure{Key: "err", Detail: p.Err, Message: failureMessage(p.Err)}, true
	}
	return Failure{}, false
}

// failureMessage renders err.message when it is a string, the JSON of
// err.message otherwise, and err itself when it has no message.
func failureMessage(detail json.RawMessage) string {
	if msg := errorMessage(detail); msg != "" {
		return msg
	}
	return text(detail)
}

func errorMessage(detail json.RawMessage) string {
	if !isObject(detail) {
		return ""
	}
	var obj struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(detail, &obj); err != nil || !present(obj.Message) {
		return ""
	}
	return text(obj.Message)
}

func event(msg *sse.Message, raw, ev json.RawMessage) Delta {
	var name string
	if err := json.Unmarshal(ev, &name); err == nil {
		return GenericEvent{SSEEvent: msg.Event, Name: name, Data: raw}
	}

	var body PluginBody
	if err := json.Unmarshal(ev, &body); err != nil {
		quoted, _ := json.Marshal(msg.Data)
		return GenericEvent{SSEEvent: msg.Event, Data: quoted, Malformed: true}
	}

	if IsPlugin(body.Name) {
		return PluginEvent{Plugin: body}
	}
	return GenericEvent{SSEEvent: msg.Event, Name: body.Name, Data: raw}
}

func choice(c Choice) []Delta {
	var deltas []Delta
	if c.Delta.ReasoningContent != "" {
		deltas = append(deltas, ReasoningDelta{Text: c.Delta.ReasoningContent})
	}
	if c.Delta.Content != "" {
		deltas = append(deltas, ContentDelta{Text: c.Delta.Content})
	}
	if c.Delta.OutputSources != nil && c.Delta.OutputSources.RefDocs != nil {
		articles := make([]Article, 0, len(c.Delta.OutputSources.RefDocs))
		for _, doc := range c.Delta.OutputSources.RefDocs {
			articles = append(articles, Article{
				Index:       doc.Index,
				PublishTime: doc.PublishTime,
				Title:       textcodec.SafeString(doc.Title),
				URL:         doc.URL,
			})
		}
		deltas = append(deltas, References{Articles: articles})
	}
	return deltas
}

// MessageText returns the plugin's content.message as text: the string
// itself when it is a JSON string, the raw JSON otherwise.
func (b PluginBody) MessageText() string {
	if len(b.Content.Message) == 0 {
		return ""
	}
	return text(b.Content.Message)
}

// BusinessInfo is the JSON document a business plugin carries in its
// content.message at StateRunning.
type BusinessInfo struct {
	IntentName  string `json:"intentName"`
	SessionName string `json:"sessionName"`
	Session     string `json:"session"`
}

// Business decodes the business document from content.message, which is
// either a JSON string holding the document or the document itself.
func (b PluginBody) Business() (*BusinessInfo, error) {
	doc := []byte(b.Content.Message)
	var s string
	if err := json.Unmarshal(doc, &s); err == nil {
		doc = []byte(s)
	}

	var info BusinessInfo
	if err := json.Unmarshal(doc, &info); err != nil {
		return nil, &ParseError{Data: string(doc), Err: err}
	}
	return &info, nil
}

func isObject(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	return len(v) > 0 && v[0] == '{'
}

// text unquotes a JSON string and returns any other value as compact JSON.
func text(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return compact(raw)
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
