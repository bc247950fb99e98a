// Package chat decodes the JSON protocol carried in the data field of each
// SSE message of a chat completion stream into a closed set of Delta
// variants.
package chat

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Payload is the decoded data field of one SSE message. Every field is
// optional; which ones are present determines the Delta variants. Fields are
// kept raw so that a value of an unexpected type only affects the part of
// the message that uses it.
type Payload struct {
	// Upstream message id, reported as the increment request id
	ID json.RawMessage `json:"id,omitempty"`

	// Increment text for incremental rendering
	Increment json.RawMessage `json:"increment,omitempty"`

	// Event carries plugin progress; usually a PluginBody object
	Event json.RawMessage `json:"event,omitempty"`

	// Model announcement
	Model json.RawMessage `json:"model,omitempty"`

	Choices json.RawMessage `json:"choices,omitempty"`

	// Error and Err are the two spellings of a fatal business error.
	Error json.RawMessage `json:"error,omitempty"`
	Err   json.RawMessage `json:"err,omitempty"`

	// Message is only consulted for "event: error" messages.
	Message json.RawMessage `json:"message,omitempty"`
}

// ChoiceList decodes Choices. Entries that are not objects are skipped and
// fields of the wrong type read as empty.
func (p *Payload) ChoiceList() []Choice {
	var raws []json.RawMessage
	if err := json.Unmarshal(p.Choices, &raws); err != nil {
		return nil
	}

	choices := make([]Choice, 0, len(raws))
	for _, raw := range raws {
		var w struct {
			Index        json.RawMessage `json:"index"`
			Delta        json.RawMessage `json:"delta"`
			FinishReason json.RawMessage `json:"finish_reason"`
			FinishMsg    json.RawMessage `json:"finish_msg"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			continue
		}
		choices = append(choices, Choice{
			Index:        w.Index,
			Delta:        choiceDelta(w.Delta),
			FinishReason: str(w.FinishReason),
			FinishMsg:    str(w.FinishMsg),
		})
	}
	return choices
}

// Choice is one entry of Payload.Choices.
type Choice struct {
	Index        json.RawMessage
	Delta        ChoiceDelta
	FinishReason string
	FinishMsg    string
}

// ChoiceDelta is the incremental part of a Choice.
type ChoiceDelta struct {
	Role             string
	Content          string
	ReasoningContent string
	OutputSources    *OutputSources
}

func choiceDelta(raw json.RawMessage) ChoiceDelta {
	var w struct {
		Role             json.RawMessage `json:"role"`
		Content          json.RawMessage `json:"content"`
		ReasoningContent json.RawMessage `json:"reasoning_content"`
		OutputSources    json.RawMessage `json:"output_sources"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return ChoiceDelta{}
	}
	return ChoiceDelta{
		Role:             str(w.Role),
		Content:          str(w.Content),
		ReasoningContent: str(w.ReasoningContent),
		OutputSources:    outputSources(w.OutputSources),
	}
}

// OutputSources lists the documents a choice cites.
type OutputSources struct {
	RefDocs []RefDoc
}

func outputSources(raw json.RawMessage) *OutputSources {
	var w struct {
		RefDocs []json.RawMessage `json:"ref_docs"`
	}
	if !isObject(raw) || json.Unmarshal(raw, &w) != nil || w.RefDocs == nil {
		return nil
	}

	out := &OutputSources{RefDocs: make([]RefDoc, 0, len(w.RefDocs))}
	for _, doc := range w.RefDocs {
		var d struct {
			Index       json.RawMessage `json:"index"`
			PublishTime json.RawMessage `json:"publish_time"`
			Title       json.RawMessage `json:"title"`
			URL         json.RawMessage `json:"url"`
		}
		if err := json.Unmarshal(doc, &d); err != nil {
			continue
		}
		out.RefDocs = append(out.RefDocs, RefDoc{
			Index:       d.Index,
			PublishTime: d.PublishTime,
			Title:       str(d.Title),
			URL:         str(d.URL),
		})
	}
	return out
}

// RefDoc is one cited document. Index and PublishTime are passed through
// as sent since upstream mixes numbers and strings.
type RefDoc struct {
	Index       json.RawMessage
	PublishTime json.RawMessage
	Title       string
	URL         string
}

// PluginBody is the object form of Payload.Event.
type PluginBody struct {
	Name    string          `json:"name"`
	State   int             `json:"state"`
	Type    json.RawMessage `json:"type,omitempty"`
	Content struct {
		Message json.RawMessage `json:"message,omitempty"`
	} `json:"content"`
}

// UnmarshalJSON accepts a state sent as a number or a numeric string; any
// other state reads as StateUnknown. A content that is not an object is
// ignored. Only a name that is not a string is an error.
func (b *PluginBody) UnmarshalJSON(data []byte) error {
	var w struct {
		Name    *string         `json:"name"`
		State   json.RawMessage `json:"state"`
		Type    json.RawMessage `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*b = PluginBody{State: pluginState(w.State), Type: w.Type}
	if w.Name != nil {
		b.Name = *w.Name
	}
	if isObject(w.Content) {
		_ = json.Unmarshal(w.Content, &b.Content)
	}
	return nil
}

func pluginState(raw json.RawMessage) int {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 || string(v) == "null" {
		return StateStart
	}

	var s string
	if json.Unmarshal(v, &s) == nil {
		v = []byte(strings.TrimSpace(s))
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil || f != float64(int(f)) {
		return StateUnknown
	}
	return int(f)
}

// Plugin states. Only StateEnd carries meaning for every plugin; business
// announces its session at StateRunning.
const (
	StateUnknown = -1
	StateStart   = 0
	StateRunning = 1
	StateEnd     = 2
)

// Plugin names dispatched to plugin handling.
const (
	PluginRecall      = "recall"
	PluginRank        = "rank"
	PluginQuote       = "quote"
	PluginBusiness    = "business"
	PluginQueryExpand = "queryExpand"
)

// IsPlugin reports whether name is one of the known plugin names.
func IsPlugin(name string) bool {
	switch name {
	case PluginRecall, PluginRank, PluginQuote, PluginBusiness, PluginQueryExpand:
		return true
	}
	return false
}

// present reports whether a raw JSON value is set to something truthy:
// not absent, null, false, 0 or the empty string.
func present(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return false
	}
	switch string(v) {
	case "null", "false", `""`, "0":
		return false
	}
	return true
}

// str returns a JSON string's value and "" for anything else.
func str(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
