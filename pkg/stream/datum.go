package stream

import (
	"encoding/json"
	"fmt"

	"github.com/papercomputeco/chatwire/pkg/chat"
)

// Kind identifies the shape of a Datum.
type Kind int

const (
	KindIncrement Kind = iota + 1
	KindContent
	KindReasoning
	KindReferences
	KindPluginProgress
	KindReferencesClosed
	KindSessionMeta
	KindModel
	KindEvent
	KindPayload
	KindDone
)

var kindNames = map[Kind]string{
	KindIncrement:        "increment",
	KindContent:          "content",
	KindReasoning:        "reasoning",
	KindReferences:       "references",
	KindPluginProgress:   "plugin_progress",
	KindReferencesClosed: "references_closed",
	KindSessionMeta:      "session_meta",
	KindModel:            "model",
	KindEvent:            "event",
	KindPayload:          "payload",
	KindDone:             "done",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func parseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown datum kind %q", s)
}

// Datum is one normalized event emitted to a stream consumer. Kind selects
// which fields are meaningful.
type Datum struct {
	Kind Kind

	// Text is the increment, content or reasoning text.
	Text string

	// RequestID accompanies an increment.
	RequestID string

	Articles []chat.Article
	Plugin   *PluginStatus
	Session  *SessionInfo
	Model    string
	Event    *EventDatum

	// Payload is an unclassified payload passed on verbatim.
	Payload json.RawMessage

	// Raw is the decoded payload of the SSE message the datum came from.
	Raw json.RawMessage
}

// PluginStatus reports the progress of a plugin.
type PluginStatus struct {
	Name        string
	State       int
	Type        json.RawMessage
	Message     json.RawMessage
	SearchState string
	Session     string
}

// Search states derived from the plugin state.
const (
	SearchStateSearching = "searching"
	SearchStateEnd       = "end"
)

// SessionInfo is the business session announced by the business plugin.
type SessionInfo struct {
	IntentName    string `json:"intentName"`
	IntentProduct string `json:"intentProduct"`
	SessionName   string `json:"sessionName"`
	Session       string `json:"session"`
}

// EventDatum is an event-tagged message that is not a known plugin.
type EventDatum struct {
	SSEEvent string
	Name     string
	Data     json.RawMessage
}

// Done returns the terminal datum.
func Done() Datum {
	return Datum{Kind: KindDone}
}

// wireDatum is the JSON shape of every Datum kind. Which fields are set
// depends on the kind.
type wireDatum struct {
	Kind        string          `json:"kind"`
	Type        json.RawMessage `json:"type,omitempty"`
	Done        bool            `json:"done,omitempty"`
	Event       json.RawMessage `json:"event,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Status      *int            `json:"status,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	PluginName  string          `json:"pluginName,omitempty"`
	SearchState string          `json:"searchState,omitempty"`
	Session     string          `json:"session,omitempty"`
	RawData     json.RawMessage `json:"rawData,omitempty"`
}

type incrementData struct {
	Increment string `json:"increment"`
	RequestID string `json:"requestId"`
}

type choiceDelta struct {
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type choiceEntry struct {
	Delta choiceDelta `json:"delta"`
}

type choicesData struct {
	Choices []choiceEntry `json:"choices"`
}

type articlesData struct {
	Articles []chat.Article `json:"articles"`
}

type modelData struct {
	Model string `json:"model"`
}

var jsonNull = json.RawMessage("null")

// MarshalJSON renders the datum in its consumer-facing shape, tagged with
// its kind:
//
//	{"type":"increment","data":{"increment":..,"requestId":..}}
//	{"data":{"choices":[{"delta":{"content":..}}]}}
//	{"data":{"articles":[..]}}
//	{"data":null,"status":..,"type":..,"message":..,"pluginName":..,"searchState":..}
//	{"data":{"intentName":..,"intentProduct":..,"sessionName":..,"session":..}}
//	{"done":true}
func (d Datum) MarshalJSON() ([]byte, error) {
	w := wireDatum{Kind: d.Kind.String(), RawData: d.Raw}

	var err error
	switch d.Kind {
	case KindIncrement:
		w.Type = json.RawMessage(`"increment"`)
		w.Data, err = json.Marshal(incrementData{Increment: d.Text, RequestID: d.RequestID})
	case KindContent, KindReasoning:
		var delta choiceDelta
		if d.Kind == KindContent {
			delta.Content = d.Text
		} else {
			delta.ReasoningContent = d.Text
		}
		w.Data, err = json.Marshal(choicesData{Choices: []choiceEntry{{Delta: delta}}})
	case KindReferences:
		articles := d.Articles
		if articles == nil {
			articles = []chat.Article{}
		}
		w.Data, err = json.Marshal(articlesData{Articles: articles})
	case KindPluginProgress, KindReferencesClosed:
		w.Data = jsonNull
		if p := d.Plugin; p != nil {
			state := p.State
			w.Status = &state
			w.Type = p.Type
			w.Message = p.Message
			w.PluginName = p.Name
			w.SearchState = p.SearchState
			w.Session = p.Session
		}
	case KindSessionMeta:
		w.Data, err = json.Marshal(d.Session)
		if p := d.Plugin; p != nil {
			state := p.State
			w.Status = &state
			w.Type, _ = json.Marshal(p.Name)
			w.Message = p.Message
			w.PluginName = p.Name
		}
	case KindModel:
		w.Data, err = json.Marshal(modelData{Model: d.Model})
	case KindEvent:
		w.Event = jsonNull
		w.Data = jsonNull
		if e := d.Event; e != nil {
			if e.SSEEvent != "" {
				w.Event, _ = json.Marshal(e.SSEEvent)
			}
			if len(e.Data) > 0 {
				w.Data = e.Data
			}
			w.PluginName = e.Name
		}
	case KindPayload:
		w.Data = d.Payload
		if len(w.Data) == 0 {
			w.Data = jsonNull
		}
	case KindDone:
		w.Done = true
	default:
		return nil, fmt.Errorf("marshaling datum: unknown kind %d", int(d.Kind))
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(w)
}

// UnmarshalJSON reads a datum written by MarshalJSON.
func (d *Datum) UnmarshalJSON(b []byte) error {
	var w wireDatum
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	kind, err := parseKind(w.Kind)
	if err != nil {
		return err
	}

	out := Datum{Kind: kind, Raw: w.RawData}
	switch kind {
	case KindIncrement:
		var inc incrementData
		if err := json.Unmarshal(w.Data, &inc); err != nil {
			return fmt.Errorf("decoding increment: %w", err)
		}
		out.Text = inc.Increment
		out.RequestID = inc.RequestID
	case KindContent, KindReasoning:
		var cd choicesData
		if err := json.Unmarshal(w.Data, &cd); err != nil {
			return fmt.Errorf("decoding %s: %w", kind, err)
		}
		if len(cd.Choices) > 0 {
			if kind == KindContent {
				out.Text = cd.Choices[0].Delta.Content
			} else {
				out.Text = cd.Choices[0].Delta.ReasoningContent
			}
		}
	case KindReferences:
		var ad articlesData
		if err := json.Unmarshal(w.Data, &ad); err != nil {
			return fmt.Errorf("decoding references: %w", err)
		}
		out.Articles = ad.Articles
	case KindPluginProgress, KindReferencesClosed:
		out.Plugin = &PluginStatus{
			Name:        w.PluginName,
			Type:        w.Type,
			Message:     w.Message,
			SearchState: w.SearchState,
			Session:     w.Session,
		}
		if w.Status != nil {
			out.Plugin.State = *w.Status
		}
	case KindSessionMeta:
		out.Session = &SessionInfo{}
		if err := json.Unmarshal(w.Data, out.Session); err != nil {
			return fmt.Errorf("decoding session: %w", err)
		}
		out.Plugin = &PluginStatus{Name: w.PluginName, Message: w.Message}
		if w.Status != nil {
			out.Plugin.State = *w.Status
		}
	case KindModel:
		var md modelData
		if err := json.Unmarshal(w.Data, &md); err != nil {
			return fmt.Errorf("decoding model: %w", err)
		}
		out.Model = md.Model
	case KindEvent:
		out.Event = &EventDatum{Name: w.PluginName, Data: w.Data}
		if len(w.Event) > 0 && string(w.Event) != "null" {
			if err := json.Unmarshal(w.Event, &out.Event.SSEEvent); err != nil {
				return fmt.Errorf("decoding event name: %w", err)
			}
		}
	case KindPayload:
		out.Payload = w.Data
	case KindDone:
	}

	*d = out
	return nil
}
