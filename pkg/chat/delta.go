package chat

import "encoding/json"

// Delta is one classified unit of a decoded SSE message. The set of
// implementations is closed; switch on the concrete type.
type Delta interface {
	isDelta()
}

// Increment is incremental text tagged with the upstream message id.
type Increment struct {
	Text      string
	RequestID string
}

// PluginEvent is progress from one of the known plugins.
type PluginEvent struct {
	Plugin PluginBody
}

// GenericEvent is an event-tagged message whose event is not a known plugin.
type GenericEvent struct {
	// SSEEvent is the "event:" field of the SSE message, empty when absent.
	SSEEvent string

	// Name is the event name from the payload, if it could be read.
	Name string

	// Data is the decoded payload, or the raw data string as a JSON string
	// when the event could not be decoded.
	Data json.RawMessage

	// Malformed is set when the event could not be decoded.
	Malformed bool
}

// Completion ends the stream normally.
type Completion struct {
	Reason string
}

// Completion reasons.
const (
	ReasonDone     = "done"
	ReasonStop     = "stop"
	ReasonEOSToken = "eos_token stop"
)

// Failure is a fatal business error reported by upstream.
type Failure struct {
	// Key is "error", "err", or "event" for an "event: error" message.
	Key string

	// Detail is the raw error value.
	Detail json.RawMessage

	// Message is the human readable error text.
	Message string
}

// ModelInfo announces the model serving the stream.
type ModelInfo struct {
	Model string
}

// ReasoningDelta is incremental reasoning text from one choice.
type ReasoningDelta struct {
	Text string
}

// ContentDelta is incremental answer text from one choice.
type ContentDelta struct {
	Text string
}

// References lists the documents one choice cites.
type References struct {
	Articles []Article
}

// Article is a cited document with its title repaired to valid UTF-8.
type Article struct {
	Index       json.RawMessage `json:"index,omitempty"`
	PublishTime json.RawMessage `json:"publish_time,omitempty"`
	Title       string          `json:"title"`
	URL         string          `json:"url"`
}

// Unclassified is a payload with nothing recognizable, passed on verbatim.
type Unclassified struct {
	Data json.RawMessage
}

func (Increment) isDelta()      {}
func (PluginEvent) isDelta()    {}
func (GenericEvent) isDelta()   {}
func (Completion) isDelta()     {}
func (Failure) isDelta()        {}
func (ModelInfo) isDelta()      {}
func (ReasoningDelta) isDelta() {}
func (ContentDelta) isDelta()   {}
func (References) isDelta()     {}
func (Unclassified) isDelta()   {}
