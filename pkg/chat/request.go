package chat

// Request is the chat completion request body posted upstream.
type Request struct {
	// Model name (e.g., "LILY", "deepseek-chat")
	Model string `json:"model"`

	// Conversation messages, oldest first
	Messages []Message `json:"messages"`

	// Whether to stream the response. chatwire always streams.
	Stream bool `json:"stream"`

	// Generation parameters
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`

	// Session continues a business session announced by an earlier stream.
	Session string `json:"session,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// NewRequest returns a streaming request for model with the given history.
func NewRequest(model string, messages ...Message) *Request {
	return &Request{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
}
