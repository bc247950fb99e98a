package relay

// Relay output formats.
const (
	// FormatNDJSON streams one decoded stream.Datum per line.
	FormatNDJSON = "ndjson"

	// FormatSSE passes the upstream event stream through byte for byte.
	FormatSSE = "sse"
)

// DefaultPath is the route chat requests are accepted on.
const DefaultPath = "/chain/chatbot/completions"

// Config is the relay server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8090")
	ListenAddr string

	// Format is FormatNDJSON (the default) or FormatSSE.
	Format string

	// Path is the route chat requests are posted to (defaults to DefaultPath).
	Path string

	// DefaultModel fills in requests that name no model.
	DefaultModel string
}
