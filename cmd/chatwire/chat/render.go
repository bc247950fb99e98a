package chatcmder

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/papercomputeco/chatwire/pkg/cliui"
	"github.com/papercomputeco/chatwire/pkg/stream"
)

// renderer prints one reply as its datums arrive and collects the answer
// text kept in the conversation.
type renderer struct {
	out    io.Writer
	status io.Writer

	content    strings.Builder
	increments strings.Builder
	sawContent bool
	reasoning  bool
	session    string
	references int
}

func newRenderer(out, status io.Writer) *renderer {
	return &renderer{out: out, status: status}
}

func (r *renderer) write(d stream.Datum) {
	switch d.Kind {
	case stream.KindContent:
		r.endReasoning()
		r.sawContent = true
		fmt.Fprint(r.out, d.Text)
		r.content.WriteString(d.Text)

	case stream.KindIncrement:
		// Upstreams that send choices repeat the increment text there.
		r.increments.WriteString(d.Text)
		if !r.sawContent {
			fmt.Fprint(r.out, d.Text)
		}

	case stream.KindReasoning:
		r.reasoning = true
		fmt.Fprint(r.out, cliui.ReasoningStyle.Render(d.Text))

	case stream.KindReferences:
		r.references += len(d.Articles)

	case stream.KindPluginProgress:
		if d.Plugin == nil {
			return
		}
		if d.Plugin.Session != "" {
			r.session = d.Plugin.Session
		}
		line := d.Plugin.Name
		if d.Plugin.SearchState != "" {
			line += " " + d.Plugin.SearchState
		}
		if msg := jsonText(d.Plugin.Message); msg != "" {
			line += ": " + msg
		}
		fmt.Fprintf(r.status, "\n  %s %s\n", cliui.DimStyle.Render("·"), cliui.DimStyle.Render(cliui.Preview(line, 80)))

	case stream.KindSessionMeta:
		if d.Session != nil && d.Session.Session != "" {
			r.session = d.Session.Session
		}

	case stream.KindDone:
		r.endReasoning()
		if r.references > 0 {
			fmt.Fprintf(r.status, "\n  %s", cliui.DimStyle.Render(fmt.Sprintf("[%d references]", r.references)))
		}
	}
}

// warn prints a non-fatal stream error.
func (r *renderer) warn(err error) {
	fmt.Fprintf(r.status, "\n  %s %s\n", cliui.FailMark, cliui.DimStyle.Render(err.Error()))
}

// answer is the reply text kept in the conversation.
func (r *renderer) answer() string {
	if r.sawContent {
		return r.content.String()
	}
	return r.increments.String()
}

func (r *renderer) endReasoning() {
	if r.reasoning {
		fmt.Fprint(r.out, "\n\n")
		r.reasoning = false
	}
}

// jsonText renders a raw plugin message: strings unquoted, anything else as
// compact JSON.
func jsonText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
