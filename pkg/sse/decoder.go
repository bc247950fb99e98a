package sse

import "strings"

// Decoder frames logical lines into SSE messages. It holds the fields of the
// message in progress between calls and is owned by exactly one stream.
type Decoder struct {
	event    string
	hasEvent bool
	data     []string
	id       string
	raw      []string
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode consumes one line and returns a completed message when the line is
// the blank line terminating a non-empty accumulation. It returns nil
// otherwise.
func (d *Decoder) Decode(line string) *Message {
	line = strings.TrimSuffix(line, "\r")

	if line == "" {
		if !d.hasEvent && len(d.data) == 0 {
			// Stray blank lines and keep-alives between messages.
			d.Reset()
			return nil
		}
		msg := d.message()
		d.Reset()
		return msg
	}

	d.raw = append(d.raw, line)

	// Comments only survive in the raw log.
	if strings.HasPrefix(line, ":") {
		return nil
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		d.event = value
		d.hasEvent = true
	case "data":
		d.data = append(d.data, value)
	case "id":
		d.id = value
	default:
		// retry and unknown fields are kept in Raw only.
	}

	return nil
}

// Flush returns the message in progress when the input ended without a
// terminating blank line, or nil when nothing was accumulated.
func (d *Decoder) Flush() *Message {
	return d.Decode("")
}

// Reset discards the message in progress.
func (d *Decoder) Reset() {
	d.event = ""
	d.hasEvent = false
	d.data = nil
	d.id = ""
	d.raw = nil
}

func (d *Decoder) message() *Message {
	return &Message{
		Event: d.event,
		Data:  strings.Join(d.data, "\n"),
		ID:    d.id,
		Raw:   d.raw,
	}
}
