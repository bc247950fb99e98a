package sse

import (
	"regexp"
	"strings"

	"github.com/papercomputeco/chatwire/pkg/textcodec"
)

var newlineRe = regexp.MustCompile(`\r\n|[\r\n]`)

// LineDecoder turns a sequence of arbitrarily sized chunks into complete
// logical lines. A trailing partial line is buffered until a later chunk
// completes it or Flush is called.
//
// Chunk boundaries never create, merge, or drop characters: feeding any split
// of a text through Decode followed by one Flush yields the same lines as
// splitting the whole text on "\r\n", "\r" and "\n".
type LineDecoder struct {
	codec      *textcodec.Decoder
	buffer     []string
	trailingCR bool
}

// NewLineDecoder returns a LineDecoder. Options configure the underlying
// text decoder.
func NewLineDecoder(opts ...textcodec.Option) *LineDecoder {
	return &LineDecoder{
		codec: textcodec.NewDecoder(opts...),
	}
}

// Decode consumes one chunk (string or bytes) and returns the lines it
// completed. A *textcodec.DecodeError is returned for unsupported chunk types
// and, in strict mode, malformed UTF-8; buffered state is left untouched in
// that case.
func (d *LineDecoder) Decode(chunk any) ([]string, error) {
	text, err := d.codec.Decode(chunk)
	if err != nil {
		return nil, err
	}
	return d.decodeText(text), nil
}

func (d *LineDecoder) decodeText(text string) []string {
	if d.trailingCR {
		text = "\r" + text
		d.trailingCR = false
	}

	// A lone trailing CR may be the first half of a CRLF split across chunks.
	if strings.HasSuffix(text, "\r") {
		d.trailingCR = true
		text = text[:len(text)-1]
	}

	if text == "" {
		return nil
	}

	last := text[len(text)-1]
	trailingNewline := last == '\n' || last == '\r'

	lines := newlineRe.Split(text, -1)
	if trailingNewline {
		lines = lines[:len(lines)-1]
	}

	if len(lines) == 1 && !trailingNewline {
		d.buffer = append(d.buffer, lines[0])
		return nil
	}

	if len(d.buffer) > 0 {
		lines[0] = strings.Join(d.buffer, "") + lines[0]
		d.buffer = d.buffer[:0]
	}

	if !trailingNewline {
		d.buffer = append(d.buffer[:0], lines[len(lines)-1])
		lines = lines[:len(lines)-1]
	}

	return lines
}

// Flush returns the buffered fragment as a final line, since the last line of
// a stream is not guaranteed to be newline terminated. It returns nothing when
// no fragment or carriage return is pending.
func (d *LineDecoder) Flush() []string {
	if tail, _ := d.codec.Flush(); tail != "" {
		// Any completed lines inside the released tail are kept in order.
		head := d.decodeText(tail)
		if len(head) > 0 {
			return append(head, d.flushBuffer()...)
		}
	}
	return d.flushBuffer()
}

func (d *LineDecoder) flushBuffer() []string {
	if len(d.buffer) == 0 && !d.trailingCR {
		return nil
	}

	line := strings.Join(d.buffer, "")
	d.buffer = d.buffer[:0]
	d.trailingCR = false
	return []string{line}
}

// Reset discards every pending fragment.
func (d *LineDecoder) Reset() {
	d.buffer = d.buffer[:0]
	d.trailingCR = false
	d.codec.Reset()
}
