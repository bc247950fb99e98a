// Package textcodec converts arbitrarily chunked byte input into UTF-8 text.
//
// Chunks may split a multi-byte sequence anywhere. A Decoder holds the
// incomplete tail of one chunk back until the next chunk completes it, so
// the concatenation of every Decode result plus a final Flush is the same
// text a one-shot decode of the whole byte stream would produce.
package textcodec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DecodeError reports input that could not be turned into text: either a
// value that is neither a string nor bytes, or malformed UTF-8 in strict mode.
type DecodeError struct {
	// Type is the Go type of the rejected input, set for unexpected chunk types.
	Type string

	// Err is the underlying cause, encoding.ErrInvalidUTF8 in strict mode.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("unexpected chunk type %s", e.Type)
	}
	return fmt.Sprintf("decoding text: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsUnexpectedType reports whether err is a DecodeError for an unsupported
// input type.
func IsUnexpectedType(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Type != ""
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithStrict makes malformed UTF-8 an error instead of replacing it with
// U+FFFD.
func WithStrict(strict bool) Option {
	return func(d *Decoder) {
		d.strict = strict
	}
}

// Decoder is a stateful UTF-8 decoder. It is not safe for concurrent use; each
// stream owns its own.
type Decoder struct {
	strict  bool
	t       transform.Transformer
	pending []byte
	started bool
}

// NewDecoder returns a streaming Decoder.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{}
	for _, opt := range opts {
		opt(d)
	}
	d.Reset()
	return d
}

// Reset discards held bytes and BOM detection state.
func (d *Decoder) Reset() {
	if d.strict {
		d.t = encoding.UTF8Validator
	} else {
		d.t = unicode.UTF8.NewDecoder()
	}
	d.pending = nil
	d.started = false
}

// Decode converts one chunk to text. Strings are returned unchanged, after
// any bytes held from a previous chunk have been released.
func (d *Decoder) Decode(input any) (string, error) {
	switch v := input.(type) {
	case string:
		if len(d.pending) == 0 {
			return v, nil
		}
		head, err := d.Flush()
		return head + v, err
	case []byte:
		return d.decodeBytes(v, false)
	case json.RawMessage:
		return d.decodeBytes(v, false)
	case *bytes.Buffer:
		if v == nil {
			return "", nil
		}
		return d.decodeBytes(v.Bytes(), false)
	case nil:
		return "", nil
	default:
		return "", &DecodeError{Type: fmt.Sprintf("%T", input)}
	}
}

// Flush releases any held partial sequence. In lenient mode each remaining
// byte becomes U+FFFD.
func (d *Decoder) Flush() (string, error) {
	if len(d.pending) == 0 {
		return "", nil
	}
	return d.decodeBytes(nil, true)
}

// Pending reports how many bytes are held back waiting for completion.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

func (d *Decoder) decodeBytes(chunk []byte, atEOF bool) (string, error) {
	src := chunk
	if len(d.pending) > 0 {
		src = append(d.pending, chunk...)
		d.pending = nil
	}
	if len(src) == 0 {
		return "", nil
	}

	// Every malformed byte can expand to the three byte replacement character.
	dst := make([]byte, 0, len(src)*3+utf8.UTFMax)
	buf := make([]byte, len(src)*3+utf8.UTFMax)

	for {
		nDst, nSrc, err := d.t.Transform(buf, src, atEOF)
		dst = append(dst, buf[:nDst]...)
		src = src[nSrc:]

		switch {
		case err == nil:
			return d.text(dst), nil
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				buf = make([]byte, len(buf)*2)
			}
		case errors.Is(err, transform.ErrShortSrc):
			d.pending = append([]byte(nil), src...)
			return d.text(dst), nil
		default:
			out := d.text(dst)
			d.Reset()
			return out, &DecodeError{Err: err}
		}
	}
}

// text drops a byte order mark at the very start of the stream.
func (d *Decoder) text(b []byte) string {
	if !d.started && len(b) > 0 {
		d.started = true
		b = bytes.TrimPrefix(b, bom)
	}
	return string(b)
}

var bom = []byte("\uFEFF")

// DecodeText is the one-shot form: strings pass through, bytes are decoded
// leniently.
func DecodeText(input any) (string, error) {
	d := NewDecoder()
	text, err := d.Decode(input)
	if err != nil {
		return text, err
	}
	tail, err := d.Flush()
	return text + tail, err
}

// SafeString repairs s so it is valid UTF-8. Invalid sequences become
// U+FFFD.
func SafeString(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}
