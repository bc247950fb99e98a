package client

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding is advertised on every request. Setting it by hand turns off
// the transport's transparent gzip, so decodeBody handles all of them.
const acceptEncoding = "br, gzip, zstd"

// decodeBody wraps resp.Body in the decompressor named by Content-Encoding.
// Closing the result closes the response body.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "", "identity":
		return resp.Body, nil

	case "br":
		return &decodedBody{Reader: brotli.NewReader(resp.Body), body: resp.Body}, nil

	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("opening gzip body: %w", err)
		}
		return &decodedBody{Reader: zr, body: resp.Body, close: zr.Close}, nil

	case "zstd":
		zr, err := zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("opening zstd body: %w", err)
		}
		return &decodedBody{Reader: zr, body: resp.Body, close: func() error {
			zr.Close()
			return nil
		}}, nil

	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

type decodedBody struct {
	io.Reader
	body  io.Closer
	close func() error
}

func (b *decodedBody) Close() error {
	var err error
	if b.close != nil {
		err = b.close()
	}
	if cerr := b.body.Close(); err == nil {
		err = cerr
	}
	return err
}
