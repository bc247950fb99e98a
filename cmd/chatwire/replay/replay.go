// Package replaycmder provides the replay command, which decodes a captured
// SSE response body from a file with both stream variants.
package replaycmder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/papercomputeco/chatwire/pkg/cliui"
	"github.com/papercomputeco/chatwire/pkg/logger"
	"github.com/papercomputeco/chatwire/pkg/sse"
	"github.com/papercomputeco/chatwire/pkg/stream"
)

const defaultChunkSize = 64

const replayLongDesc string = `Decode a captured SSE response body.

The file is split into chunks of --chunk-size bytes, so multi-byte
characters and lines are cut the way a slow network cuts them, and fed to
the push processor and the pull stream at the same time. The push datums
are written to stdout as NDJSON; errors go to stderr.

With --check the two variants must produce the same datums and errors,
otherwise the command fails. Use "-" to read from stdin.

Examples:
  chatwire replay capture.sse
  chatwire replay capture.sse --chunk-size 1 --check
  chatwire replay capture.sse --replace secret=*** --replace foo=bar
  curl -sN ... | chatwire replay -`

const replayShortDesc string = "Decode a captured SSE stream from a file"

type replayCommander struct {
	chunkSize int
	check     bool
	replace   map[string]string
	debug     bool

	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func NewReplayCmd() *cobra.Command {
	cmder := &replayCommander{}

	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: replayShortDesc,
		Long:  replayLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmder.debug, _ = cmd.Flags().GetBool("debug")
			cmder.in = cmd.InOrStdin()
			cmder.out = cmd.OutOrStdout()
			cmder.errOut = cmd.ErrOrStderr()
			return cmder.run(cmd.Context(), args[0])
		},
	}

	cmd.Flags().IntVar(&cmder.chunkSize, "chunk-size", defaultChunkSize, "Bytes per chunk fed to the decoders")
	cmd.Flags().BoolVar(&cmder.check, "check", false, "Fail unless push and pull decode identically")
	cmd.Flags().StringToStringVar(&cmder.replace, "replace", nil, "Replace a keyword in decoded text (key=value, repeatable)")

	return cmd
}

// result is what one variant decoded.
type result struct {
	data []stream.Datum
	errs []error
}

func (c *replayCommander) run(ctx context.Context, path string) error {
	if c.chunkSize < 1 {
		return fmt.Errorf("--chunk-size must be at least 1, got %d", c.chunkSize)
	}

	body, err := c.read(path)
	if err != nil {
		return err
	}
	chunks := split(body, c.chunkSize)

	log := logger.New(logger.WithDebug(c.debug), logger.WithFormat(logger.FormatPretty), logger.WithWriter(c.errOut))
	opts := []stream.Option{
		stream.WithLogger(log),
		stream.WithIdleTimeout(0),
		stream.WithMetadata(stream.Metadata{RequestID: "replay"}),
	}
	if len(c.replace) > 0 {
		opts = append(opts, stream.WithKeywordFilter(c.replace))
	}

	var push, pull result
	err = cliui.Step(c.errOut, fmt.Sprintf("Decoding %d chunks", len(chunks)), func() error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			push = decodePush(chunks, opts)
			return nil
		})
		g.Go(func() error {
			var err error
			pull, err = decodePull(gctx, chunks, opts)
			return err
		})
		return g.Wait()
	})
	if err != nil {
		return err
	}

	if err := writeNDJSON(c.out, push.data); err != nil {
		return err
	}
	for _, e := range push.errs {
		fmt.Fprintf(c.errOut, "  %s %v\n", cliui.FailMark, e)
	}

	if !c.check {
		return nil
	}
	if err := compare(push, pull); err != nil {
		fmt.Fprintf(c.errOut, "  %s push and pull differ: %v\n", cliui.FailMark, err)
		return err
	}
	fmt.Fprintf(c.errOut, "  %s push and pull agree %s\n",
		cliui.SuccessMark,
		cliui.DimStyle.Render(fmt.Sprintf("(%d datums, %d errors)", len(push.data), len(push.errs))),
	)
	return nil
}

func (c *replayCommander) read(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(c.in)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading capture: %w", err)
	}
	return body, nil
}

func decodePush(chunks [][]byte, opts []stream.Option) result {
	var (
		mu  sync.Mutex
		res result
	)
	onData := func(d stream.Datum) {
		mu.Lock()
		defer mu.Unlock()
		res.data = append(res.data, d)
	}
	onError := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		res.errs = append(res.errs, err)
	}

	p := stream.NewProcessor(opts...)
	for _, chunk := range chunks {
		if p.State().Closed() {
			break
		}
		p.ProcessChunk(chunk, onData, onError, nil)
	}
	p.Finish(onData, onError)
	p.Close()
	return res
}

func decodePull(ctx context.Context, chunks [][]byte, opts []stream.Option) (result, error) {
	var (
		mu  sync.Mutex
		res result
	)
	opts = append(slices.Clone(opts), stream.WithErrorHandler(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		res.errs = append(res.errs, err)
	}))

	s := stream.FromSource(sse.Chunks(chunks...), opts...)
	defer s.Close()

	for d, err := range s.All(ctx) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return res, err
			}
			mu.Lock()
			res.errs = append(res.errs, err)
			mu.Unlock()
			break
		}
		res.data = append(res.data, d)
	}
	return res, nil
}

func split(body []byte, size int) [][]byte {
	chunks := make([][]byte, 0, len(body)/size+1)
	for len(body) > 0 {
		n := min(size, len(body))
		chunks = append(chunks, body[:n])
		body = body[n:]
	}
	return chunks
}

func writeNDJSON(w io.Writer, data []stream.Datum) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, d := range data {
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("writing datum: %w", err)
		}
	}
	return nil
}

// compare reports the first difference between two results. Datums are
// compared by their JSON form, errors by code.
func compare(push, pull result) error {
	if len(push.data) != len(pull.data) {
		return fmt.Errorf("push decoded %d datums, pull %d", len(push.data), len(pull.data))
	}
	for i := range push.data {
		a, _ := json.Marshal(push.data[i])
		b, _ := json.Marshal(pull.data[i])
		if string(a) != string(b) {
			return fmt.Errorf("datum %d: push %s, pull %s", i, a, b)
		}
	}

	if a, b := errorCodes(push.errs), errorCodes(pull.errs); !slices.Equal(a, b) {
		return fmt.Errorf("push errors %v, pull errors %v", a, b)
	}
	return nil
}

func errorCodes(errs []error) []string {
	codes := make([]string, 0, len(errs))
	for _, err := range errs {
		var eo *stream.ErrorObject
		if errors.As(err, &eo) {
			codes = append(codes, eo.Code)
			continue
		}
		codes = append(codes, err.Error())
	}
	return codes
}
