// Package chatcmder provides the chat command for interactive chat against
// the upstream completions API, directly or through a chatwire relay.
package chatcmder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/papercomputeco/chatwire/pkg/chat"
	"github.com/papercomputeco/chatwire/pkg/cliui"
	"github.com/papercomputeco/chatwire/pkg/client"
	"github.com/papercomputeco/chatwire/pkg/config"
	"github.com/papercomputeco/chatwire/pkg/dotdir"
	eventstreamutils "github.com/papercomputeco/chatwire/pkg/eventstream/utils"
	"github.com/papercomputeco/chatwire/pkg/logger"
	"github.com/papercomputeco/chatwire/pkg/stream"
	"github.com/papercomputeco/chatwire/relay"
)

var (
	userPrompt      = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true).Render("you> ")
	assistantPrompt = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render("assistant> ")
)

var chatFlags = []string{
	config.FlagBaseURL,
	config.FlagAPIPrefix,
	config.FlagModel,
	config.FlagAPIKey,
	config.FlagUserID,
	config.FlagIdleTimeout,
	config.FlagRelayTarget,
	config.FlagTelemetryProvider,
	config.FlagTelemetryBrokers,
	config.FlagTelemetryTopic,
}

type chatCommander struct {
	configDir string
	useRelay  bool
	fresh     bool
	debug     bool

	// bound to flags; the effective values are read back from viper
	baseURL     string
	apiPrefix   string
	model       string
	apiKey      string
	userID      string
	idleTimeout time.Duration
	relayTarget string
	telemetry   string
	brokers     string
	topic       string

	viper  *viper.Viper
	logger *slog.Logger
}

const chatLongDesc string = `Start an interactive chat session.

Messages are sent to the configured completions API and the streamed reply
is printed as it arrives: answer text, model reasoning and plugin progress.
With --relay the request goes through a running "chatwire relay" instead
and the reply is read back as NDJSON.

The conversation and its upstream session are kept in the .chatwire/
directory and resumed on the next run. Use --new to start over.

Examples:
  chatwire chat
  chatwire chat --model gpt-4o
  chatwire chat --relay --relay-target http://localhost:8090
  echo "hello" | chatwire chat --new`

const chatShortDesc string = "Interactive chat with a streaming completions API"

func NewChatCmd() *cobra.Command {
	cmder := &chatCommander{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: chatShortDesc,
		Long:  chatLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")
			v, err := config.InitViper(cmder.configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			config.BindRegisteredFlags(v, cmd, config.Flags, chatFlags)
			cmder.viper = v
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return cmder.run(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagBaseURL, &cmder.baseURL)
	config.AddStringFlag(cmd, config.Flags, config.FlagAPIPrefix, &cmder.apiPrefix)
	config.AddStringFlag(cmd, config.Flags, config.FlagModel, &cmder.model)
	config.AddStringFlag(cmd, config.Flags, config.FlagAPIKey, &cmder.apiKey)
	config.AddStringFlag(cmd, config.Flags, config.FlagUserID, &cmder.userID)
	config.AddDurationFlag(cmd, config.Flags, config.FlagIdleTimeout, &cmder.idleTimeout)
	config.AddStringFlag(cmd, config.Flags, config.FlagRelayTarget, &cmder.relayTarget)
	config.AddStringFlag(cmd, config.Flags, config.FlagTelemetryProvider, &cmder.telemetry)
	config.AddStringFlag(cmd, config.Flags, config.FlagTelemetryBrokers, &cmder.brokers)
	config.AddStringFlag(cmd, config.Flags, config.FlagTelemetryTopic, &cmder.topic)
	cmd.Flags().BoolVar(&cmder.useRelay, "relay", false, "Send requests through a chatwire relay")
	cmd.Flags().BoolVar(&cmder.fresh, "new", false, "Discard the saved conversation and start a new one")

	return cmd
}

func (c *chatCommander) run(ctx context.Context, in io.Reader, out, errOut io.Writer) error {
	c.logger = logger.New(logger.WithDebug(c.debug), logger.WithFormat(logger.FormatPretty), logger.WithWriter(errOut))

	model := c.viper.GetString("client.model")
	ddm := dotdir.NewManager()
	if c.fresh {
		if err := ddm.ClearConversation(c.configDir); err != nil {
			return fmt.Errorf("clearing conversation: %w", err)
		}
	}

	conv, err := ddm.LoadConversation(c.configDir)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	interactive := isTerminal(in)
	fmt.Fprintln(out)
	if conv != nil {
		fmt.Fprintf(out, "  %s Resuming %s %s\n",
			cliui.SuccessMark,
			cliui.HashStyle.Render(cliui.Preview(conv.Session, 16)),
			cliui.DimStyle.Render(fmt.Sprintf("(%d messages)", len(conv.Messages))),
		)
	} else {
		conv = &dotdir.Conversation{}
		fmt.Fprintf(out, "  %s New conversation\n", cliui.DimStyle.Render("●"))
	}
	conv.Model = model

	fmt.Fprintf(out, "  %s %s\n", cliui.KeyStyle.Render("Model:"), cliui.NameStyle.Render(model))
	if !slices.Contains(config.KnownModels(), model) {
		fmt.Fprintf(out, "  %s\n", cliui.DimStyle.Render("Unknown model, the upstream may reject it. Known: "+strings.Join(config.KnownModels(), ", ")))
	}
	if interactive {
		fmt.Fprintf(out, "\n  %s\n\n", cliui.DimStyle.Render("Type your message and press Enter. /new to reset, /exit or Ctrl+D to quit."))
	}

	send, closeSend, err := c.sender()
	if err != nil {
		return err
	}
	defer closeSend()

	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(out, userPrompt)
		}
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "/exit":
			return nil
		case "/new":
			conv = &dotdir.Conversation{Model: model}
			if err := ddm.ClearConversation(c.configDir); err != nil {
				return fmt.Errorf("clearing conversation: %w", err)
			}
			fmt.Fprintf(out, "  %s New conversation\n\n", cliui.DimStyle.Render("●"))
			continue
		}

		conv.Messages = append(conv.Messages, dotdir.ConversationMessage{Role: chat.RoleUser, Content: input})

		req := chat.NewRequest(model, toChatMessages(conv.Messages)...)
		req.Session = conv.Session

		fmt.Fprint(out, assistantPrompt)
		r := newRenderer(out, errOut)
		err := send(ctx, req, r)
		fmt.Fprintln(out)

		if err != nil {
			fmt.Fprintf(errOut, "  %s %v\n\n", cliui.FailMark, err)
			// Drop the failed turn so it can be retried.
			conv.Messages = conv.Messages[:len(conv.Messages)-1]
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			continue
		}

		if r.session != "" {
			conv.Session = r.session
		}
		conv.Messages = append(conv.Messages, dotdir.ConversationMessage{Role: chat.RoleAssistant, Content: r.answer()})
		if err := ddm.SaveConversation(conv, c.configDir); err != nil {
			c.logger.Warn("could not save conversation", "error", err)
		}
		fmt.Fprintln(out)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

type sendFunc func(ctx context.Context, req *chat.Request, r *renderer) error

// sender returns the function that delivers one request, either straight
// upstream or through the relay.
func (c *chatCommander) sender() (sendFunc, func(), error) {
	if c.useRelay {
		target := c.viper.GetString("client.relay_target")
		endpoint, err := url.JoinPath(target, relay.DefaultPath)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid relay target %q: %w", target, err)
		}
		httpClient := &http.Client{Timeout: client.DefaultTimeout}
		return func(ctx context.Context, req *chat.Request, r *renderer) error {
			return sendRelay(ctx, httpClient, endpoint, req, r)
		}, func() {}, nil
	}

	publisher, err := eventstreamutils.NewPublisher(&eventstreamutils.NewPublisherOpts{
		ProviderType: c.viper.GetString("telemetry.provider"),
		Brokers:      config.StringList(c.viper, "telemetry.brokers"),
		Topic:        c.viper.GetString("telemetry.topic"),
		Workers:      c.viper.GetUint("telemetry.workers"),
		QueueSize:    c.viper.GetUint("telemetry.queue_size"),
		ChunkRate:    c.viper.GetFloat64("telemetry.chunk_rate"),
		Logger:       c.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	upstream, err := client.New(client.Config{
		BaseURL:         c.viper.GetString("client.base_url"),
		APIPrefix:       c.viper.GetString("client.api_prefix"),
		CompletionsPath: c.viper.GetString("client.completions_path"),
		APIKey:          c.viper.GetString("client.api_key"),
		UserID:          c.viper.GetString("client.user_id"),
		Timeout:         c.viper.GetDuration("client.timeout"),
		IdleTimeout:     config.IdleTimeout(c.viper),
		Logger:          c.logger,
		Publisher:       publisher,
	})
	if err != nil {
		_ = publisher.Close()
		return nil, nil, fmt.Errorf("creating client: %w", err)
	}

	c.logger.Debug("chatting upstream", "url", upstream.URL())
	send := func(ctx context.Context, req *chat.Request, r *renderer) error {
		return upstream.Do(ctx, req, client.Handler{
			OnData:  r.write,
			OnError: r.warn,
			OnComplete: func(stats stream.Stats) {
				if stats.Session != "" {
					r.session = stats.Session
				}
			},
		})
	}
	return send, func() { _ = publisher.Close() }, nil
}

// sendRelay posts req to a relay and renders the NDJSON datums it returns.
func sendRelay(ctx context.Context, httpClient *http.Client, endpoint string, req *chat.Request, r *renderer) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return stream.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		eo := &stream.ErrorObject{}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err := json.Unmarshal(raw, eo); err != nil || eo.Code == "" {
			return stream.NewHTTPError(resp.StatusCode, errors.New(strings.TrimSpace(string(raw))), nil)
		}
		return eo
	}

	s := stream.FromNDJSON(resp.Body)
	defer s.Close()
	for d, err := range s.All(ctx) {
		if err != nil {
			return err
		}
		r.write(d)
	}
	return nil
}

func toChatMessages(msgs []dotdir.ConversationMessage) []chat.Message {
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chat.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
