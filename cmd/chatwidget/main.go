package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	livechat "github.com/qahhor/FREE-SERICE-DESK-sub000"
	"github.com/qahhor/FREE-SERICE-DESK-sub000/chat"
	"github.com/qahhor/FREE-SERICE-DESK-sub000/chatconfig"
	"github.com/qahhor/FREE-SERICE-DESK-sub000/logging"
	"github.com/qahhor/FREE-SERICE-DESK-sub000/transport"
)

var errNoOpenSession = errors.New("no open chat session (use `chatwidget start`)")

func main() {
	loadDotenvBestEffort()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func loadDotenvBestEffort() {
	// Best effort: load from current working directory.
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.livechat")
}

type globalFlags struct {
	server string
	url    string
	wsURL  string
	config string
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "chatwidget",
		Short:         "Live-chat visitor widget for the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `chatwidget talks to a live-chat server as a website visitor.

Config:
  ~/.config/livechat/config.yaml (or LIVECHAT_CONFIG_PATH, or --config)

Env overrides (optional):
  LIVECHAT_SERVER
  LIVECHAT_URL
  LIVECHAT_WS_URL
  LIVECHAT_API_KEY
  LIVECHAT_LOG_LEVEL
  LIVECHAT_LOG_FORMAT`,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.server, "server", "", "Server name from config.yaml (default: default_server)")
	pf.StringVar(&flags.url, "url", "", "Base URL of the chat REST API")
	pf.StringVar(&flags.wsURL, "ws-url", "", "STOMP WebSocket URL (default: derived from the base URL)")
	pf.StringVar(&flags.config, "config", "", "Config file path")

	root.AddCommand(
		newConfigCmd(&flags),
		newIdentityCmd(&flags),
		newStartCmd(&flags),
		newResumeCmd(&flags),
		newSendCmd(&flags),
		newEndCmd(&flags),
		newReadCmd(&flags),
	)
	return root
}

// widget is one fully wired visitor: identity, REST client, transport and controller.
type widget struct {
	cfg      *chatconfig.GlobalConfig
	sel      *chatconfig.Selection
	identity *chatconfig.Identity
	ctrl     *chat.Controller
	log      *slog.Logger

	closeStore func() error
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	return logging.FromEnv(cmd.ErrOrStderr())
}

func configPath(flags *globalFlags) (string, error) {
	if path := strings.TrimSpace(flags.config); path != "" {
		return path, nil
	}
	return chatconfig.DefaultGlobalConfigPath()
}

func loadConfig(flags *globalFlags) (*chatconfig.GlobalConfig, string, error) {
	path, err := configPath(flags)
	if err != nil {
		return nil, "", err
	}
	cfg, err := chatconfig.LoadGlobalFrom(path)
	if err != nil {
		return nil, "", fmt.Errorf("read config: %w", err)
	}
	return cfg, path, nil
}

func ensureIdentity(ctx context.Context, cfg *chatconfig.GlobalConfig, path string) (*chatconfig.Identity, chatconfig.IdentityStore, func() error, error) {
	store, closeStore, err := chatconfig.OpenIdentityStore(cfg, path)
	if err != nil {
		return nil, nil, nil, err
	}
	id, err := chatconfig.EnsureVisitor(ctx, store, time.Now())
	if err != nil {
		_ = closeStore()
		return nil, nil, nil, err
	}
	return id, store, closeStore, nil
}

func openWidget(cmd *cobra.Command, flags *globalFlags) (*widget, error) {
	log := newLogger(cmd)

	cfg, path, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	sel, err := chatconfig.Resolve(cfg, chatconfig.ResolveOptions{
		ServerName:        flags.server,
		BaseURLOverride:   flags.url,
		WSURLOverride:     flags.wsURL,
		AllowEnvOverrides: true,
	})
	if err != nil {
		return nil, err
	}

	identity, store, closeStore, err := ensureIdentity(cmd.Context(), cfg, path)
	if err != nil {
		return nil, err
	}

	client, err := livechat.NewWithAPIKey(sel.BaseURL, sel.APIKey)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	var headers map[string]string
	if sel.APIKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + sel.APIKey}
	}
	conn := transport.New(transport.Options{
		URL:            sel.WSURL,
		VisitorID:      identity.VisitorID,
		Headers:        headers,
		ReconnectDelay: cfg.Transport.ReconnectDelay,
		HeartBeat:      cfg.Transport.HeartBeat,
		Logger:         log,
	})

	ctrl, err := chat.NewController(client, conn, chat.Options{
		VisitorID: identity.VisitorID,
		Page:      chat.Page{URL: cfg.Page.URL, Title: cfg.Page.Title},
		Typing: chat.TypingOptions{
			Debounce:    cfg.Typing.Debounce,
			IdleTimeout: cfg.Typing.IdleTimeout,
		},
		Recorder: chatconfig.Recorder{Store: store},
		Logger:   log,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	conn.SetHandler(ctrl)

	return &widget{
		cfg:        cfg,
		sel:        sel,
		identity:   identity,
		ctrl:       ctrl,
		log:        log,
		closeStore: closeStore,
	}, nil
}

func (w *widget) Close() {
	if err := w.ctrl.Close(); err != nil {
		w.log.Debug("transport close", "error", err)
	}
	_ = w.closeStore()
}

// resume loads the visitor's open session or fails with errNoOpenSession.
func (w *widget) resume(ctx context.Context) (*livechat.ChatSession, error) {
	s, err := w.ctrl.LoadExistingSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errNoOpenSession
	}
	return s, nil
}

func newIdentityCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the visitor identity, creating it on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(flags)
			if err != nil {
				return err
			}
			id, _, closeStore, err := ensureIdentity(cmd.Context(), cfg, path)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()
			return printJSON(cmd.OutOrStdout(), id)
		},
	}
}

func newStartCmd(flags *globalFlags) *cobra.Command {
	var name, email, department, message string
	var follow bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := openWidget(cmd, flags)
			if err != nil {
				return err
			}
			defer w.Close()

			profile := chat.Profile{
				Name:       firstNonEmpty(name, w.cfg.Visitor.Name),
				Email:      firstNonEmpty(email, w.cfg.Visitor.Email),
				Department: firstNonEmpty(department, w.cfg.Visitor.Department),
			}
			s, err := w.ctrl.StartChat(cmd.Context(), profile, message)
			if err != nil {
				return err
			}
			if follow {
				return runFollow(cmd.Context(), w, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Visitor name (default: visitor.name in config)")
	cmd.Flags().StringVar(&email, "email", "", "Visitor email (default: visitor.email in config)")
	cmd.Flags().StringVar(&department, "department", "", "Department to route the chat to")
	cmd.Flags().StringVar(&message, "message", "", "Initial message")
	cmd.Flags().BoolVar(&follow, "follow", false, "Stay attached: print live updates and send stdin lines")
	return cmd
}

func newResumeCmd(flags *globalFlags) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Show the visitor's open chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := openWidget(cmd, flags)
			if err != nil {
				return err
			}
			defer w.Close()

			s, err := w.resume(cmd.Context())
			if err != nil {
				return err
			}
			if follow {
				return runFollow(cmd.Context(), w, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			st := w.ctrl.State()
			return printJSON(cmd.OutOrStdout(), sessionView{ChatSession: s, Messages: st.Messages})
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "Stay attached: print live updates and send stdin lines")
	return cmd
}

// sessionView is a session with its message log, as printed by resume.
type sessionView struct {
	*livechat.ChatSession
	Messages []livechat.ChatMessage `json:"messages"`
}

func newSendCmd(flags *globalFlags) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message in the open chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := message
			if text == "" {
				text = strings.Join(args, " ")
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("missing message (use --message or pass it as arguments)")
			}

			w, err := openWidget(cmd, flags)
			if err != nil {
				return err
			}
			defer w.Close()

			if _, err := w.resume(cmd.Context()); err != nil {
				return err
			}
			m, err := w.ctrl.SendMessage(cmd.Context(), text)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "Message text")
	return cmd
}

func newEndCmd(flags *globalFlags) *cobra.Command {
	var rating int
	var feedback string

	cmd := &cobra.Command{
		Use:   "end",
		Short: "End the open chat, or rate the one the agent just closed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var ratingPtr *int
			if cmd.Flags().Changed("rating") {
				ratingPtr = &rating
			}

			w, err := openWidget(cmd, flags)
			if err != nil {
				return err
			}
			defer w.Close()

			s, err := w.resume(cmd.Context())
			if errors.Is(err, errNoOpenSession) {
				// The agent may have closed the chat; it can still be rated.
				s, err = w.ctrl.LoadEndedSession(cmd.Context(), w.identity.LastSessionID)
				if err == nil && s == nil {
					err = errNoOpenSession
				}
			}
			if err != nil {
				return err
			}
			if err := w.ctrl.EndChat(cmd.Context(), ratingPtr, feedback); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"sessionId": s.ID, "ended": true})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "Rating from 1 to 5")
	cmd.Flags().StringVar(&feedback, "feedback", "", "Free-form feedback")
	return cmd
}

func newReadCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Mark agent messages in the open chat as read",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := openWidget(cmd, flags)
			if err != nil {
				return err
			}
			defer w.Close()

			s, err := w.resume(cmd.Context())
			if err != nil {
				return err
			}
			if err := w.ctrl.MarkRead(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"sessionId": s.ID, "read": true})
		},
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
