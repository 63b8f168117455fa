// Package chat drives a visitor's live-chat session: it owns the session,
// its message log, queue position and typing state, and reacts to frames
// delivered by the transport.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	livechat "github.com/qahhor/FREE-SERICE-DESK-sub000"
	"github.com/qahhor/FREE-SERICE-DESK-sub000/transport"
)

var (
	ErrSessionAlreadyActive = errors.New("chat: session already active")
	ErrStartInProgress      = errors.New("chat: start already in progress")
	ErrNoActiveSession      = errors.New("chat: no active session")
	ErrSessionNotWritable   = errors.New("chat: session does not accept messages")
	ErrSendInProgress       = errors.New("chat: send already in progress")
	ErrEndInProgress        = errors.New("chat: end already in progress")
	ErrEmptyMessage         = errors.New("chat: empty message")
	ErrInvalidRating        = errors.New("chat: rating must be between 1 and 5")
)

// API is the set of REST collaborators the controller calls. *livechat.Client implements it.
type API interface {
	StartSession(ctx context.Context, req *livechat.StartSessionRequest) (*livechat.ChatSession, error)
	SendVisitorMessage(ctx context.Context, sessionID string, req *livechat.SendVisitorMessageRequest) (*livechat.ChatMessage, error)
	EndSession(ctx context.Context, sessionID string, req *livechat.EndSessionRequest) (*livechat.ChatSession, error)
	MarkRead(ctx context.Context, sessionID, visitorID string) error
	SessionByVisitor(ctx context.Context, visitorID string) (*livechat.ChatSession, error)
}

// Transport is the real-time connection. *transport.Connector implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(sessionID string) error
	Unsubscribe()
	PublishTyping(sessionID string, body []byte) error
	Disconnect() error
	State() transport.State
}

// SessionRecorder persists the last known session id so a restart can resume it.
// An empty id clears it.
type SessionRecorder interface {
	RecordSession(ctx context.Context, sessionID string) error
}

// Profile is the optional visitor information sent when a chat starts.
type Profile struct {
	Name       string
	Email      string
	Department string
}

// Page describes where the widget is embedded.
type Page struct {
	URL   string
	Title string
}

type Options struct {
	VisitorID string
	Page      Page
	Typing    TypingOptions
	Recorder  SessionRecorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// State is an immutable snapshot of everything the UI renders.
type State struct {
	Version uint64

	Session     *livechat.ChatSession
	Messages    []livechat.ChatMessage
	Queue       *livechat.QueueInfo
	AgentTyping bool
	Connection  transport.State

	IsStarting   bool
	IsSubmitting bool
	IsEnding     bool
	LastError    error
}

// Active reports whether the snapshot holds a non-terminal session.
func (s State) Active() bool {
	return s.Session != nil && !s.Session.Status.Terminal()
}
