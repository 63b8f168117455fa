package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	livechat "github.com/qahhor/FREE-SERICE-DESK-sub000"
	"github.com/qahhor/FREE-SERICE-DESK-sub000/logging"
	"github.com/qahhor/FREE-SERICE-DESK-sub000/transport"
)

const localIDPrefix = "local-"

// Controller owns the visitor's single chat session and everything derived
// from it. UI calls and transport deliveries are serialized by mu, so state
// changes apply in delivery order. HTTP calls run without the lock; the
// in-flight flags reject re-entry instead.
type Controller struct {
	api       API
	transport Transport
	recorder  SessionRecorder
	visitorID string
	page      Page
	log       *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	store    *store
	messages *MessageLog
	queue    *QueueMonitor
	typing   *TypingCoordinator

	// subMu orders connector calls; subscribed is the session the transport
	// was last asked to follow. Taken before mu, never while holding it.
	subMu      sync.Mutex
	subscribed string
}

func NewController(api API, tr Transport, opts Options) (*Controller, error) {
	if api == nil || tr == nil {
		return nil, errors.New("chat: api and transport are required")
	}
	if strings.TrimSpace(opts.VisitorID) == "" {
		return nil, errors.New("chat: visitor id is required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Controller{
		api:       api,
		transport: tr,
		recorder:  opts.Recorder,
		visitorID: opts.VisitorID,
		page:      opts.Page,
		log:       log.With("component", "chat", "visitor_id", opts.VisitorID),
		now:       now,
		store:     &store{},
		messages:  NewMessageLog(),
		queue:     &QueueMonitor{},
	}
	c.typing = NewTypingCoordinator(c.publishTyping, opts.Typing)
	return c, nil
}

// VisitorID returns the identity every request is made under.
func (c *Controller) VisitorID() string {
	return c.visitorID
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Watch registers fn for every state change. Calls to fn are serialized and
// run without any controller lock held, so fn may call back into the
// controller; snapshots it causes are delivered after fn returns.
func (c *Controller) Watch(fn func(State)) (cancel func()) {
	return c.store.watch(fn)
}

// StartChat opens a new session for the visitor. It fails with
// ErrSessionAlreadyActive while a non-terminal session exists and with
// ErrStartInProgress while another start is in flight. On failure no
// session is stored.
func (c *Controller) StartChat(ctx context.Context, profile Profile, initialMessage string) (*livechat.ChatSession, error) {
	c.mu.Lock()
	if c.store.isStarting {
		c.mu.Unlock()
		return nil, ErrStartInProgress
	}
	if s := c.store.session; s != nil && !s.Status.Terminal() {
		c.mu.Unlock()
		return nil, ErrSessionAlreadyActive
	}
	c.store.isStarting = true
	c.store.lastErr = nil
	c.commit()

	log := c.log.With("department", profile.Department)
	log.Info("starting chat")

	session, err := c.api.StartSession(ctx, &livechat.StartSessionRequest{
		VisitorID:      c.visitorID,
		VisitorName:    strings.TrimSpace(profile.Name),
		VisitorEmail:   strings.TrimSpace(profile.Email),
		Department:     strings.TrimSpace(profile.Department),
		PageURL:        c.page.URL,
		PageTitle:      c.page.Title,
		InitialMessage: strings.TrimSpace(initialMessage),
	})
	if err == nil && session.ID == "" {
		err = errors.New("server returned a session without id")
	}

	c.mu.Lock()
	c.store.isStarting = false
	if err != nil {
		err = fmt.Errorf("starting chat: %w", err)
		c.store.lastErr = err
		c.commit()
		log.Error("failed to start chat", "error", err)
		return nil, err
	}
	c.attachLocked(session)
	out := c.store.session.Clone()
	c.commit()
	c.syncSubscription(ctx)

	log.Info("chat started", "session_id", out.ID, "status", out.Status)
	c.record(ctx, out.ID)
	return out, nil
}

// SendMessage posts text in the current ACTIVE or WAITING session. The
// message shows in the log immediately; a failed send is reported but not
// rolled back or retried.
func (c *Controller) SendMessage(ctx context.Context, text string) (*livechat.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	s := c.store.session
	switch {
	case s == nil:
		c.mu.Unlock()
		return nil, ErrNoActiveSession
	case !s.Status.Writable():
		c.mu.Unlock()
		return nil, ErrSessionNotWritable
	case c.store.isSubmitting:
		c.mu.Unlock()
		return nil, ErrSendInProgress
	}
	sessionID := s.ID
	local := livechat.ChatMessage{
		ID:          localIDPrefix + uuid.NewString(),
		SessionID:   sessionID,
		SenderType:  livechat.SenderVisitor,
		SenderID:    c.visitorID,
		Content:     text,
		MessageType: livechat.MessageText,
		IsRead:      true,
		Timestamp:   c.now(),
	}
	c.messages.Append(local)
	c.store.isSubmitting = true
	c.store.lastErr = nil
	c.typing.Sent()
	c.commit()

	msg, err := c.api.SendVisitorMessage(ctx, sessionID, &livechat.SendVisitorMessageRequest{
		SessionID:   sessionID,
		VisitorID:   c.visitorID,
		Content:     text,
		MessageType: livechat.MessageText,
	})

	c.mu.Lock()
	c.store.isSubmitting = false
	if err != nil {
		err = fmt.Errorf("sending message: %w", err)
		c.store.lastErr = err
		c.commit()
		c.log.Warn("message not delivered", "session_id", sessionID, "error", err)
		return nil, err
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	if cur := c.store.session; cur != nil && cur.ID == sessionID && msg.ID != "" {
		c.messages.Confirm(local.ID, *msg)
	}
	c.commit()
	return msg, nil
}

// EndChat closes the session with an optional 1..5 rating and feedback, then
// drops the subscriptions and all session state. It also works on a session
// the agent already closed, to deliver the post-close rating.
func (c *Controller) EndChat(ctx context.Context, rating *int, feedback string) error {
	if rating != nil && (*rating < 1 || *rating > 5) {
		return ErrInvalidRating
	}

	c.mu.Lock()
	s := c.store.session
	if s == nil {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	if c.store.isEnding {
		c.mu.Unlock()
		return ErrEndInProgress
	}
	sessionID := s.ID
	c.store.isEnding = true
	c.store.lastErr = nil
	c.commit()

	_, err := c.api.EndSession(ctx, sessionID, &livechat.EndSessionRequest{
		SessionID: sessionID,
		EndedBy:   livechat.SenderVisitor,
		Rating:    rating,
		Feedback:  strings.TrimSpace(feedback),
	})

	c.mu.Lock()
	c.store.isEnding = false
	if err != nil {
		err = fmt.Errorf("ending chat: %w", err)
		c.store.lastErr = err
		c.commit()
		c.log.Error("failed to end chat", "session_id", sessionID, "error", err)
		return err
	}
	if cur := c.store.session; cur != nil && cur.ID == sessionID {
		c.resetLocked()
	}
	c.commit()
	c.syncSubscription(ctx)

	c.log.Info("chat ended", "session_id", sessionID)
	c.record(ctx, "")
	return nil
}

// LoadExistingSession resumes the visitor's open session after a restart.
// It returns nil when the server has no non-terminal session.
func (c *Controller) LoadExistingSession(ctx context.Context) (*livechat.ChatSession, error) {
	c.mu.Lock()
	if s := c.store.session; s != nil && !s.Status.Terminal() {
		out := s.Clone()
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	session, err := c.api.SessionByVisitor(ctx, c.visitorID)
	if err != nil {
		err = fmt.Errorf("loading session: %w", err)
		c.mu.Lock()
		c.store.lastErr = err
		c.commit()
		return nil, err
	}
	if session == nil || session.Status.Terminal() {
		c.record(ctx, "")
		return nil, nil
	}

	c.mu.Lock()
	if s := c.store.session; s != nil && !s.Status.Terminal() {
		// A StartChat won the race.
		out := s.Clone()
		c.mu.Unlock()
		return out, nil
	}
	c.attachLocked(session)
	out := c.store.session.Clone()
	c.commit()
	c.syncSubscription(ctx)

	c.log.Info("chat resumed", "session_id", out.ID, "status", out.Status)
	c.record(ctx, out.ID)
	return out, nil
}

// LoadEndedSession brings back sessionID after the agent closed it, so that
// EndChat can still deliver the visitor's rating. Only a terminal session with
// that id is accepted and the transport is not subscribed. It returns nil when
// the server no longer reports that session as the visitor's last one.
func (c *Controller) LoadEndedSession(ctx context.Context, sessionID string) (*livechat.ChatSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, nil
	}

	c.mu.Lock()
	if s := c.store.session; s != nil {
		if !s.Status.Terminal() {
			c.mu.Unlock()
			return nil, ErrSessionAlreadyActive
		}
		if s.ID == sessionID {
			out := s.Clone()
			c.mu.Unlock()
			return out, nil
		}
	}
	c.mu.Unlock()

	session, err := c.api.SessionByVisitor(ctx, c.visitorID)
	if err != nil {
		err = fmt.Errorf("loading session: %w", err)
		c.mu.Lock()
		c.store.lastErr = err
		c.commit()
		return nil, err
	}
	if session == nil || session.ID != sessionID || !session.Status.Terminal() {
		return nil, nil
	}

	c.mu.Lock()
	if s := c.store.session; s != nil && !s.Status.Terminal() {
		c.mu.Unlock()
		return nil, ErrSessionAlreadyActive
	}
	c.attachLocked(session)
	out := c.store.session.Clone()
	c.commit()

	c.log.Info("ended chat loaded for rating", "session_id", out.ID, "status", out.Status)
	return out, nil
}

// MarkRead marks agent and system messages read and tells the server. It
// makes no request when nothing was unread.
func (c *Controller) MarkRead(ctx context.Context) error {
	c.mu.Lock()
	s := c.store.session
	if s == nil {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	sessionID := s.ID
	marked := c.messages.MarkRead()
	if len(marked) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.commit()

	if err := c.api.MarkRead(ctx, sessionID, c.visitorID); err != nil {
		err = fmt.Errorf("marking read: %w", err)
		c.mu.Lock()
		c.store.lastErr = err
		c.commit()
		c.log.Warn("read receipt not delivered", "session_id", sessionID, "error", err)
		return err
	}
	return nil
}

// Typing is the keystroke handler of the message input.
func (c *Controller) Typing() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.store.session; s == nil || !s.Status.Writable() {
		return
	}
	c.typing.Keystroke()
}

// Close forgets the session locally and disconnects the transport (logout).
// The server-side session is left as is.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.resetLocked()
	c.commit()
	c.syncSubscription(context.Background())
	return c.transport.Disconnect()
}

// Deliver implements transport.Handler.
func (c *Controller) Deliver(d transport.Delivery) {
	switch d.Channel {
	case transport.ChannelMessages:
		var m livechat.ChatMessage
		if err := json.Unmarshal(d.Body, &m); err != nil || m.ID == "" {
			c.dropMalformed(d, err)
			return
		}
		c.onMessage(d.SessionID, m)
	case transport.ChannelTyping:
		var ind livechat.TypingIndicator
		if err := json.Unmarshal(d.Body, &ind); err != nil {
			c.dropMalformed(d, err)
			return
		}
		c.onTyping(d.SessionID, ind)
	case transport.ChannelQueue:
		var info livechat.QueueInfo
		if err := json.Unmarshal(d.Body, &info); err != nil || info.Position < 0 {
			c.dropMalformed(d, err)
			return
		}
		c.onQueue(d.SessionID, info)
	case transport.ChannelEvents:
		var ev livechat.ChatEvent
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			c.dropMalformed(d, err)
			return
		}
		session, err := ev.Session()
		if err != nil {
			c.dropMalformed(d, err)
			return
		}
		c.onEvent(d.SessionID, ev.Type, session)
	default:
		c.log.Debug("ignoring delivery", "channel", d.Channel)
	}
}

func (c *Controller) onMessage(sessionID string, m livechat.ChatMessage) {
	c.mu.Lock()
	if _, ok := c.acceptLocked(sessionID, transport.ChannelMessages); !ok {
		c.mu.Unlock()
		return
	}
	if m.SessionID == "" {
		m.SessionID = sessionID
	}
	changed := c.messages.Append(m)
	if m.SenderType == livechat.SenderAgent && c.typing.ClearRemote() {
		changed = true
	}
	if !changed {
		c.mu.Unlock()
		return
	}
	c.commit()
}

func (c *Controller) onTyping(sessionID string, ind livechat.TypingIndicator) {
	c.mu.Lock()
	if _, ok := c.acceptLocked(sessionID, transport.ChannelTyping); !ok {
		c.mu.Unlock()
		return
	}
	if !c.typing.Remote(ind) {
		c.mu.Unlock()
		return
	}
	c.commit()
}

func (c *Controller) onQueue(sessionID string, info livechat.QueueInfo) {
	c.mu.Lock()
	s, ok := c.acceptLocked(sessionID, transport.ChannelQueue)
	if !ok {
		c.mu.Unlock()
		return
	}
	if s.Status != livechat.StatusWaiting {
		c.log.Debug("dropping queue update outside WAITING", "session_id", sessionID, "status", s.Status)
		c.mu.Unlock()
		return
	}
	info.SessionID = sessionID
	c.queue.Update(info)
	pos := info.Position
	s.QueuePosition = &pos
	c.commit()
}

func (c *Controller) onEvent(sessionID string, typ livechat.EventType, next *livechat.ChatSession) {
	c.mu.Lock()
	cur, ok := c.acceptLocked(sessionID, transport.ChannelEvents)
	if !ok {
		c.mu.Unlock()
		return
	}

	if next == nil {
		if typ != livechat.EventChatEnded {
			c.log.Debug("event without session payload", "session_id", sessionID, "type", typ)
			c.mu.Unlock()
			return
		}
		next = cur.Clone()
		next.Status = livechat.StatusClosed
	}
	if next.ID != sessionID {
		c.log.Warn("event payload for another session", "session_id", sessionID, "payload_id", next.ID, "type", typ)
		c.mu.Unlock()
		return
	}
	if next.Status != cur.Status && !livechat.CanTransition(cur.Status, next.Status) {
		c.log.Warn("applying unexpected transition from server", "session_id", sessionID, "from", cur.Status, "to", next.Status, "type", typ)
	}

	next.RecentMessages = nil
	next.Normalize(c.now())
	c.store.session = next
	if next.Status != livechat.StatusWaiting {
		c.queue.Clear()
	}
	terminal := next.Status.Terminal()
	if terminal {
		c.typing.Reset()
		c.log.Info("chat reached terminal status", "session_id", sessionID, "status", next.Status)
	}
	c.commit()
	if terminal {
		c.syncSubscription(context.Background())
	}
}

// acceptLocked returns the current session if a frame for sessionID may be applied.
func (c *Controller) acceptLocked(sessionID string, ch transport.Channel) (*livechat.ChatSession, bool) {
	s := c.store.session
	if s == nil || s.ID != sessionID {
		c.log.Debug("dropping frame for inactive session", "session_id", sessionID, "channel", ch)
		return nil, false
	}
	if s.Status.Terminal() {
		c.log.Debug("discarding late frame for terminal session", "session_id", sessionID, "channel", ch, "status", s.Status)
		return nil, false
	}
	return s, true
}

func (c *Controller) dropMalformed(d transport.Delivery, err error) {
	c.log.Warn("dropping malformed frame", "session_id", d.SessionID, "channel", d.Channel, "error", err)
}

// attachLocked makes session the current one: seeds the log and queue and
// binds typing. The caller subscribes after commit.
func (c *Controller) attachLocked(session *livechat.ChatSession) {
	recent := session.RecentMessages
	session.RecentMessages = nil
	session.Normalize(c.now())

	c.messages.Reset()
	for _, m := range recent {
		if m.SessionID == "" {
			m.SessionID = session.ID
		}
		c.messages.Append(m)
	}
	c.queue.Clear()
	if session.Status == livechat.StatusWaiting && session.QueuePosition != nil && *session.QueuePosition > 0 {
		c.queue.Update(livechat.QueueInfo{SessionID: session.ID, Position: *session.QueuePosition})
	}
	c.store.session = session
	c.typing.Reset()
	if !session.Status.Terminal() {
		c.typing.Bind(session.ID)
	}
}

func (c *Controller) resetLocked() {
	c.messages.Reset()
	c.queue.Clear()
	c.typing.Reset()
	c.store.session = nil
}

// syncSubscription points the transport at the current non-terminal session,
// or at nothing. It must be called without mu held; connector writes can be
// slow and must not stall deliveries or UI calls.
func (c *Controller) syncSubscription(ctx context.Context) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	want := ""
	if s := c.store.session; s != nil && !s.Status.Terminal() {
		want = s.ID
	}
	c.mu.Unlock()

	if want == c.subscribed {
		return
	}
	if want == "" {
		c.transport.Unsubscribe()
		c.subscribed = ""
		return
	}
	if err := c.transport.Connect(ctx); err != nil {
		c.log.Warn("transport connect failed", "error", err)
	}
	if err := c.transport.Subscribe(want); err != nil {
		c.log.Warn("transport subscribe failed", "session_id", want, "error", err)
		return
	}
	c.subscribed = want
}

func (c *Controller) snapshotLocked() State {
	return State{
		Version:      c.store.version,
		Session:      c.store.session.Clone(),
		Messages:     c.messages.Messages(),
		Queue:        c.queue.Current(),
		AgentTyping:  c.typing.AgentTyping(),
		Connection:   c.transport.State(),
		IsStarting:   c.store.isStarting,
		IsSubmitting: c.store.isSubmitting,
		IsEnding:     c.store.isEnding,
		LastError:    c.store.lastErr,
	}
}

// commit bumps the version, releases mu and notifies watchers.
func (c *Controller) commit() {
	c.store.bump()
	st := c.snapshotLocked()
	c.mu.Unlock()
	c.store.notify(st)
}

func (c *Controller) publishTyping(sessionID string, isTyping bool) {
	body, err := json.Marshal(livechat.TypingIndicator{
		SessionID:  sessionID,
		SenderType: livechat.SenderVisitor,
		IsTyping:   isTyping,
	})
	if err != nil {
		return
	}
	if err := c.transport.PublishTyping(sessionID, body); err != nil {
		c.log.Debug("typing not published", "session_id", sessionID, "error", err)
	}
}

func (c *Controller) record(ctx context.Context, sessionID string) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordSession(ctx, sessionID); err != nil {
		logging.FromContext(ctx, c.log).Warn("failed to persist session id", "recorded_id", sessionID, "error", err)
	}
}
