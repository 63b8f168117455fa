// Package transport keeps one STOMP-over-WebSocket connection per visitor
// and the topic subscriptions of the current chat session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

const (
	// DefaultReconnectDelay is the fixed wait between reconnect attempts.
	DefaultReconnectDelay = 5 * time.Second

	// VisitorHeader identifies the visitor on the WebSocket handshake.
	VisitorHeader = "X-Visitor-Id"

	stompVisitorHeader = "visitorId"
	stompVersion       = "1.2"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrNoURL        = errors.New("transport: empty url")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Delivery is a MESSAGE frame routed to a session channel. Body is not interpreted.
type Delivery struct {
	Channel     Channel
	SessionID   string
	Destination string
	Body        []byte
}

// Handler receives deliveries one at a time, in socket order.
type Handler interface {
	Deliver(d Delivery)
}

type HandlerFunc func(d Delivery)

func (f HandlerFunc) Deliver(d Delivery) { f(d) }

type Options struct {
	URL       string
	VisitorID string

	// Host is the STOMP host header; defaults to the URL host.
	Host string
	// Headers are extra CONNECT headers, e.g. an authorization token.
	Headers map[string]string

	ReconnectDelay time.Duration
	// HeartBeat is the outgoing heart-beat interval; zero disables it.
	HeartBeat time.Duration

	Dial   DialFunc
	Logger *slog.Logger
}

// Connector maintains at most one live connection and the subscriptions of
// one session on top of it. Subscriptions are replayed after every reconnect.
type Connector struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	state     State
	handler   Handler
	conn      FrameConn
	sessionID string
	subIDs    []string
	nextSubID int
	cancel    context.CancelFunc
	done      chan struct{}
	connected chan struct{}
}

func New(opts Options) *Connector {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dial == nil {
		opts.Dial = DialWebSocket
	}
	if opts.Host == "" {
		if u, err := url.Parse(opts.URL); err == nil {
			opts.Host = u.Hostname()
		}
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Connector{
		opts:      opts,
		log:       log.With("component", "transport"),
		connected: make(chan struct{}),
	}
}

// SetHandler installs the receiver of incoming deliveries.
func (c *Connector) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session whose channels are (or will be) subscribed.
func (c *Connector) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect starts the connection loop and returns immediately. It is a no-op
// while connecting, connected or reconnecting. The loop outlives ctx; only
// Disconnect stops it.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDisconnected {
		return nil
	}
	if c.opts.URL == "" {
		return ErrNoURL
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateConnecting
	go c.run(runCtx, c.done)
	return nil
}

// WaitConnected blocks until the connection is up or ctx ends.
func (c *Connector) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	ch := c.connected
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe attaches the messages, typing, events and queue channels of
// sessionID, dropping the previous session's channels first. While offline
// the request is recorded and applied on connect.
func (c *Connector) Subscribe(sessionID string) error {
	if sessionID == "" {
		return errors.New("transport: empty session id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID == sessionID {
		return nil
	}
	c.unsubscribeLocked()
	c.sessionID = sessionID
	if err := c.subscribeLocked(); err != nil {
		c.log.Warn("subscribe failed, will retry on reconnect", slog.String("session_id", sessionID), slog.Any("error", err))
	}
	return nil
}

// Unsubscribe drops the current session's channels and keeps the connection.
func (c *Connector) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unsubscribeLocked()
	c.sessionID = ""
}

// PublishTyping sends a typing payload for sessionID.
func (c *Connector) PublishTyping(sessionID string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.state != StateConnected {
		return ErrNotConnected
	}
	f := frame.New(frame.SEND,
		frame.Destination, TypingDestination(sessionID),
		frame.ContentType, "application/json",
	)
	f.Body = body
	return c.conn.WriteFrame(f)
}

// Disconnect unsubscribes everything, closes the connection and stops
// reconnecting. It is the only transition back to StateDisconnected.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}

	c.unsubscribeLocked()
	c.sessionID = ""
	if c.conn != nil {
		if err := c.conn.WriteFrame(frame.New(frame.DISCONNECT)); err != nil {
			c.log.Debug("disconnect frame not sent", slog.Any("error", err))
		}
	}
	done := c.done
	c.cancel()
	c.cancel = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	<-done
	c.log.Info("transport disconnected")
	return nil
}

func (c *Connector) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for attempt := 1; ; attempt++ {
		err := c.serve(ctx)

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()

		c.log.Warn("transport connection lost",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", c.opts.ReconnectDelay),
			slog.Any("error", err),
		)

		timer := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve runs one connection from dial to loss.
func (c *Connector) serve(ctx context.Context) error {
	header := http.Header{}
	if c.opts.VisitorID != "" {
		header.Set(VisitorHeader, c.opts.VisitorID)
	}
	conn, err := c.opts.Dial(ctx, c.opts.URL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.handshake(conn); err != nil {
		return err
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return ctx.Err()
	}
	c.conn = conn
	c.subIDs = nil
	c.setStateLocked(StateConnected)
	err = c.subscribeLocked()
	sessionID := c.sessionID
	c.mu.Unlock()

	if err != nil {
		c.detach(conn)
		return fmt.Errorf("resubscribe: %w", err)
	}
	c.log.Info("transport connected", slog.String("session_id", sessionID))

	stopHeartBeat := c.startHeartBeat(conn)
	defer stopHeartBeat()

	err = c.readLoop(conn)
	c.detach(conn)
	return err
}

func (c *Connector) handshake(conn FrameConn) error {
	heartBeat := fmt.Sprintf("%d,0", c.opts.HeartBeat.Milliseconds())
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, stompVersion,
		frame.Host, c.opts.Host,
		frame.HeartBeat, heartBeat,
	)
	if c.opts.VisitorID != "" {
		f.Header.Add(stompVisitorHeader, c.opts.VisitorID)
	}
	for k, v := range c.opts.Headers {
		f.Header.Add(k, v)
	}
	if err := conn.WriteFrame(f); err != nil {
		return fmt.Errorf("stomp connect: %w", err)
	}

	resp, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("stomp connect: %w", err)
	}
	switch resp.Command {
	case frame.CONNECTED:
		return nil
	case frame.ERROR:
		return fmt.Errorf("stomp connect rejected: %s", resp.Header.Get(frame.Message))
	default:
		return fmt.Errorf("stomp connect: unexpected %s frame", resp.Command)
	}
}

func (c *Connector) readLoop(conn FrameConn) error {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return err
		}

		switch f.Command {
		case frame.MESSAGE:
			dest := f.Header.Get(frame.Destination)
			sessionID, ch, ok := ParseTopic(dest)
			if !ok {
				c.log.Debug("dropping frame for unknown destination", slog.String("destination", dest))
				continue
			}
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				h.Deliver(Delivery{Channel: ch, SessionID: sessionID, Destination: dest, Body: f.Body})
			}
		case frame.ERROR:
			return fmt.Errorf("stomp error: %s", f.Header.Get(frame.Message))
		case frame.RECEIPT:
		default:
			c.log.Debug("ignoring frame", slog.String("command", f.Command))
		}
	}
}

// detach forgets conn after it failed. Subscription ids die with the connection.
func (c *Connector) detach(conn FrameConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.subIDs = nil
	}
}

func (c *Connector) subscribeLocked() error {
	if c.sessionID == "" || c.conn == nil {
		return nil
	}
	for _, ch := range Channels {
		c.nextSubID++
		id := fmt.Sprintf("sub-%d", c.nextSubID)
		f := frame.New(frame.SUBSCRIBE,
			frame.Id, id,
			frame.Destination, Topic(c.sessionID, ch),
			frame.Ack, "auto",
		)
		if err := c.conn.WriteFrame(f); err != nil {
			return err
		}
		c.subIDs = append(c.subIDs, id)
	}
	return nil
}

func (c *Connector) unsubscribeLocked() {
	if c.conn != nil {
		for _, id := range c.subIDs {
			if err := c.conn.WriteFrame(frame.New(frame.UNSUBSCRIBE, frame.Id, id)); err != nil {
				c.log.Debug("unsubscribe not sent", slog.String("id", id), slog.Any("error", err))
				break
			}
		}
	}
	c.subIDs = nil
}

func (c *Connector) setStateLocked(s State) {
	if c.state == StateConnected && s != StateConnected {
		c.connected = make(chan struct{})
	}
	if s != StateConnected {
		c.conn = nil
		c.subIDs = nil
	}
	if s == StateConnected && c.state != StateConnected {
		close(c.connected)
	}
	c.state = s
}

func (c *Connector) startHeartBeat(conn FrameConn) func() {
	if c.opts.HeartBeat <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.opts.HeartBeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteFrame(nil); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}
