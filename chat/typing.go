package chat

import (
	"sync"
	"time"

	livechat "github.com/qahhor/FREE-SERICE-DESK-sub000"
)

const (
	DefaultTypingDebounce    = 300 * time.Millisecond
	DefaultTypingIdleTimeout = 3 * time.Second
)

type TypingOptions struct {
	// Debounce delays the first isTyping=true after a keystroke.
	Debounce time.Duration
	// IdleTimeout publishes isTyping=false after keystrokes stop.
	IdleTimeout time.Duration
}

// TypingPublisher sends the local typing state for a session.
type TypingPublisher func(sessionID string, isTyping bool)

// TypingCoordinator turns local keystrokes into debounced typing events and
// folds remote typing events into a single "agent is typing" flag.
type TypingCoordinator struct {
	publish  TypingPublisher
	debounce time.Duration
	idle     time.Duration

	// pubMu keeps publish order equal to decision order.
	pubMu sync.Mutex

	mu          sync.Mutex
	sessionID   string
	published   bool
	gen         uint64
	debounceT   *time.Timer
	idleT       *time.Timer
	agentTyping bool
}

func NewTypingCoordinator(publish TypingPublisher, opts TypingOptions) *TypingCoordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultTypingDebounce
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultTypingIdleTimeout
	}
	return &TypingCoordinator{
		publish:  publish,
		debounce: opts.Debounce,
		idle:     opts.IdleTimeout,
	}
}

// Bind points the coordinator at sessionID and forgets all typing state.
// An empty id unbinds it.
func (t *TypingCoordinator) Bind(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.sessionID = sessionID
	t.agentTyping = false
}

func (t *TypingCoordinator) Reset() {
	t.Bind("")
}

// Keystroke records local input. Any number of calls inside the debounce
// window yield a single isTyping=true.
func (t *TypingCoordinator) Keystroke() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessionID == "" {
		return
	}
	if t.published {
		t.armIdleLocked()
		return
	}
	if t.debounceT != nil {
		return
	}
	gen := t.gen
	t.debounceT = time.AfterFunc(t.debounce, func() { t.fire(gen) })
}

// Sent publishes isTyping=false right away; call it when a message goes out.
func (t *TypingCoordinator) Sent() {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.mu.Lock()
	sessionID := t.sessionID
	t.stopLocked()
	t.mu.Unlock()

	if sessionID != "" {
		t.publish(sessionID, false)
	}
}

// Remote applies an inbound indicator and reports whether AgentTyping changed.
// Only AGENT indicators are surfaced.
func (t *TypingCoordinator) Remote(ind livechat.TypingIndicator) bool {
	if ind.SenderType != livechat.SenderAgent {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := t.agentTyping != ind.IsTyping
	t.agentTyping = ind.IsTyping
	return changed
}

// ClearRemote drops the agent typing flag, e.g. when the agent's message lands.
func (t *TypingCoordinator) ClearRemote() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := t.agentTyping
	t.agentTyping = false
	return changed
}

func (t *TypingCoordinator) AgentTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.agentTyping
}

func (t *TypingCoordinator) fire(gen uint64) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.mu.Lock()
	if gen != t.gen || t.sessionID == "" || t.published {
		t.mu.Unlock()
		return
	}
	t.debounceT = nil
	t.published = true
	t.armIdleLocked()
	sessionID := t.sessionID
	t.mu.Unlock()

	t.publish(sessionID, true)
}

func (t *TypingCoordinator) idleFire(gen uint64) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.mu.Lock()
	if gen != t.gen || !t.published {
		t.mu.Unlock()
		return
	}
	sessionID := t.sessionID
	t.stopLocked()
	t.mu.Unlock()

	t.publish(sessionID, false)
}

func (t *TypingCoordinator) armIdleLocked() {
	if t.idleT != nil {
		t.idleT.Stop()
	}
	gen := t.gen
	t.idleT = time.AfterFunc(t.idle, func() { t.idleFire(gen) })
}

// stopLocked cancels pending timers; callbacks already running see a new gen and bail.
func (t *TypingCoordinator) stopLocked() {
	t.gen++
	t.published = false
	if t.debounceT != nil {
		t.debounceT.Stop()
		t.debounceT = nil
	}
	if t.idleT != nil {
		t.idleT.Stop()
		t.idleT = nil
	}
}
