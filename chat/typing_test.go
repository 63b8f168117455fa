package chat

import (
	"sync"
	"testing"
	"time"

	livechat "github.com/qahhor/FREE-SERICE-DESK-sub000"
)

type typingCall struct {
	sessionID string
	isTyping  bool
}

type typingRecorder struct {
	mu    sync.Mutex
	calls []typingCall
}

func (r *typingRecorder) publish(sessionID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, typingCall{sessionID, isTyping})
}

func (r *typingRecorder) snapshot() []typingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]typingCall(nil), r.calls...)
}

func (r *typingRecorder) waitFor(t *testing.T, n int) []typingCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := r.snapshot(); len(calls) >= n {
			return calls
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d typing calls, got %v", n, r.snapshot())
	return nil
}

func TestTypingDebounce(t *testing.T) {
	t.Parallel()

	rec := &typingRecorder{}
	tc := NewTypingCoordinator(rec.publish, TypingOptions{Debounce: 20 * time.Millisecond, IdleTimeout: time.Hour})
	tc.Bind("s1")

	for range 10 {
		tc.Keystroke()
	}
	calls := rec.waitFor(t, 1)
	if calls[0] != (typingCall{"s1", true}) {
		t.Fatalf("calls=%v", calls)
	}

	for range 10 {
		tc.Keystroke()
	}
	time.Sleep(60 * time.Millisecond)
	if calls := rec.snapshot(); len(calls) != 1 {
		t.Fatalf("calls=%v", calls)
	}
}

func TestTypingSentPublishesFalse(t *testing.T) {
	t.Parallel()

	rec := &typingRecorder{}
	tc := NewTypingCoordinator(rec.publish, TypingOptions{Debounce: time.Hour, IdleTimeout: time.Hour})
	tc.Bind("s1")

	tc.Keystroke()
	tc.Sent()
	calls := rec.snapshot()
	if len(calls) != 1 || calls[0] != (typingCall{"s1", false}) {
		t.Fatalf("calls=%v", calls)
	}
}

func TestTypingIdleTimeout(t *testing.T) {
	t.Parallel()

	rec := &typingRecorder{}
	tc := NewTypingCoordinator(rec.publish, TypingOptions{Debounce: 5 * time.Millisecond, IdleTimeout: 30 * time.Millisecond})
	tc.Bind("s1")

	tc.Keystroke()
	calls := rec.waitFor(t, 2)
	if !calls[0].isTyping || calls[1].isTyping {
		t.Fatalf("calls=%v", calls)
	}
}

func TestTypingUnboundIsSilent(t *testing.T) {
	t.Parallel()

	rec := &typingRecorder{}
	tc := NewTypingCoordinator(rec.publish, TypingOptions{Debounce: time.Millisecond, IdleTimeout: time.Millisecond})

	tc.Keystroke()
	tc.Sent()
	time.Sleep(20 * time.Millisecond)
	if calls := rec.snapshot(); len(calls) != 0 {
		t.Fatalf("calls=%v", calls)
	}
}

func TestTypingResetCancelsPending(t *testing.T) {
	t.Parallel()

	rec := &typingRecorder{}
	tc := NewTypingCoordinator(rec.publish, TypingOptions{Debounce: 20 * time.Millisecond, IdleTimeout: time.Hour})
	tc.Bind("s1")

	tc.Keystroke()
	tc.Reset()
	time.Sleep(60 * time.Millisecond)
	if calls := rec.snapshot(); len(calls) != 0 {
		t.Fatalf("calls=%v", calls)
	}
}

func TestTypingRemote(t *testing.T) {
	t.Parallel()

	tc := NewTypingCoordinator(func(string, bool) {}, TypingOptions{})
	tc.Bind("s1")

	tests := []struct {
		ind     livechat.TypingIndicator
		changed bool
		want    bool
	}{
		{livechat.TypingIndicator{SenderType: livechat.SenderVisitor, IsTyping: true}, false, false},
		{livechat.TypingIndicator{SenderType: livechat.SenderBot, IsTyping: true}, false, false},
		{livechat.TypingIndicator{SenderType: livechat.SenderAgent, IsTyping: true}, true, true},
		{livechat.TypingIndicator{SenderType: livechat.SenderAgent, IsTyping: true}, false, true},
		{livechat.TypingIndicator{SenderType: livechat.SenderAgent, IsTyping: false}, true, false},
	}
	for i, tt := range tests {
		if changed := tc.Remote(tt.ind); changed != tt.changed {
			t.Fatalf("%d: changed=%v", i, changed)
		}
		if got := tc.AgentTyping(); got != tt.want {
			t.Fatalf("%d: agentTyping=%v", i, got)
		}
	}

	tc.Remote(livechat.TypingIndicator{SenderType: livechat.SenderAgent, IsTyping: true})
	tc.Bind("s2")
	if tc.AgentTyping() {
		t.Fatal("rebinding should clear agent typing")
	}
}
