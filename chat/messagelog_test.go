package chat

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	livechat "github.com/qahhor/FREE-SERICE-DESK-sub000"
)

func msg(id string, sender livechat.SenderType, at time.Duration) livechat.ChatMessage {
	return livechat.ChatMessage{ID: id, SessionID: "s1", SenderType: sender, Content: id, Timestamp: testNow.Add(at)}
}

func ids(msgs []livechat.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMessageLogDeduplicates(t *testing.T) {
	t.Parallel()

	l := NewMessageLog()
	if !l.Append(msg("a", livechat.SenderAgent, 0)) {
		t.Fatal("first append rejected")
	}
	dup := msg("a", livechat.SenderAgent, 0)
	dup.Content = "changed"
	if l.Append(dup) {
		t.Fatal("duplicate accepted")
	}
	if l.Append(livechat.ChatMessage{Content: "no id"}) {
		t.Fatal("message without id accepted")
	}
	if got := l.Messages(); len(got) != 1 || got[0].Content != "a" {
		t.Fatalf("messages=%+v", got)
	}
}

func TestMessageLogKeepsFirstOccurrenceOrder(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		var stream []livechat.ChatMessage
		var want []string
		seen := map[string]bool{}
		for i := 0; i < 30; i++ {
			id := fmt.Sprintf("m%d", rng.Intn(15))
			at := time.Duration(rng.Intn(120)-60) * time.Second
			stream = append(stream, msg(id, livechat.SenderAgent, at))
			if !seen[id] {
				seen[id] = true
				want = append(want, id)
			}
		}

		l := NewMessageLog()
		for _, m := range stream {
			l.Append(m)
		}
		got := ids(l.Messages())
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("round %d: got %v want %v", round, got, want)
		}
	}
}

func TestMessageLogIgnoresTimestamps(t *testing.T) {
	t.Parallel()

	l := NewMessageLog()
	l.Append(msg("x", livechat.SenderAgent, 2*time.Second))
	l.Append(msg("y", livechat.SenderAgent, time.Second))
	l.Append(msg("z", livechat.SenderAgent, -time.Hour))

	if got := ids(l.Messages()); fmt.Sprint(got) != "[x y z]" {
		t.Fatalf("order=%v", got)
	}
}

func TestMessageLogConfirm(t *testing.T) {
	t.Parallel()

	t.Run("response first", func(t *testing.T) {
		l := NewMessageLog()
		l.Append(msg("local-1", livechat.SenderVisitor, 0))
		l.Confirm("local-1", msg("m1", livechat.SenderVisitor, 0))
		l.Append(msg("m1", livechat.SenderVisitor, 0))

		if got := ids(l.Messages()); fmt.Sprint(got) != "[m1]" {
			t.Fatalf("ids=%v", got)
		}
	})

	t.Run("echo first", func(t *testing.T) {
		l := NewMessageLog()
		l.Append(msg("local-1", livechat.SenderVisitor, 0))
		l.Append(msg("m1", livechat.SenderVisitor, 0))
		l.Confirm("local-1", msg("m1", livechat.SenderVisitor, 0))

		if got := ids(l.Messages()); fmt.Sprint(got) != "[m1]" {
			t.Fatalf("ids=%v", got)
		}
	})

	t.Run("keeps position", func(t *testing.T) {
		l := NewMessageLog()
		l.Append(msg("local-1", livechat.SenderVisitor, 10*time.Second))
		l.Append(msg("a1", livechat.SenderAgent, time.Second))
		l.Confirm("local-1", msg("m1", livechat.SenderVisitor, 0))

		if got := ids(l.Messages()); fmt.Sprint(got) != "[m1 a1]" {
			t.Fatalf("ids=%v", got)
		}
	})
}

func TestMessageLogMarkRead(t *testing.T) {
	t.Parallel()

	l := NewMessageLog()
	l.Append(msg("a", livechat.SenderAgent, 0))
	l.Append(msg("s", livechat.SenderSystem, time.Second))
	l.Append(msg("v", livechat.SenderVisitor, 2*time.Second))

	if marked := l.MarkRead(); fmt.Sprint(marked) != "[a s]" {
		t.Fatalf("marked=%v", marked)
	}
	if marked := l.MarkRead(); len(marked) != 0 {
		t.Fatalf("second mark=%v", marked)
	}
}

func TestMessageLogReset(t *testing.T) {
	t.Parallel()

	l := NewMessageLog()
	l.Append(msg("a", livechat.SenderAgent, 0))
	l.Reset()
	if l.Len() != 0 {
		t.Fatalf("len=%d", l.Len())
	}
	if !l.Append(msg("a", livechat.SenderAgent, 0)) {
		t.Fatal("id still remembered after reset")
	}
}
