package chat

import (
	"slices"

	livechat "github.com/qahhor/FREE-SERICE-DESK-sub000"
)

// MessageLog is the ordered, deduplicated message sequence of one session.
// It is not safe for concurrent use; the Controller serializes access.
type MessageLog struct {
	messages []livechat.ChatMessage
	ids      map[string]struct{}
}

func NewMessageLog() *MessageLog {
	return &MessageLog{ids: make(map[string]struct{})}
}

// Append adds m at the end unless a message with the same id is already
// present, in which case the existing entry wins. Order is arrival order;
// timestamps are never used to reorder.
func (l *MessageLog) Append(m livechat.ChatMessage) bool {
	if m.ID == "" {
		return false
	}
	if _, ok := l.ids[m.ID]; ok {
		return false
	}
	l.messages = append(l.messages, m)
	l.ids[m.ID] = struct{}{}
	return true
}

// Confirm swaps the optimistic entry localID for the server's copy of the
// same message, keeping its position. If the server copy already arrived
// (echo raced the send response), the optimistic entry is simply dropped.
func (l *MessageLog) Confirm(localID string, m livechat.ChatMessage) {
	i := l.indexOf(localID)
	if i < 0 {
		l.Append(m)
		return
	}
	delete(l.ids, localID)
	if _, ok := l.ids[m.ID]; ok || m.ID == "" {
		l.messages = slices.Delete(l.messages, i, i+1)
		return
	}
	l.messages[i] = m
	l.ids[m.ID] = struct{}{}
}

// MarkRead flags every unread AGENT and SYSTEM message as read and returns
// their ids. A second call returns nothing.
func (l *MessageLog) MarkRead() []string {
	var marked []string
	for i := range l.messages {
		m := &l.messages[i]
		if m.IsRead {
			continue
		}
		if m.SenderType == livechat.SenderAgent || m.SenderType == livechat.SenderSystem {
			m.IsRead = true
			marked = append(marked, m.ID)
		}
	}
	return marked
}

func (l *MessageLog) Messages() []livechat.ChatMessage {
	return slices.Clone(l.messages)
}

func (l *MessageLog) Len() int {
	return len(l.messages)
}

func (l *MessageLog) Reset() {
	l.messages = nil
	clear(l.ids)
}

func (l *MessageLog) indexOf(id string) int {
	return slices.IndexFunc(l.messages, func(m livechat.ChatMessage) bool { return m.ID == id })
}
