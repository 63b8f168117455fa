package livechat

import (
	"encoding/json"
	"time"
)

// SessionStatus is the server-side lifecycle status of a chat session.
type SessionStatus string

const (
	StatusWaiting     SessionStatus = "WAITING"
	StatusActive      SessionStatus = "ACTIVE"
	StatusOnHold      SessionStatus = "ON_HOLD"
	StatusTransferred SessionStatus = "TRANSFERRED"
	StatusClosed      SessionStatus = "CLOSED"
	StatusAbandoned   SessionStatus = "ABANDONED"
	StatusMissed      SessionStatus = "MISSED"
)

// Terminal reports whether no further transitions are accepted from s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusAbandoned, StatusMissed:
		return true
	}
	return false
}

// Writable reports whether the visitor may post messages in s.
func (s SessionStatus) Writable() bool {
	return s == StatusActive || s == StatusWaiting
}

var transitions = map[SessionStatus][]SessionStatus{
	StatusWaiting:     {StatusActive, StatusAbandoned, StatusMissed, StatusClosed},
	StatusActive:      {StatusOnHold, StatusTransferred, StatusClosed},
	StatusOnHold:      {StatusActive, StatusTransferred, StatusClosed},
	StatusTransferred: {StatusActive, StatusClosed},
}

// CanTransition reports whether from -> to is an edge of the session state machine.
// Terminal states have no outgoing edges.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SenderType identifies who authored a message or typing indicator.
type SenderType string

const (
	SenderVisitor SenderType = "VISITOR"
	SenderAgent   SenderType = "AGENT"
	SenderSystem  SenderType = "SYSTEM"
	SenderBot     SenderType = "BOT"
)

type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageImage  MessageType = "IMAGE"
	MessageFile   MessageType = "FILE"
	MessageSystem MessageType = "SYSTEM"
)

// ChatSession is the server's view of a visitor chat.
//
// QueuePosition is set iff Status is WAITING and EndedAt is set iff Status is
// terminal; call Normalize after decoding to enforce both.
type ChatSession struct {
	ID                string        `json:"id"`
	VisitorID         string        `json:"visitorId"`
	VisitorName       string        `json:"visitorName,omitempty"`
	VisitorEmail      string        `json:"visitorEmail,omitempty"`
	Department        string        `json:"department,omitempty"`
	AssignedAgentID   string        `json:"assignedAgentId,omitempty"`
	AssignedAgentName string        `json:"assignedAgentName,omitempty"`
	Status            SessionStatus `json:"status"`
	QueuePosition     *int          `json:"queuePosition,omitempty"`
	StartedAt         time.Time     `json:"startedAt"`
	LastActivityAt    time.Time     `json:"lastActivityAt"`
	EndedAt           *time.Time    `json:"endedAt,omitempty"`
	MessageCount      int           `json:"messageCount"`
	Rating            *int          `json:"rating,omitempty"`
	Feedback          string        `json:"feedback,omitempty"`
	RecentMessages    []ChatMessage `json:"recentMessages,omitempty"`
}

// Normalize enforces the QueuePosition and EndedAt invariants. A WAITING
// session without a position gets position 0 until queue info arrives.
func (s *ChatSession) Normalize(now time.Time) {
	if s.Status == StatusWaiting {
		if s.QueuePosition == nil {
			zero := 0
			s.QueuePosition = &zero
		}
	} else {
		s.QueuePosition = nil
	}
	if s.Status.Terminal() {
		if s.EndedAt == nil {
			t := now
			s.EndedAt = &t
		}
	} else {
		s.EndedAt = nil
	}
}

// Clone returns a deep copy of s without RecentMessages.
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	out := *s
	out.RecentMessages = nil
	if s.QueuePosition != nil {
		v := *s.QueuePosition
		out.QueuePosition = &v
	}
	if s.EndedAt != nil {
		v := *s.EndedAt
		out.EndedAt = &v
	}
	if s.Rating != nil {
		v := *s.Rating
		out.Rating = &v
	}
	return &out
}

type ChatMessage struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"sessionId"`
	SenderType  SenderType  `json:"senderType"`
	SenderID    string      `json:"senderId,omitempty"`
	SenderName  string      `json:"senderName,omitempty"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
	IsRead      bool        `json:"isRead"`
	Timestamp   time.Time   `json:"timestamp"`
}

// TypingIndicator is an ephemeral typing event; it is never stored.
type TypingIndicator struct {
	SessionID  string     `json:"sessionId"`
	SenderType SenderType `json:"senderType"`
	SenderName string     `json:"senderName,omitempty"`
	IsTyping   bool       `json:"isTyping"`
}

// QueueInfo is the visitor's place in line while a session is WAITING.
// EstimatedWaitTime is in seconds.
type QueueInfo struct {
	SessionID         string `json:"sessionId"`
	Position          int    `json:"position"`
	EstimatedWaitTime int    `json:"estimatedWaitTime"`
}

// EstimatedWait returns EstimatedWaitTime as a duration.
func (q QueueInfo) EstimatedWait() time.Duration {
	return time.Duration(q.EstimatedWaitTime) * time.Second
}

type EventType string

const (
	EventChatAssigned    EventType = "CHAT_ASSIGNED"
	EventChatTransferred EventType = "CHAT_TRANSFERRED"
	EventChatOnHold      EventType = "CHAT_ON_HOLD"
	EventChatResumed     EventType = "CHAT_RESUMED"
	EventChatEnded       EventType = "CHAT_ENDED"
	EventSessionUpdated  EventType = "SESSION_UPDATED"
)

// ChatEvent is a lifecycle frame from the events topic. Payload carries a
// full ChatSession for the session-changing event types.
type ChatEvent struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// Session decodes Payload as a ChatSession. It returns nil when the payload
// is absent or does not carry a session id.
func (e *ChatEvent) Session() (*ChatSession, error) {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil, nil
	}
	var s ChatSession
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, nil
	}
	return &s, nil
}
