package livechat

import (
	"context"
	"encoding/json"
	"net/http"
)

// StartSessionRequest is sent to POST /sessions/start.
type StartSessionRequest struct {
	VisitorID      string `json:"visitorId"`
	VisitorName    string `json:"visitorName,omitempty"`
	VisitorEmail   string `json:"visitorEmail,omitempty"`
	Department     string `json:"department,omitempty"`
	PageURL        string `json:"pageUrl"`
	PageTitle      string `json:"pageTitle"`
	InitialMessage string `json:"initialMessage,omitempty"`
}

// SessionConflictError is returned when the server already holds an open
// session for the visitor.
type SessionConflictError struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

func (e *SessionConflictError) Error() string {
	if e.SessionID != "" {
		return "livechat: visitor already has session " + e.SessionID
	}
	if e.Message != "" {
		return "livechat: " + e.Message
	}
	return "livechat: visitor already has an open session"
}

// StartSession creates a chat session. The returned session may carry
// RecentMessages.
func (c *Client) StartSession(ctx context.Context, req *StartSessionRequest) (*ChatSession, error) {
	resp, err := c.doRaw(ctx, http.MethodPost, "/sessions/start", "application/json", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusConflict {
		var conflict SessionConflictError
		if err := json.Unmarshal(data, &conflict); err == nil {
			return nil, &conflict
		}
		return nil, &apiError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out ChatSession
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendVisitorMessageRequest is sent to POST /sessions/{id}/messages/visitor.
type SendVisitorMessageRequest struct {
	SessionID   string      `json:"sessionId"`
	VisitorID   string      `json:"visitorId"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
}

func (c *Client) SendVisitorMessage(ctx context.Context, sessionID string, req *SendVisitorMessageRequest) (*ChatMessage, error) {
	var out ChatMessage
	if err := c.post(ctx, "/sessions/"+urlPathEscape(sessionID)+"/messages/visitor", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSessionRequest is sent to POST /sessions/{id}/end.
type EndSessionRequest struct {
	SessionID string     `json:"sessionId"`
	EndedBy   SenderType `json:"endedBy"`
	Rating    *int       `json:"rating,omitempty"`
	Feedback  string     `json:"feedback,omitempty"`
}

func (c *Client) EndSession(ctx context.Context, sessionID string, req *EndSessionRequest) (*ChatSession, error) {
	var out ChatSession
	if err := c.post(ctx, "/sessions/"+urlPathEscape(sessionID)+"/end", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead tells the server the visitor has seen every agent message in the session.
//
// POST /sessions/{id}/read?visitorId=...
func (c *Client) MarkRead(ctx context.Context, sessionID, visitorID string) error {
	path := "/sessions/" + urlPathEscape(sessionID) + "/read?visitorId=" + urlQueryEscape(visitorID)
	return c.post(ctx, path, nil, nil)
}

// SessionByVisitor returns the visitor's current session, or nil when the
// server has none (404 or an empty body).
func (c *Client) SessionByVisitor(ctx context.Context, visitorID string) (*ChatSession, error) {
	var out ChatSession
	if err := c.get(ctx, "/sessions/visitor/"+urlPathEscape(visitorID), &out); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if out.ID == "" {
		return nil, nil
	}
	return &out, nil
}
