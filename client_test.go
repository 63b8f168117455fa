package livechat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStartSessionAddsBearerHeader(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		if r.URL.Path != "/api/chat/sessions/start" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer wk_test" {
			t.Errorf("auth=%q", got)
		}
		var body StartSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body.VisitorID != "v1" || body.InitialMessage != "Help" || body.VisitorName != "Ann" {
			t.Errorf("body=%+v", body)
		}
		_ = json.NewEncoder(w).Encode(ChatSession{
			ID:        "s1",
			VisitorID: "v1",
			Status:    StatusWaiting,
			RecentMessages: []ChatMessage{
				{ID: "m1", SessionID: "s1", SenderType: SenderSystem, Content: "Welcome"},
			},
		})
	}))
	t.Cleanup(server.Close)

	c, err := NewWithAPIKey(server.URL+"/api/chat/", "wk_test")
	if err != nil {
		t.Fatal(err)
	}
	s, err := c.StartSession(context.Background(), &StartSessionRequest{
		VisitorID:      "v1",
		VisitorName:    "Ann",
		InitialMessage: "Help",
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "s1" || s.Status != StatusWaiting {
		t.Fatalf("session=%+v", s)
	}
	if len(s.RecentMessages) != 1 || s.RecentMessages[0].ID != "m1" {
		t.Fatalf("recent=%+v", s.RecentMessages)
	}
}

func TestStartSessionConflict(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"open session","sessionId":"s9"}`))
	}))
	t.Cleanup(server.Close)

	c, err := New(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.StartSession(context.Background(), &StartSessionRequest{VisitorID: "v1"})
	var conflict *SessionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err=%v", err)
	}
	if conflict.SessionID != "s9" {
		t.Fatalf("session_id=%s", conflict.SessionID)
	}
}

func TestSendVisitorMessage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/s1/messages/visitor" {
			t.Errorf("path=%s", r.URL.Path)
		}
		var body SendVisitorMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body.Content != "hello" || body.MessageType != MessageText || body.SessionID != "s1" {
			t.Errorf("body=%+v", body)
		}
		_ = json.NewEncoder(w).Encode(ChatMessage{
			ID:         "m7",
			SessionID:  "s1",
			SenderType: SenderVisitor,
			Content:    body.Content,
			Timestamp:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	}))
	t.Cleanup(server.Close)

	c, err := New(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := c.SendVisitorMessage(context.Background(), "s1", &SendVisitorMessageRequest{
		SessionID:   "s1",
		VisitorID:   "v1",
		Content:     "hello",
		MessageType: MessageText,
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "m7" {
		t.Fatalf("id=%s", msg.ID)
	}
}

func TestMarkReadSendsVisitorQuery(t *testing.T) {
	t.Parallel()

	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions/s1/read" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		gotQuery = r.URL.Query().Get("visitorId")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	c, err := New(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.MarkRead(context.Background(), "s1", "v 1"); err != nil {
		t.Fatal(err)
	}
	if gotQuery != "v 1" {
		t.Fatalf("visitorId=%q", gotQuery)
	}
}

func TestSessionByVisitorNotFound(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	c, err := New(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	s, err := c.SessionByVisitor(context.Background(), "v1")
	if err != nil {
		t.Fatal(err)
	}
	if s != nil {
		t.Fatalf("session=%+v", s)
	}
}

func TestSessionByVisitorServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	c, err := New(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.SessionByVisitor(context.Background(), "v1")
	if StatusCode(err) != http.StatusInternalServerError {
		t.Fatalf("err=%v", err)
	}
}

func TestEndSession(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body EndSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body.EndedBy != SenderVisitor || body.Rating == nil || *body.Rating != 5 || body.Feedback != "great" {
			t.Errorf("body=%+v", body)
		}
		_ = json.NewEncoder(w).Encode(ChatSession{ID: "s1", Status: StatusClosed})
	}))
	t.Cleanup(server.Close)

	c, err := New(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	rating := 5
	s, err := c.EndSession(context.Background(), "s1", &EndSessionRequest{
		SessionID: "s1",
		EndedBy:   SenderVisitor,
		Rating:    &rating,
		Feedback:  "great",
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusClosed {
		t.Fatalf("status=%s", s.Status)
	}
}
