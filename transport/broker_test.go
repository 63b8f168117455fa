package transport

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// testBroker is a minimal STOMP broker: it answers CONNECT, records every
// client frame and fans MESSAGE frames out to matching subscriptions.
type testBroker struct {
	t      *testing.T
	server *httptest.Server

	frames     chan *frame.Frame
	connects   chan *frame.Frame
	handshakes chan http.Header

	mu    sync.Mutex
	conns []*brokerConn
}

type brokerConn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	mu   sync.Mutex
	subs map[string]string // id -> destination
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()

	b := &testBroker{
		t:          t,
		frames:     make(chan *frame.Frame, 256),
		connects:   make(chan *frame.Frame, 16),
		handshakes: make(chan http.Header, 16),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(*http.Request) bool { return true },
		Subprotocols: stompSubprotocols,
	}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.handshakes <- r.Header.Clone()
		bc := &brokerConn{ws: ws, subs: map[string]string{}}
		b.mu.Lock()
		b.conns = append(b.conns, bc)
		b.mu.Unlock()
		b.serve(bc)
	}))
	t.Cleanup(func() {
		b.dropAll()
		b.server.Close()
	})
	return b
}

func (b *testBroker) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
}

func (b *testBroker) serve(bc *brokerConn) {
	defer bc.ws.Close()
	for {
		_, data, err := bc.ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err != nil || f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			b.connects <- f
			_ = bc.write(frame.New(frame.CONNECTED, frame.Version, "1.2"))
			continue
		case frame.SUBSCRIBE:
			bc.mu.Lock()
			bc.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
			bc.mu.Unlock()
		case frame.UNSUBSCRIBE:
			bc.mu.Lock()
			delete(bc.subs, f.Header.Get(frame.Id))
			bc.mu.Unlock()
		}
		b.frames <- f
	}
}

func (bc *brokerConn) write(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	bc.wmu.Lock()
	defer bc.wmu.Unlock()
	return bc.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// publish sends body to every subscription on dest and returns how many matched.
func (b *testBroker) publish(dest string, body string) int {
	b.mu.Lock()
	conns := append([]*brokerConn(nil), b.conns...)
	b.mu.Unlock()

	n := 0
	for _, bc := range conns {
		bc.mu.Lock()
		var ids []string
		for id, d := range bc.subs {
			if d == dest {
				ids = append(ids, id)
			}
		}
		bc.mu.Unlock()
		for _, id := range ids {
			f := frame.New(frame.MESSAGE,
				frame.Destination, dest,
				frame.Subscription, id,
				frame.MessageId, fmt.Sprintf("msg-%d", n),
			)
			f.Body = []byte(body)
			if bc.write(f) == nil {
				n++
			}
		}
	}
	return n
}

func (b *testBroker) dropAll() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, bc := range conns {
		_ = bc.ws.Close()
	}
}

// expect returns the next client frame after the handshake.
func (b *testBroker) expect(command string) *frame.Frame {
	b.t.Helper()
	select {
	case f := <-b.frames:
		if f.Command != command {
			b.t.Fatalf("frame=%s, want %s", f.Command, command)
		}
		return f
	case <-time.After(3 * time.Second):
		b.t.Fatalf("timed out waiting for %s", command)
		return nil
	}
}

func (b *testBroker) expectConnect() *frame.Frame {
	b.t.Helper()
	select {
	case f := <-b.connects:
		return f
	case <-time.After(3 * time.Second):
		b.t.Fatal("timed out waiting for CONNECT")
		return nil
	}
}

func (b *testBroker) expectHandshake() http.Header {
	b.t.Helper()
	select {
	case h := <-b.handshakes:
		return h
	case <-time.After(3 * time.Second):
		b.t.Fatal("timed out waiting for handshake")
		return nil
	}
}
