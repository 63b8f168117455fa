package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// FrameConn carries STOMP frames. WriteFrame(nil) sends a heart-beat.
type FrameConn interface {
	ReadFrame() (*frame.Frame, error)
	WriteFrame(f *frame.Frame) error
	Close() error
}

// DialFunc opens a FrameConn. header is sent with the WebSocket handshake.
type DialFunc func(ctx context.Context, url string, header http.Header) (FrameConn, error)

const handshakeTimeout = 15 * time.Second

var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// DialWebSocket opens a STOMP-over-WebSocket connection.
func DialWebSocket(ctx context.Context, url string, header http.Header) (FrameConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     stompSubprotocols,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: http %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return NewWebSocketConn(ws), nil
}

// wsConn decodes frames from WebSocket messages. A single message may hold
// several frames and heart-beats; each outgoing frame is one text message.
type wsConn struct {
	ws *websocket.Conn

	wmu sync.Mutex
	r   *frame.Reader
}

// NewWebSocketConn wraps an established WebSocket.
func NewWebSocketConn(ws *websocket.Conn) FrameConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadFrame() (*frame.Frame, error) {
	for {
		if c.r != nil {
			f, err := c.r.Read()
			if err == nil {
				if f == nil {
					continue
				}
				return f, nil
			}
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			c.r = nil
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.r = frame.NewReader(bytes.NewReader(data))
	}
}

func (c *wsConn) WriteFrame(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
