// Package wsbridge carries bridge frames over a WebSocket connection, the
// usual link between a browser-hosted Content Surface and the host.
package wsbridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/liveedit/bridge"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 5 * time.Second

// Upgrader is used by Upgrade. Origin checks are left to the router's
// middleware stack.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn adapts a websocket connection to bridge.Transport. Recv must be
// called from a single goroutine; Send may be called concurrently.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ bridge.Transport = (*Conn)(nil)

// New wraps an established connection.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, writeTimeout: DefaultWriteTimeout, closed: make(chan struct{})}
}

// Upgrade upgrades an HTTP request and wraps the connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: upgrade: %w", err)
	}
	return New(ws), nil
}

// Dial connects to a host endpoint such as ws://localhost:8080/ws/home.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dial %s: %w", url, err)
	}
	return New(ws), nil
}

// Send writes one text frame.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return bridge.ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", bridge.ErrClosed, err)
	}
	return nil
}

// Recv blocks for the next frame. Any read failure ends the connection and
// is reported as bridge.ErrClosed.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", bridge.ErrClosed, err)
	}
	return data, nil
}

// Close sends a close frame and closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.wmu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}
