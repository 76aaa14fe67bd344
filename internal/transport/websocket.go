package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer opens plain WebSocket connections.
type WebSocketDialer struct {
	opts Options
}

// NewWebSocketDialer creates a dialer for raw WebSocket endpoints
func NewWebSocketDialer(opts Options) *WebSocketDialer {
	return &WebSocketDialer{opts: opts.withDefaults()}
}

// Name returns the transport name used in configuration and logs
func (d *WebSocketDialer) Name() string {
	return "websocket"
}

// Dial performs the WebSocket upgrade, sending header with the handshake request.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	return d.dial(ctx, u.String(), header)
}

func (d *WebSocketDialer) dial(ctx context.Context, target string, header http.Header) (*wsConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.opts.HandshakeTimeout,
		TLSClientConfig:  d.opts.TLSConfig,
		Subprotocols:     d.opts.Subprotocols,
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, handshakeError(resp, err)
	}
	conn.SetReadLimit(d.opts.ReadLimit)

	return &wsConn{conn: conn}, nil
}

// handshakeError tags a failed upgrade. 401 and 403 mean the credential was refused.
func handshakeError(resp *http.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthError{StatusCode: resp.StatusCode, Err: err}
		}
		if errors.Is(err, websocket.ErrBadHandshake) {
			return &ProtocolError{
				Reason: fmt.Sprintf("websocket upgrade refused with status %d", resp.StatusCode),
				Err:    err,
			}
		}
	}
	return &NetworkError{Op: "websocket dial", Err: err}
}

// wsConn adapts *websocket.Conn to Conn. gorilla allows one concurrent writer, so writes are serialized.
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Op: "websocket read", Err: err}
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, wrapNetwork("websocket read", err)
	}
	// Cancellation expires the deadline so the blocked read returns. gorilla fails every read after
	// that, so a cancelled read ends the connection.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &NetworkError{Op: "websocket read", Err: ctxErr}
		}
		return nil, wrapNetwork("websocket read", err)
	}
	return data, nil
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return &NetworkError{Op: "websocket write", Err: err}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return wrapNetwork("websocket write", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return wrapNetwork("websocket write", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing connection")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
