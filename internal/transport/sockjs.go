package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// SockJSDialer speaks the SockJS WebSocket transport: {base}/{server}/{session}/websocket,
// with the server sending o, h, a[...], m"..." and c[code,reason] frames.
type SockJSDialer struct {
	ws        *WebSocketDialer
	opts      Options
	sessionID func() string
	serverID  func() string
}

// NewSockJSDialer creates a dialer for SockJS endpoints
func NewSockJSDialer(opts Options) *SockJSDialer {
	opts = opts.withDefaults()
	// SockJS servers do not negotiate STOMP subprotocols on the session endpoint.
	wsOpts := opts
	wsOpts.Subprotocols = []string{}
	return &SockJSDialer{
		ws:        NewWebSocketDialer(wsOpts),
		opts:      opts,
		sessionID: uuid.NewString,
		serverID: func() string {
			return fmt.Sprintf("%03d", rand.Intn(1000))
		},
	}
}

// Name returns the transport name used in configuration and logs
func (d *SockJSDialer) Name() string {
	return "sockjs"
}

// Dial opens a SockJS session and waits for the server's open frame.
func (d *SockJSDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	base, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	ws, err := d.ws.dial(ctx, SockJSURL(base, d.serverID(), d.sessionID()), header)
	if err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	defer cancel()

	first, err := ws.ReadMessage(openCtx)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if string(first) != "o" {
		_ = ws.Close()
		return nil, &ProtocolError{Reason: fmt.Sprintf("expected sockjs open frame, got %q", truncate(first, 32))}
	}

	return &sockJSConn{ws: ws}, nil
}

// SockJSURL builds the session endpoint for a SockJS base URL.
func SockJSURL(base *url.URL, server, session string) string {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + server + "/" + session + "/websocket"
	return u.String()
}

// sockJSConn unwraps SockJS framing. Only one goroutine may read at a time.
type sockJSConn struct {
	ws      *wsConn
	pending []string
}

func (c *sockJSConn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if len(c.pending) > 0 {
			msg := c.pending[0]
			c.pending = c.pending[1:]
			return []byte(msg), nil
		}

		raw, err := c.ws.ReadMessage(ctx)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			continue
		}

		switch raw[0] {
		case 'o', 'h':
			continue
		case 'a':
			var msgs []string
			if err := json.Unmarshal(raw[1:], &msgs); err != nil {
				return nil, &ProtocolError{Reason: "malformed sockjs array frame", Err: err}
			}
			c.pending = append(c.pending, msgs...)
		case 'm':
			var msg string
			if err := json.Unmarshal(raw[1:], &msg); err != nil {
				return nil, &ProtocolError{Reason: "malformed sockjs message frame", Err: err}
			}
			return []byte(msg), nil
		case 'c':
			return nil, closeFrameError(raw[1:])
		default:
			return nil, &ProtocolError{Reason: fmt.Sprintf("unknown sockjs frame type %q", raw[0])}
		}
	}
}

func (c *sockJSConn) WriteMessage(ctx context.Context, data []byte) error {
	payload, err := json.Marshal([]string{string(data)})
	if err != nil {
		return &ProtocolError{Reason: "failed to encode sockjs frame", Err: err}
	}
	return c.ws.WriteMessage(ctx, payload)
}

func (c *sockJSConn) Close() error {
	return c.ws.Close()
}

// closeFrameError converts c[code,"reason"] into a NetworkError.
func closeFrameError(body []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil || len(parts) != 2 {
		return &ProtocolError{Reason: "malformed sockjs close frame"}
	}
	var code int
	var reason string
	_ = json.Unmarshal(parts[0], &code)
	_ = json.Unmarshal(parts[1], &reason)
	return &NetworkError{Op: "sockjs read", Err: fmt.Errorf("session closed by server: %d %s", code, reason)}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
