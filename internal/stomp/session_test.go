package stomp

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawl-progress-client/internal/transport"
)

// pipeConn is an in-memory transport.Conn. The test plays the broker through toClient and fromClient.
type pipeConn struct {
	toClient   chan []byte
	fromClient chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		toClient:   make(chan []byte, 16),
		fromClient: make(chan []byte, 16),
		closed:     make(chan struct{}),
	}
}

func (c *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.toClient:
		return msg, nil
	case <-c.closed:
		return nil, &transport.NetworkError{Op: "read", Err: errors.New("closed")}
	case <-ctx.Done():
		return nil, &transport.NetworkError{Op: "read", Err: ctx.Err()}
	}
}

func (c *pipeConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return &transport.NetworkError{Op: "write", Err: errors.New("closed")}
	default:
	}
	select {
	case c.fromClient <- append([]byte(nil), data...):
		return nil
	case <-ctx.Done():
		return &transport.NetworkError{Op: "write", Err: ctx.Err()}
	}
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// send pushes a broker frame to the client.
func (c *pipeConn) send(t *testing.T, f *frame.Frame) {
	t.Helper()
	data, err := encodeFrame(f)
	require.NoError(t, err)
	c.toClient <- data
}

// next reads the next non-heart-beat frame the client wrote.
func (c *pipeConn) next(t *testing.T) *frame.Frame {
	t.Helper()
	for {
		select {
		case data := <-c.fromClient:
			f, err := decodeFrame(data)
			require.NoError(t, err)
			if f != nil {
				return f
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for client frame")
			return nil
		}
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// connectSession completes a CONNECT/CONNECTED exchange and returns the live session.
func connectSession(t *testing.T, conn *pipeConn, opts Options, connected ...string) *Session {
	t.Helper()
	s := NewSession(conn, opts)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Connect(testContext(t), map[string]string{"Authorization": "Bearer abc"})
	}()

	req := conn.next(t)
	require.Equal(t, frame.CONNECT, req.Command)
	conn.send(t, frame.New(frame.CONNECTED, append([]string{frame.Version, "1.2"}, connected...)...))

	require.NoError(t, <-errCh)
	return s
}

func TestSessionConnect(t *testing.T) {
	conn := newPipeConn()
	s := NewSession(conn, Options{Host: "progress", HeartBeatOut: 0, HeartBeatIn: 0})

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Connect(testContext(t), map[string]string{
			"Authorization":     "Bearer abc",
			frame.AcceptVersion: "9.9",
		})
	}()

	req := conn.next(t)
	assert.Equal(t, frame.CONNECT, req.Command)
	assert.Equal(t, acceptVersions, req.Header.Get(frame.AcceptVersion), "caller cannot override accept-version")
	assert.Equal(t, "progress", req.Header.Get(frame.Host))
	assert.Equal(t, "0,0", req.Header.Get(frame.HeartBeat))
	assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))

	conn.send(t, nil)
	conn.send(t, frame.New(frame.CONNECTED, frame.Version, "1.2", frame.Server, "test/1.0"))

	require.NoError(t, <-errCh)
	assert.True(t, s.Connected())
	assert.Equal(t, "1.2", s.Version())
	assert.Nil(t, s.Err())

	assert.ErrorIs(t, s.Connect(testContext(t), nil), ErrAlreadyConnected)
}

func TestSessionConnectFailures(t *testing.T) {
	tests := []struct {
		name  string
		reply *frame.Frame
		cause transport.Cause
	}{
		{
			name:  "auth error frame",
			reply: frame.New(frame.ERROR, frame.Message, "Unauthorized: bad credentials"),
			cause: transport.CauseAuth,
		},
		{
			name:  "generic error frame",
			reply: frame.New(frame.ERROR, frame.Message, "broker overloaded"),
			cause: transport.CauseProtocol,
		},
		{
			name:  "error frame mentioning a token",
			reply: frame.New(frame.ERROR, frame.Message, "Invalid token in destination header"),
			cause: transport.CauseProtocol,
		},
		{
			name:  "unexpected command",
			reply: frame.New(frame.RECEIPT, frame.ReceiptId, "x"),
			cause: transport.CauseProtocol,
		},
		{
			name:  "bad heart-beat",
			reply: frame.New(frame.CONNECTED, frame.HeartBeat, "soon"),
			cause: transport.CauseProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newPipeConn()
			s := NewSession(conn, Options{})

			errCh := make(chan error, 1)
			go func() { errCh <- s.Connect(testContext(t), nil) }()

			conn.next(t)
			conn.send(t, tt.reply)

			err := <-errCh
			require.Error(t, err)
			assert.Equal(t, tt.cause, transport.Classify(err))
			assert.False(t, s.Connected())
			assert.True(t, conn.isClosed())
			<-s.Done()
		})
	}
}

func TestSessionConnectTimeout(t *testing.T) {
	conn := newPipeConn()
	s := NewSession(conn, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Connect(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, transport.CauseNetwork, transport.Classify(err))
	assert.True(t, conn.isClosed())
}

func TestSessionSubscribeAndDispatch(t *testing.T) {
	conn := newPipeConn()
	s := connectSession(t, conn, Options{})
	defer s.Close()
	ctx := testContext(t)

	got := make(chan Message, 1)
	require.NoError(t, s.Subscribe(ctx, "sub-1", "/user/queue/progress", map[string]string{"selector": "x"}, func(msg Message) {
		got <- msg
	}))

	sub := conn.next(t)
	assert.Equal(t, frame.SUBSCRIBE, sub.Command)
	assert.Equal(t, "sub-1", sub.Header.Get(frame.Id))
	assert.Equal(t, "/user/queue/progress", sub.Header.Get(frame.Destination))
	assert.Equal(t, "auto", sub.Header.Get(frame.Ack))
	assert.Equal(t, "x", sub.Header.Get("selector"))

	assert.ErrorIs(t, s.Subscribe(ctx, "sub-1", "/topic/other", nil, func(Message) {}), ErrDuplicateSubscription)

	msg := frame.New(frame.MESSAGE,
		frame.Destination, "/user/queue/progress",
		frame.Subscription, "sub-1",
		frame.MessageId, "m-1")
	msg.Body = []byte(`{"status":"in_progress"}`)
	conn.send(t, msg)

	select {
	case m := <-got:
		assert.Equal(t, "/user/queue/progress", m.Destination)
		assert.Equal(t, `{"status":"in_progress"}`, m.Body)
		assert.Equal(t, "m-1", m.Headers[frame.MessageId])
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}

	require.NoError(t, s.Unsubscribe(ctx, "sub-1"))
	unsub := conn.next(t)
	assert.Equal(t, frame.UNSUBSCRIBE, unsub.Command)
	assert.Equal(t, "sub-1", unsub.Header.Get(frame.Id))

	assert.NoError(t, s.Unsubscribe(ctx, "sub-1"), "unsubscribe is idempotent")
}

func TestSessionHandlerPanicIsRecovered(t *testing.T) {
	conn := newPipeConn()
	s := connectSession(t, conn, Options{})
	defer s.Close()
	ctx := testContext(t)

	second := make(chan struct{}, 1)
	require.NoError(t, s.Subscribe(ctx, "boom", "/topic/a", nil, func(Message) { panic("handler bug") }))
	require.NoError(t, s.Subscribe(ctx, "ok", "/topic/b", nil, func(Message) { second <- struct{}{} }))
	conn.next(t)
	conn.next(t)

	conn.send(t, frame.New(frame.MESSAGE, frame.Destination, "/topic/a", frame.Subscription, "boom"))
	conn.send(t, frame.New(frame.MESSAGE, frame.Destination, "/topic/b", frame.Subscription, "ok"))

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop died after handler panic")
	}
	assert.True(t, s.Connected())
}

func TestSessionSend(t *testing.T) {
	conn := newPipeConn()
	s := connectSession(t, conn, Options{})
	defer s.Close()
	ctx := testContext(t)

	require.NoError(t, s.Send(ctx, "/app/jobs", map[string]string{frame.ContentType: "application/json"}, `{"id":1}`))

	f := conn.next(t)
	assert.Equal(t, frame.SEND, f.Command)
	assert.Equal(t, "/app/jobs", f.Header.Get(frame.Destination))
	assert.Equal(t, "application/json", f.Header.Get(frame.ContentType))
	assert.True(t, bytes.Equal([]byte(`{"id":1}`), f.Body))

	s.Close()
	assert.ErrorIs(t, s.Send(ctx, "/app/jobs", nil, "late"), ErrNotConnected)
	assert.ErrorIs(t, s.Subscribe(ctx, "x", "/topic/x", nil, func(Message) {}), ErrNotConnected)
}

func TestSessionBrokerErrorEndsSession(t *testing.T) {
	conn := newPipeConn()
	s := connectSession(t, conn, Options{})

	conn.send(t, frame.New(frame.ERROR, frame.Message, "malformed frame received"))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end on ERROR frame")
	}
	assert.False(t, s.Connected())
	assert.Equal(t, transport.CauseProtocol, transport.Classify(s.Err()))
}

func TestSessionTransportDropEndsSession(t *testing.T) {
	conn := newPipeConn()
	s := connectSession(t, conn, Options{})

	conn.Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end on transport close")
	}
	assert.Equal(t, transport.CauseNetwork, transport.Classify(s.Err()))
}

func TestSessionDisconnect(t *testing.T) {
	conn := newPipeConn()
	s := connectSession(t, conn, Options{})

	done := make(chan error, 1)
	go func() { done <- s.Disconnect(testContext(t)) }()

	f := conn.next(t)
	require.Equal(t, frame.DISCONNECT, f.Command)
	receipt := f.Header.Get(frame.Receipt)
	require.NotEmpty(t, receipt)
	conn.send(t, frame.New(frame.RECEIPT, frame.ReceiptId, receipt))

	require.NoError(t, <-done)
	assert.False(t, s.Connected())
	assert.Nil(t, s.Err(), "a requested disconnect is not a failure")
	assert.True(t, conn.isClosed())
}

func TestSessionDisconnectWithoutReceipt(t *testing.T) {
	conn := newPipeConn()
	s := connectSession(t, conn, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Disconnect(ctx))
	assert.True(t, conn.isClosed())
}

func TestSessionHeartBeats(t *testing.T) {
	conn := newPipeConn()
	s := connectSession(t, conn, Options{HeartBeatOut: 20 * time.Millisecond}, frame.HeartBeat, "0,20")
	defer s.Close()

	select {
	case data := <-conn.fromClient:
		assert.Equal(t, "\n", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("no heart-beat sent")
	}
}

func TestSessionMissedHeartBeats(t *testing.T) {
	conn := newPipeConn()
	s := connectSession(t, conn, Options{HeartBeatIn: 20 * time.Millisecond}, frame.HeartBeat, "20,0")

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session survived a silent broker")
	}
	assert.Equal(t, transport.CauseNetwork, transport.Classify(s.Err()))
}

func TestHeartBeatHelpers(t *testing.T) {
	tests := []struct {
		value   string
		x, y    time.Duration
		wantErr bool
	}{
		{value: "", x: 0, y: 0},
		{value: "0,0", x: 0, y: 0},
		{value: "10000, 5000", x: 10 * time.Second, y: 5 * time.Second},
		{value: "10", wantErr: true},
		{value: "-1,0", wantErr: true},
		{value: "a,b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			x, y, err := parseHeartBeat(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.x, x)
			assert.Equal(t, tt.y, y)
		})
	}

	assert.Equal(t, "10000,5000", formatHeartBeat(10*time.Second, 5*time.Second))
	assert.Equal(t, time.Duration(0), negotiate(0, time.Second))
	assert.Equal(t, 2*time.Second, negotiate(time.Second, 2*time.Second))
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		command string
		body    string
		wantErr bool
	}{
		{name: "heart-beat", data: "\n"},
		{name: "crlf heart-beat", data: "\r\n\r\n"},
		{name: "frame", data: "MESSAGE\ndestination:/topic/a\n\nhello\x00", command: frame.MESSAGE, body: "hello"},
		{name: "eol before frame", data: "\nMESSAGE\ndestination:/topic/a\nsubscription:1\n\n{\"status\":\"complete\"}\x00", command: frame.MESSAGE, body: `{"status":"complete"}`},
		{name: "crlf eols before frame", data: "\r\n\r\nCONNECTED\nversion:1.2\n\n\x00", command: frame.CONNECTED},
		{name: "eol after frame", data: "RECEIPT\nreceipt-id:7\n\n\x00\n", command: frame.RECEIPT},
		{name: "garbage", data: "NOTAFRAME", wantErr: true},
		{name: "eol before truncated frame", data: "\nMESSAGE\ndestination:/topic/a\n\nhello", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := decodeFrame([]byte(tt.data))
			if tt.wantErr {
				assert.Equal(t, transport.CauseProtocol, transport.Classify(err))
				return
			}
			require.NoError(t, err)
			if tt.command == "" {
				assert.Nil(t, f)
				return
			}
			require.NotNil(t, f)
			assert.Equal(t, tt.command, f.Command)
			assert.Equal(t, tt.body, string(f.Body))
		})
	}
}

func TestSessionConnectAcceptsEOLPrefixedReply(t *testing.T) {
	conn := newPipeConn()
	s := NewSession(conn, Options{})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(testContext(t), nil) }()

	conn.next(t)
	data, err := encodeFrame(frame.New(frame.CONNECTED, frame.Version, "1.2"))
	require.NoError(t, err)
	conn.toClient <- append([]byte("\n"), data...)

	require.NoError(t, <-errCh)
	assert.True(t, s.Connected())

	got := make(chan Message, 1)
	require.NoError(t, s.Subscribe(testContext(t), "sub-1", "/topic/progress", nil, func(msg Message) { got <- msg }))
	conn.next(t)

	msg := frame.New(frame.MESSAGE, frame.Destination, "/topic/progress", frame.Subscription, "sub-1", frame.MessageId, "1")
	msg.Body = []byte("payload")
	data, err = encodeFrame(msg)
	require.NoError(t, err)
	conn.toClient <- append([]byte("\n"), data...)

	select {
	case m := <-got:
		assert.Equal(t, "payload", m.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("EOL-prefixed message was not delivered")
	}
	require.NoError(t, s.Close())
}

func TestErrorFrameError(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		body     string
		prefixes []string
		cause    transport.Cause
	}{
		{name: "unauthorized", message: "Unauthorized", cause: transport.CauseAuth},
		{name: "rabbitmq access refused", message: "Access refused", body: "Access refused for user 'guest'", cause: transport.CauseAuth},
		{name: "activemq user name", message: "User name [bob] or password is invalid.", cause: transport.CauseAuth},
		{name: "token in text", message: "Invalid token in destination header", cause: transport.CauseProtocol},
		{name: "word starting with auth", message: "Authorship field too long", cause: transport.CauseProtocol},
		{name: "denied mid-sentence", message: "Session access denied: queue full", cause: transport.CauseProtocol},
		{name: "auth words only in body", message: "Bad CONNECT", body: "unauthorized", cause: transport.CauseProtocol},
		{name: "custom prefix", message: "E401 session expired", prefixes: []string{"e401"}, cause: transport.CauseAuth},
		{name: "custom list replaces defaults", message: "Unauthorized", prefixes: []string{"e401"}, cause: transport.CauseProtocol},
		{name: "empty list disables auth", message: "Unauthorized", prefixes: []string{}, cause: transport.CauseProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := frame.New(frame.ERROR, frame.Message, tt.message)
			f.Body = []byte(tt.body)

			prefixes := tt.prefixes
			if prefixes == nil {
				prefixes = DefaultAuthErrorMessages
			}
			err := errorFrameError(f, prefixes)
			assert.Equal(t, tt.cause, transport.Classify(err))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestSessionUsesConfiguredAuthMessages(t *testing.T) {
	conn := newPipeConn()
	s := NewSession(conn, Options{AuthErrorMessages: []string{"E401"}})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(testContext(t), nil) }()

	conn.next(t)
	conn.send(t, frame.New(frame.ERROR, frame.Message, "e401 token expired"))

	err := <-errCh
	assert.Equal(t, transport.CauseAuth, transport.Classify(err))
	assert.False(t, transport.IsRetryable(err))
}
