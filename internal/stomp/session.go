package stomp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"

	"crawl-progress-client/internal/logger"
	"crawl-progress-client/internal/transport"
)

var (
	// ErrNotConnected is returned when a frame is sent before CONNECTED or after teardown.
	ErrNotConnected = errors.New("stomp: session not connected")

	// ErrAlreadyConnected is returned when Connect is called twice on one session.
	ErrAlreadyConnected = errors.New("stomp: session already connected")

	// ErrDuplicateSubscription is returned when a subscription id is reused.
	ErrDuplicateSubscription = errors.New("stomp: subscription id already in use")
)

// MessageHandler receives MESSAGE frames for one subscription. It runs on the session's read goroutine.
type MessageHandler func(msg Message)

// Options configures a Session.
type Options struct {
	// Host is sent as the CONNECT host header (virtual host).
	Host string
	// HeartBeatOut is how often we can send heart-beats; HeartBeatIn is how often we want them.
	HeartBeatOut time.Duration
	HeartBeatIn  time.Duration
	// AuthErrorMessages lists ERROR frame message prefixes, matched case-insensitively, that mean
	// the broker rejected the credential. Nil means DefaultAuthErrorMessages; other ERROR frames
	// are protocol errors.
	AuthErrorMessages []string
	Logger            *logger.Logger
}

// Session is one STOMP conversation over one transport connection. It is not reusable:
// once Done is closed a new Session is needed.
type Session struct {
	conn   transport.Conn
	opts   Options
	logger *logger.Logger

	started   atomic.Bool
	connected atomic.Bool

	mu       sync.Mutex
	subs     map[string]MessageHandler
	receipts map[string]chan struct{}

	version      string
	server       string
	heartOut     time.Duration
	heartIn      time.Duration
	readTimeout  time.Duration
	stopHeartBit chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewSession wraps an open transport connection. Connect must be called before anything else.
func NewSession(conn transport.Conn, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	if opts.AuthErrorMessages == nil {
		opts.AuthErrorMessages = DefaultAuthErrorMessages
	}
	return &Session{
		conn:         conn,
		opts:         opts,
		logger:       log,
		subs:         make(map[string]MessageHandler),
		receipts:     make(map[string]chan struct{}),
		stopHeartBit: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Connect sends CONNECT with headers and waits for CONNECTED. On failure the transport is closed.
func (s *Session) Connect(ctx context.Context, headers map[string]string) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, acceptVersions,
		frame.HeartBeat, formatHeartBeat(s.opts.HeartBeatOut, s.opts.HeartBeatIn))
	if s.opts.Host != "" {
		f.Header.Set(frame.Host, s.opts.Host)
	}
	applyHeaders(f, headers, frame.AcceptVersion, frame.HeartBeat)

	if err := s.writeFrame(ctx, f); err != nil {
		s.shutdown(err)
		return err
	}

	reply, err := s.readFrame(ctx)
	if err != nil {
		s.shutdown(err)
		return err
	}

	switch reply.Command {
	case frame.CONNECTED:
	case frame.ERROR:
		err := errorFrameError(reply, s.opts.AuthErrorMessages)
		s.shutdown(err)
		return err
	default:
		err := &transport.ProtocolError{Reason: fmt.Sprintf("expected CONNECTED, got %s", reply.Command)}
		s.shutdown(err)
		return err
	}

	sx, sy, err := parseHeartBeat(reply.Header.Get(frame.HeartBeat))
	if err != nil {
		perr := &transport.ProtocolError{Reason: "bad CONNECTED frame", Err: err}
		s.shutdown(perr)
		return perr
	}

	s.version = reply.Header.Get(frame.Version)
	if s.version == "" {
		s.version = "1.0"
	}
	s.server = reply.Header.Get(frame.Server)
	s.heartOut = negotiate(s.opts.HeartBeatOut, sy)
	s.heartIn = negotiate(s.opts.HeartBeatIn, sx)
	if s.heartIn > 0 {
		s.readTimeout = 2 * s.heartIn
	}
	s.connected.Store(true)

	s.logger.Debug("stomp session connected",
		"version", s.version,
		"server", s.server,
		"heartbeatOut", s.heartOut.String(),
		"heartbeatIn", s.heartIn.String())

	go s.readLoop()
	if s.heartOut > 0 {
		go s.heartbeatLoop()
	}
	return nil
}

// Connected reports whether CONNECTED was received and the session has not ended.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Version returns the negotiated protocol version.
func (s *Session) Version() string {
	return s.version
}

// Done is closed when the session ends for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended; nil after a clean Disconnect or Close.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Send publishes body to destination.
func (s *Session) Send(ctx context.Context, destination string, headers map[string]string, body string) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	f := frame.New(frame.SEND, frame.Destination, destination)
	applyHeaders(f, headers, frame.Destination, frame.ContentLength)
	f.Body = []byte(body)
	return s.writeFrame(ctx, f)
}

// Subscribe registers handler under id and sends SUBSCRIBE with ack mode auto.
func (s *Session) Subscribe(ctx context.Context, id, destination string, headers map[string]string, handler MessageHandler) error {
	if !s.Connected() {
		return ErrNotConnected
	}

	s.mu.Lock()
	if _, exists := s.subs[id]; exists {
		s.mu.Unlock()
		return ErrDuplicateSubscription
	}
	s.subs[id] = handler
	s.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto")
	applyHeaders(f, headers, frame.Id, frame.Destination)

	if err := s.writeFrame(ctx, f); err != nil {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe removes the handler and, while connected, sends UNSUBSCRIBE. Unknown ids are ignored.
func (s *Session) Unsubscribe(ctx context.Context, id string) error {
	s.mu.Lock()
	_, exists := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if !exists || !s.Connected() {
		return nil
	}
	return s.writeFrame(ctx, frame.New(frame.UNSUBSCRIBE, frame.Id, id))
}

// Disconnect sends DISCONNECT with a receipt and waits for it until ctx expires, then closes.
func (s *Session) Disconnect(ctx context.Context) error {
	if !s.Connected() {
		return s.Close()
	}

	receiptID := uuid.NewString()
	wait := make(chan struct{})
	s.mu.Lock()
	s.receipts[receiptID] = wait
	s.mu.Unlock()

	if err := s.writeFrame(ctx, frame.New(frame.DISCONNECT, frame.Receipt, receiptID)); err != nil {
		return s.Close()
	}

	select {
	case <-wait:
	case <-s.done:
	case <-ctx.Done():
		s.logger.Debug("disconnect receipt not received", "error", ctx.Err())
	}
	return s.Close()
}

// Close ends the session without a DISCONNECT exchange.
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Session) readLoop() {
	for {
		ctx := context.Background()
		var cancel context.CancelFunc = func() {}
		if s.readTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, s.readTimeout)
		}
		data, err := s.conn.ReadMessage(ctx)
		cancel()
		if err != nil {
			s.shutdown(err)
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			s.shutdown(err)
			return
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			s.dispatch(f)
		case frame.RECEIPT:
			s.resolveReceipt(f.Header.Get(frame.ReceiptId))
		case frame.ERROR:
			s.shutdown(errorFrameError(f, s.opts.AuthErrorMessages))
			return
		default:
			s.logger.Debug("ignoring unexpected frame", "command", f.Command)
		}
	}
}

func (s *Session) dispatch(f *frame.Frame) {
	id := f.Header.Get(frame.Subscription)

	s.mu.Lock()
	handler := s.subs[id]
	s.mu.Unlock()

	msg := Message{
		Destination: f.Header.Get(frame.Destination),
		Body:        string(f.Body),
		Headers:     headerMap(f.Header),
	}
	if handler == nil {
		s.logger.Debug("message for unknown subscription dropped",
			"subscription", id,
			"destination", msg.Destination)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panic recovered",
				"subscription", id,
				"destination", msg.Destination,
				"panic", r)
		}
	}()
	handler(msg)
}

func (s *Session) resolveReceipt(id string) {
	s.mu.Lock()
	ch, ok := s.receipts[id]
	delete(s.receipts, id)
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.heartOut)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.heartOut)
			err := s.conn.WriteMessage(ctx, []byte("\n"))
			cancel()
			if err != nil {
				s.shutdown(err)
				return
			}
		case <-s.stopHeartBit:
			return
		}
	}
}

func (s *Session) writeFrame(ctx context.Context, f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return &transport.ProtocolError{Reason: "encode", Err: err}
	}
	if err := s.conn.WriteMessage(ctx, data); err != nil {
		if s.Connected() {
			s.shutdown(err)
		}
		return err
	}
	return nil
}

func (s *Session) readFrame(ctx context.Context) (*frame.Frame, error) {
	for {
		data, err := s.conn.ReadMessage(ctx)
		if err != nil {
			return nil, err
		}
		f, err := decodeFrame(data)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
	}
}

// shutdown ends the session once, recording err as the reason.
func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		s.connected.Store(false)
		close(s.stopHeartBit)
		_ = s.conn.Close()

		s.mu.Lock()
		for id, ch := range s.receipts {
			close(ch)
			delete(s.receipts, id)
		}
		s.subs = make(map[string]MessageHandler)
		s.mu.Unlock()

		close(s.done)
		if err != nil {
			s.logger.Debug("stomp session ended", "error", err)
		}
	})
}
