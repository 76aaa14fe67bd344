package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"crawl-progress-client/internal/credentials"
	"crawl-progress-client/internal/logger"
	"crawl-progress-client/internal/metrics"
	"crawl-progress-client/internal/stats"
	"crawl-progress-client/internal/stomp"
	"crawl-progress-client/internal/transport"
)

// Message is a message delivered to a subscription.
type Message = stomp.Message

// Session is an established STOMP session. *stomp.Session implements it.
type Session interface {
	Send(ctx context.Context, destination string, headers map[string]string, body string) error
	Subscribe(ctx context.Context, id, destination string, headers map[string]string, handler stomp.MessageHandler) error
	Unsubscribe(ctx context.Context, id string) error
	Disconnect(ctx context.Context) error
	Close() error
	Done() <-chan struct{}
	Err() error
}

// Connector opens a transport to url and completes the STOMP handshake.
type Connector interface {
	Connect(ctx context.Context, url string, header http.Header) (Session, error)
}

// StateListener is notified after every transition, outside the manager lock.
type StateListener func(from, to State, err error)

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultDisconnectTimeout = 2 * time.Second
)

// Options configures a Manager.
type Options struct {
	Connector   Connector
	Credentials credentials.Provider
	Policy      ReconnectPolicy
	Outbound    OutboundPolicy

	// HandshakeTimeout bounds transport dial plus CONNECT/CONNECTED.
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	DisconnectTimeout time.Duration

	Clock   Clock
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Stats   *stats.StatsCollector
}

// Manager owns one logical connection and reconnects it with backoff. All methods are
// safe for concurrent use; events are applied to the state machine one at a time.
type Manager struct {
	opts    Options
	logger  *logger.Logger
	clock   Clock
	metrics *metrics.Metrics
	stats   *stats.StatsCollector

	mu         sync.Mutex
	machine    *Machine
	session    Session
	timer      Timer
	cancelDial context.CancelFunc
	registry   *registry
	outbox     *outbox
	listeners  []StateListener
	lastErr    error
}

// New creates a Manager in the Uninstantiated state. Connector is required.
func New(opts Options) (*Manager, error) {
	if opts.Connector == nil {
		return nil, errors.New("connection: connector is required")
	}
	if opts.Credentials == nil {
		opts.Credentials = credentials.Static("")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = defaultDisconnectTimeout
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}

	return &Manager{
		opts:     opts,
		logger:   log,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		stats:    opts.Stats,
		machine:  NewMachine(opts.Policy),
		registry: newRegistry(),
		outbox:   newOutbox(opts.Outbound.Limit),
	}, nil
}

// Connect starts connecting to url in the background. It is a no-op while connecting or open,
// and fails with ErrRetriesExhausted once the retry ceiling was hit until Disconnect is called.
func (m *Manager) Connect(url string) error {
	if _, err := transport.NormalizeURL(url); err != nil {
		return err
	}
	return m.handle(ConnectRequested{URL: url}, nil)
}

// Disconnect cancels any pending reconnect, closes the session and resets the attempt counter.
// It returns once the session is closed.
func (m *Manager) Disconnect() {
	_ = m.handle(DisconnectRequested{}, nil)
}

// Send publishes body to destination. Outside Open the message is queued or dropped
// according to the outbound policy; a drop returns a *NotOpenError.
func (m *Manager) Send(destination, body string, headers map[string]string) error {
	m.mu.Lock()
	state := m.machine.State()
	sess := m.session
	if state != Open || sess == nil {
		if m.opts.Outbound.Queue {
			evicted := m.outbox.push(outboundMessage{destination: destination, body: body, headers: headers})
			depth := m.outbox.len()
			m.mu.Unlock()

			m.countOutbound("queued")
			if m.stats != nil {
				m.stats.IncQueued()
			}
			if evicted {
				m.countOutbound("dropped")
				if m.stats != nil {
					m.stats.IncDropped()
				}
				m.logger.Warn("outbox full, dropped oldest message", "limit", m.outbox.limit)
			}
			if m.metrics != nil {
				m.metrics.SetOutboxDepth(depth)
			}
			m.logger.Debug("message queued until connection opens",
				"destination", destination,
				"state", state.String())
			return nil
		}
		m.mu.Unlock()

		m.countOutbound("dropped")
		if m.stats != nil {
			m.stats.IncDropped()
		}
		m.logger.Warn("dropping message, connection not open",
			"destination", destination,
			"state", state.String())
		return &NotOpenError{State: state, Op: "send"}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
	defer cancel()
	if err := sess.Send(ctx, destination, headers, body); err != nil {
		m.countOutbound("error")
		if m.stats != nil {
			m.stats.IncErrors()
		}
		m.logger.Error("failed to send message", "destination", destination, "error", err)
		return fmt.Errorf("send to %s: %w", destination, err)
	}
	m.countOutbound("sent")
	if m.stats != nil {
		m.stats.IncSent()
	}
	return nil
}

// Subscribe registers handler for destination on the open session. The subscription ends
// with the session; it returns ErrNotOpen outside Open.
func (m *Manager) Subscribe(destination string, handler MessageHandler, headers map[string]string) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("connection: nil message handler")
	}

	m.mu.Lock()
	state := m.machine.State()
	sess := m.session
	if state != Open || sess == nil {
		m.mu.Unlock()
		m.logger.Warn("subscribe ignored, connection not open",
			"destination", destination,
			"state", state.String())
		return nil, &NotOpenError{State: state, Op: "subscribe"}
	}
	sub := m.newSubscription(destination, handler, headers, false)
	m.registry.add(sub)
	m.updateSubscriptionGauge()
	m.mu.Unlock()

	if err := m.subscribeOn(sess, sub); err != nil {
		m.mu.Lock()
		m.registry.remove(sub.ID)
		m.updateSubscriptionGauge()
		m.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// SubscribeDurable registers handler for destination in any state. The subscription is
// sent on every session the manager opens until Unsubscribe.
func (m *Manager) SubscribeDurable(destination string, handler MessageHandler, headers map[string]string) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("connection: nil message handler")
	}
	if destination == "" {
		return nil, errors.New("connection: empty destination")
	}

	m.mu.Lock()
	sub := m.newSubscription(destination, handler, headers, true)
	m.registry.add(sub)
	m.updateSubscriptionGauge()
	var sess Session
	if m.machine.State() == Open {
		sess = m.session
	}
	m.mu.Unlock()

	if sess != nil {
		if err := m.subscribeOn(sess, sub); err != nil {
			m.logger.Warn("durable subscription will be retried on next session",
				"destination", destination,
				"error", err)
		}
	}
	return sub, nil
}

// Unsubscribe stops delivery for sub. Unknown or already removed subscriptions are ignored.
func (m *Manager) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}

	m.mu.Lock()
	_, ok := m.registry.remove(sub.ID)
	m.updateSubscriptionGauge()
	var sess Session
	if m.machine.State() == Open {
		sess = m.session
	}
	m.mu.Unlock()

	if !ok || sess == nil || !sub.live.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
	defer cancel()
	if err := sess.Unsubscribe(ctx, sub.ID); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.Destination, err)
	}
	return nil
}

// OnStateChange registers fn to be called after each transition.
func (m *Manager) OnStateChange(fn StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.State()
}

func (m *Manager) Status() string {
	return m.State().Status()
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.Attempts()
}

// Subscriptions lists registered subscriptions in registration order.
func (m *Manager) Subscriptions() []SubscriptionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.info()
}

// Snapshot is the manager's state as reported by the status endpoint.
type Snapshot struct {
	State            string             `json:"state"`
	Status           string             `json:"status"`
	URL              string             `json:"url,omitempty"`
	Attempts         int                `json:"attempts"`
	MaxAttempts      int                `json:"max_attempts"`
	Halted           bool               `json:"halted"`
	ReconnectPending bool               `json:"reconnect_pending"`
	OutboxDepth      int                `json:"outbox_depth"`
	LastError        string             `json:"last_error,omitempty"`
	Subscriptions    []SubscriptionInfo `json:"subscriptions"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		State:            m.machine.State().String(),
		Status:           m.machine.State().Status(),
		URL:              m.machine.URL(),
		Attempts:         m.machine.Attempts(),
		MaxAttempts:      m.machine.Policy().MaxAttempts,
		Halted:           m.machine.Halted(),
		ReconnectPending: m.machine.ReconnectPending(),
		OutboxDepth:      m.outbox.len(),
		Subscriptions:    m.registry.info(),
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	return snap
}

// attempt is a finished handshake waiting to be adopted.
type attempt struct {
	generation uint64
	session    Session
}

// handle feeds ev to the machine under the lock, then runs deferred work unlocked.
func (m *Manager) handle(ev Event, done *attempt) error {
	m.mu.Lock()
	effects := m.machine.Handle(ev)

	if done != nil && done.session != nil && len(effects) == 0 {
		m.mu.Unlock()
		m.logger.Debug("discarding stale session", "generation", done.generation)
		_ = done.session.Close()
		return nil
	}

	post, err := m.apply(ev, effects, done)
	m.mu.Unlock()

	for _, fn := range post {
		fn()
	}
	return err
}

// apply carries out effects with the lock held and returns work that must run without it.
func (m *Manager) apply(ev Event, effects []Effect, done *attempt) ([]func(), error) {
	var post []func()
	var result error

	for _, eff := range effects {
		switch e := eff.(type) {
		case StateChanged:
			post = append(post, m.stateChanged(e, done)...)

		case Dial:
			if _, ok := ev.(TimerFired); ok {
				if m.metrics != nil {
					m.metrics.IncReconnects()
				}
				if m.stats != nil {
					m.stats.IncReconnects()
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.HandshakeTimeout)
			m.cancelDial = cancel
			dial := e
			post = append(post, func() { go m.dial(ctx, cancel, dial) })

		case AbortDial:
			if m.cancelDial != nil {
				m.cancelDial()
				m.cancelDial = nil
			}

		case CloseSession:
			sess := m.session
			m.session = nil
			graceful := e.Graceful
			post = append(post, func() {
				if sess != nil {
					if graceful {
						ctx, cancel := context.WithTimeout(context.Background(), m.opts.DisconnectTimeout)
						_ = sess.Disconnect(ctx)
						cancel()
					} else {
						_ = sess.Close()
					}
				}
				_ = m.handle(SessionClosed{}, nil)
			})

		case ScheduleReconnect:
			token := e.Token
			m.timer = m.clock.AfterFunc(e.Delay, func() {
				_ = m.handle(TimerFired{Token: token}, nil)
			})
			if m.metrics != nil {
				m.metrics.ObserveBackoffDelay(e.Delay)
			}
			m.logger.Info("scheduling reconnect",
				"url", e.URL,
				"attempt", e.Attempt,
				"maxAttempts", m.machine.Policy().MaxAttempts,
				"delay", e.Delay.String())

		case CancelReconnect:
			if m.timer != nil {
				m.timer.Stop()
				m.timer = nil
			}

		case ReplaySubscriptions:
			m.replay()

		case DropSubscriptions:
			if n := m.registry.dropPlain(); n > 0 {
				m.logger.Debug("dropped session subscriptions", "count", n)
			}
			m.updateSubscriptionGauge()

		case FlushOutbox:
			m.flush()

		case Halted:
			m.lastErr = e.Err
			m.logger.Error("connection halted, disconnect before connecting again",
				"url", m.machine.URL(),
				"attempts", m.machine.Attempts(),
				"cause", string(transport.Classify(e.Err)),
				"error", e.Err)

		case Rejected:
			m.logger.Warn("connect refused", "error", e.Err)
			result = e.Err
		}
	}
	return post, result
}

func (m *Manager) stateChanged(e StateChanged, done *attempt) []func() {
	var post []func()

	switch {
	case e.To == Open && done != nil:
		m.session = done.session
		m.cancelDial = nil
		sess, gen := done.session, done.generation
		post = append(post, func() { go m.watch(gen, sess) })

	case e.From == Connecting && e.To == Closed:
		m.cancelDial = nil

	case e.From == Open && e.To == Closed:
		if sess := m.session; sess != nil {
			m.session = nil
			post = append(post, func() { _ = sess.Close() })
		}
	}

	if e.Err != nil && (e.From == Connecting || e.From == Open) {
		m.lastErr = e.Err
		if m.metrics != nil {
			m.metrics.IncFailures(string(transport.Classify(e.Err)))
		}
		if m.stats != nil {
			m.stats.IncErrors()
		}
	}
	if e.To == Open {
		m.lastErr = nil
	}

	if m.metrics != nil {
		m.metrics.SetConnectionState(int(e.To))
		m.metrics.SetConnectionStatus(e.To == Open)
		m.metrics.SetReconnectAttempts(m.machine.Attempts())
	}

	args := []interface{}{
		"from", e.From.String(),
		"to", e.To.String(),
		"status", e.To.Status(),
		"attempts", m.machine.Attempts(),
	}
	if e.Err != nil {
		args = append(args, "error", e.Err)
		m.logger.Warn("connection state changed", args...)
	} else {
		m.logger.Info("connection state changed", args...)
	}

	listeners := append([]StateListener(nil), m.listeners...)
	from, to, err := e.From, e.To, e.Err
	post = append(post, func() {
		for _, fn := range listeners {
			fn(from, to, err)
		}
	})
	return post
}

// dial opens a session for one attempt and reports the outcome.
func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, d Dial) {
	defer cancel()

	sess, err := m.openSession(ctx, d.URL)
	if err != nil {
		_ = m.handle(HandshakeFailed{Generation: d.Generation, Err: err}, nil)
		return
	}
	_ = m.handle(HandshakeSucceeded{Generation: d.Generation}, &attempt{generation: d.Generation, session: sess})
}

// openSession fetches a fresh credential and hands it to the connector.
func (m *Manager) openSession(ctx context.Context, url string) (Session, error) {
	creds, err := m.opts.Credentials.Credentials(ctx)
	if err != nil {
		if !errors.Is(err, credentials.ErrNoToken) {
			return nil, fmt.Errorf("failed to obtain credentials: %w", err)
		}
		m.logger.Debug("connecting without credentials", "reason", err)
	}
	return m.opts.Connector.Connect(ctx, url, credentials.Header(creds))
}

// watch turns the end of an adopted session into ConnectionLost.
func (m *Manager) watch(generation uint64, sess Session) {
	<-sess.Done()
	_ = m.handle(ConnectionLost{Generation: generation, Err: sess.Err()}, nil)
}

func (m *Manager) newSubscription(destination string, handler MessageHandler, headers map[string]string, durable bool) *Subscription {
	return &Subscription{
		ID:          uuid.NewString(),
		Destination: destination,
		Headers:     headers,
		Durable:     durable,
		handler:     handler,
	}
}

func (m *Manager) subscribeOn(sess Session, sub *Subscription) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
	defer cancel()
	if err := sess.Subscribe(ctx, sub.ID, sub.Destination, sub.Headers, m.deliver(sub)); err != nil {
		return fmt.Errorf("subscribe %s: %w", sub.Destination, err)
	}
	sub.live.Store(true)
	m.logger.Debug("subscribed",
		"destination", sub.Destination,
		"id", sub.ID,
		"durable", sub.Durable)
	return nil
}

func (m *Manager) deliver(sub *Subscription) stomp.MessageHandler {
	return func(msg stomp.Message) {
		if m.stats != nil {
			m.stats.IncReceived()
		}
		if m.metrics != nil {
			m.metrics.IncMessagesTotal("inbound", "delivered")
		}
		sub.handler(msg)
	}
}

// replay sends durable subscriptions on the newly adopted session. Called with the lock held.
func (m *Manager) replay() {
	if m.session == nil {
		return
	}
	for _, sub := range m.registry.durable() {
		if err := m.subscribeOn(m.session, sub); err != nil {
			m.logger.Error("failed to replay subscription",
				"destination", sub.Destination,
				"error", err)
		}
	}
}

// flush sends queued messages in order. Called with the lock held.
func (m *Manager) flush() {
	pending := m.outbox.drain()
	if m.metrics != nil {
		m.metrics.SetOutboxDepth(0)
	}
	if len(pending) == 0 || m.session == nil {
		return
	}

	m.logger.Info("flushing queued messages", "count", len(pending))
	for i, msg := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
		err := m.session.Send(ctx, msg.destination, msg.headers, msg.body)
		cancel()
		if err != nil {
			lost := len(pending) - i
			m.logger.Error("failed to flush queued messages",
				"dropped", lost,
				"error", err)
			for j := 0; j < lost; j++ {
				m.countOutbound("dropped")
				if m.stats != nil {
					m.stats.IncDropped()
				}
			}
			return
		}
		m.countOutbound("sent")
		if m.stats != nil {
			m.stats.IncSent()
		}
	}
}

func (m *Manager) countOutbound(status string) {
	if m.metrics != nil {
		m.metrics.IncMessagesTotal("outbound", status)
	}
}

// updateSubscriptionGauge must be called with the lock held.
func (m *Manager) updateSubscriptionGauge() {
	if m.metrics != nil {
		m.metrics.SetActiveSubscriptions(m.registry.len())
	}
}
