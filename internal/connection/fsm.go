package connection

import (
	"errors"
	"fmt"
	"time"

	"crawl-progress-client/internal/transport"
)

// Event is an input to the Machine.
type Event interface {
	event()
}

// ConnectRequested is a caller asking for a connection to URL.
type ConnectRequested struct{ URL string }

// DisconnectRequested is a caller tearing the connection down.
type DisconnectRequested struct{}

// HandshakeSucceeded reports that attempt Generation reached CONNECTED.
type HandshakeSucceeded struct{ Generation uint64 }

// HandshakeFailed reports that attempt Generation could not open.
type HandshakeFailed struct {
	Generation uint64
	Err        error
}

// ConnectionLost reports that the open session of attempt Generation ended.
type ConnectionLost struct {
	Generation uint64
	Err        error
}

// SessionClosed reports that a requested close finished.
type SessionClosed struct{}

// TimerFired reports that reconnect timer Token went off.
type TimerFired struct{ Token uint64 }

func (ConnectRequested) event()    {}
func (DisconnectRequested) event() {}
func (HandshakeSucceeded) event()  {}
func (HandshakeFailed) event()     {}
func (ConnectionLost) event()      {}
func (SessionClosed) event()       {}
func (TimerFired) event()          {}

// Effect is an instruction from the Machine to whoever runs it.
type Effect interface {
	effect()
}

// StateChanged announces a transition. Err is the failure that caused it, if any.
type StateChanged struct {
	From, To State
	Err      error
}

// Dial starts opening transport and session for attempt Generation.
type Dial struct {
	URL        string
	Generation uint64
}

// AbortDial cancels any in-flight attempt.
type AbortDial struct{}

// CloseSession tears down the current session. Graceful sessions get a DISCONNECT exchange.
type CloseSession struct{ Graceful bool }

// ScheduleReconnect arms a one-shot timer that reports TimerFired{Token} after Delay.
type ScheduleReconnect struct {
	URL     string
	Delay   time.Duration
	Attempt int
	Token   uint64
}

// CancelReconnect disarms the pending timer.
type CancelReconnect struct{}

// ReplaySubscriptions re-subscribes durable subscriptions on the new session.
type ReplaySubscriptions struct{}

// DropSubscriptions forgets plain subscriptions; they belong to a session that is gone.
type DropSubscriptions struct{}

// FlushOutbox sends queued outbound messages.
type FlushOutbox struct{}

// Halted reports that no further attempt will be made until Disconnect.
type Halted struct{ Err error }

// Rejected reports a Connect refused by the retry ceiling.
type Rejected struct{ Err error }

func (StateChanged) effect()        {}
func (Dial) effect()                {}
func (AbortDial) effect()           {}
func (CloseSession) effect()        {}
func (ScheduleReconnect) effect()   {}
func (CancelReconnect) effect()     {}
func (ReplaySubscriptions) effect() {}
func (DropSubscriptions) effect()   {}
func (FlushOutbox) effect()         {}
func (Halted) effect()              {}
func (Rejected) effect()            {}

// ErrRetriesExhausted is the reason a connection stays Closed after MaxAttempts failures.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

// Machine is the connection state machine. Handle is deterministic and does no I/O,
// so every transition can be tested without a network. It is not safe for concurrent use.
type Machine struct {
	policy ReconnectPolicy

	state        State
	attempts     int
	halted       bool
	url          string
	generation   uint64
	timerToken   uint64
	timerPending bool
}

// NewMachine returns a machine in Uninstantiated.
func NewMachine(policy ReconnectPolicy) *Machine {
	return &Machine{policy: policy.withDefaults()}
}

func (m *Machine) State() State            { return m.state }
func (m *Machine) Attempts() int           { return m.attempts }
func (m *Machine) Halted() bool            { return m.halted }
func (m *Machine) URL() string             { return m.url }
func (m *Machine) Generation() uint64      { return m.generation }
func (m *Machine) ReconnectPending() bool  { return m.timerPending }
func (m *Machine) Policy() ReconnectPolicy { return m.policy }

// Handle applies ev and returns the effects to carry out, in order.
func (m *Machine) Handle(ev Event) []Effect {
	switch e := ev.(type) {
	case ConnectRequested:
		return m.connect(e.URL)

	case TimerFired:
		if !m.timerPending || e.Token != m.timerToken {
			return nil
		}
		m.timerPending = false
		return m.connect(m.url)

	case HandshakeSucceeded:
		if e.Generation != m.generation || m.state != Connecting {
			return nil
		}
		m.attempts = 0
		return []Effect{
			m.transition(Open, nil),
			ReplaySubscriptions{},
			FlushOutbox{},
		}

	case HandshakeFailed:
		if e.Generation != m.generation || m.state != Connecting {
			return nil
		}
		return m.fail(e.Err)

	case ConnectionLost:
		if e.Generation != m.generation || m.state != Open {
			return nil
		}
		if e.Err == nil {
			e.Err = &transport.NetworkError{Op: "session", Err: errors.New("closed by peer")}
		}
		return append([]Effect{DropSubscriptions{}}, m.fail(e.Err)...)

	case DisconnectRequested:
		return m.disconnect()

	case SessionClosed:
		if m.state != Closing {
			return nil
		}
		return []Effect{m.transition(Closed, nil)}
	}
	return nil
}

func (m *Machine) connect(url string) []Effect {
	switch m.state {
	case Open, Connecting, Closing:
		return nil
	}

	if m.halted || m.attempts >= m.policy.MaxAttempts {
		var effects []Effect
		if m.state != Closed {
			effects = append(effects, m.transition(Closed, ErrRetriesExhausted))
		}
		return append(effects, Rejected{Err: fmt.Errorf("%w: disconnect before connecting again", ErrRetriesExhausted)})
	}

	var effects []Effect
	if m.timerPending {
		m.timerPending = false
		effects = append(effects, CancelReconnect{})
	}
	m.url = url
	m.generation++
	effects = append(effects,
		m.transition(Connecting, nil),
		Dial{URL: url, Generation: m.generation},
	)
	return effects
}

func (m *Machine) fail(err error) []Effect {
	m.attempts++
	effects := []Effect{m.transition(Closed, err)}

	if !transport.IsRetryable(err) && !m.policy.RetryAuthFailures {
		m.halted = true
		return append(effects, Halted{Err: err})
	}
	if m.attempts >= m.policy.MaxAttempts {
		m.halted = true
		return append(effects, Halted{Err: fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, m.attempts, err)})
	}

	m.timerToken++
	m.timerPending = true
	return append(effects, ScheduleReconnect{
		URL:     m.url,
		Delay:   m.policy.Delay(m.attempts),
		Attempt: m.attempts,
		Token:   m.timerToken,
	})
}

func (m *Machine) disconnect() []Effect {
	var effects []Effect
	if m.timerPending {
		m.timerPending = false
		effects = append(effects, CancelReconnect{})
	}
	m.attempts = 0
	m.halted = false
	// Results from an attempt started before this point are stale.
	m.generation++

	switch m.state {
	case Open:
		effects = append(effects,
			m.transition(Closing, nil),
			DropSubscriptions{},
			CloseSession{Graceful: true},
		)
	case Connecting:
		effects = append(effects,
			AbortDial{},
			m.transition(Closed, nil),
		)
	case Uninstantiated:
		effects = append(effects, m.transition(Closed, nil))
	}
	return effects
}

func (m *Machine) transition(to State, err error) Effect {
	from := m.state
	m.state = to
	return StateChanged{From: from, To: to, Err: err}
}
