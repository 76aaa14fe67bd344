package connection

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawl-progress-client/internal/transport"
)

var errRefused = &transport.NetworkError{Op: "dial", Err: errors.New("connection refused")}

func findEffect[T Effect](effects []Effect) (T, bool) {
	for _, e := range effects {
		if v, ok := e.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// dialing connects a fresh machine and returns the Dial effect.
func dialing(t *testing.T, m *Machine) Dial {
	t.Helper()
	effects := m.Handle(ConnectRequested{URL: "wss://host/ws"})
	d, ok := findEffect[Dial](effects)
	require.True(t, ok, "expected a Dial effect")
	return d
}

func TestStateStrings(t *testing.T) {
	tests := []struct {
		state  State
		name   string
		status string
	}{
		{Uninstantiated, "uninstantiated", "not connected"},
		{Connecting, "connecting", "connecting"},
		{Open, "open", "connected"},
		{Closing, "closing", "closing"},
		{Closed, "closed", "disconnected"},
		{State(42), "unknown", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.state.String())
			assert.Equal(t, tt.status, tt.state.Status())
		})
	}
}

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 30*time.Second, p.Delay(500), "no overflow on large attempts")
	assert.Equal(t, time.Second, p.Delay(-3))
}

func TestPolicyDefaults(t *testing.T) {
	p := ReconnectPolicy{MaxDelay: time.Millisecond, BaseDelay: time.Second}.withDefaults()
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, time.Second, p.MaxDelay, "max delay is never below base delay")
}

func TestMachineConnectSucceeds(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	assert.Equal(t, Uninstantiated, m.State())

	d := dialing(t, m)
	assert.Equal(t, "wss://host/ws", d.URL)
	assert.Equal(t, Connecting, m.State())

	effects := m.Handle(HandshakeSucceeded{Generation: d.Generation})
	require.Len(t, effects, 3)
	assert.Equal(t, StateChanged{From: Connecting, To: Open}, effects[0])
	assert.Equal(t, ReplaySubscriptions{}, effects[1])
	assert.Equal(t, FlushOutbox{}, effects[2])
	assert.Equal(t, Open, m.State())
	assert.Equal(t, 0, m.Attempts())
}

func TestMachineConnectIsIdempotent(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	d := dialing(t, m)

	assert.Empty(t, m.Handle(ConnectRequested{URL: "wss://other/ws"}), "no second dial while connecting")
	assert.Equal(t, d.Generation, m.Generation())

	m.Handle(HandshakeSucceeded{Generation: d.Generation})
	assert.Empty(t, m.Handle(ConnectRequested{URL: "wss://other/ws"}), "no second dial while open")
	assert.Equal(t, 0, m.Attempts())
	assert.Equal(t, "wss://host/ws", m.URL())
}

func TestMachineFailureSchedulesBackoff(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	d := dialing(t, m)

	effects := m.Handle(HandshakeFailed{Generation: d.Generation, Err: errRefused})
	assert.Equal(t, Closed, m.State())
	assert.Equal(t, 1, m.Attempts())

	sched, ok := findEffect[ScheduleReconnect](effects)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, sched.Delay)
	assert.Equal(t, "wss://host/ws", sched.URL)
	assert.True(t, m.ReconnectPending())

	effects = m.Handle(TimerFired{Token: sched.Token})
	_, ok = findEffect[Dial](effects)
	assert.True(t, ok)
	assert.Equal(t, Connecting, m.State())
	assert.False(t, m.ReconnectPending())
}

func TestMachineRetryCeiling(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	d := dialing(t, m)

	var delays []time.Duration
	for i := 0; i < DefaultMaxAttempts; i++ {
		effects := m.Handle(HandshakeFailed{Generation: d.Generation, Err: errRefused})
		sched, ok := findEffect[ScheduleReconnect](effects)
		if !ok {
			_, halted := findEffect[Halted](effects)
			assert.True(t, halted)
			break
		}
		delays = append(delays, sched.Delay)
		effects = m.Handle(TimerFired{Token: sched.Token})
		d, ok = findEffect[Dial](effects)
		require.True(t, ok)
	}

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, delays)
	assert.Equal(t, Closed, m.State())
	assert.Equal(t, DefaultMaxAttempts, m.Attempts())
	assert.False(t, m.ReconnectPending())
	assert.True(t, m.Halted(), "exhausted retries halt the machine")

	effects := m.Handle(ConnectRequested{URL: "wss://host/ws"})
	rejected, ok := findEffect[Rejected](effects)
	require.True(t, ok)
	assert.ErrorIs(t, rejected.Err, ErrRetriesExhausted)
	assert.Equal(t, Closed, m.State())

	m.Handle(DisconnectRequested{})
	assert.Equal(t, 0, m.Attempts())
	assert.False(t, m.Halted())
	_, ok = findEffect[Dial](m.Handle(ConnectRequested{URL: "wss://host/ws"}))
	assert.True(t, ok, "disconnect resets the ceiling")
}

func TestMachineAuthFailureHalts(t *testing.T) {
	authErr := &transport.AuthError{StatusCode: 401, Err: errors.New("bad token")}

	t.Run("halts by default", func(t *testing.T) {
		m := NewMachine(DefaultPolicy())
		d := dialing(t, m)

		effects := m.Handle(HandshakeFailed{Generation: d.Generation, Err: authErr})
		_, scheduled := findEffect[ScheduleReconnect](effects)
		assert.False(t, scheduled)
		_, halted := findEffect[Halted](effects)
		assert.True(t, halted)
		assert.True(t, m.Halted())

		_, rejected := findEffect[Rejected](m.Handle(ConnectRequested{URL: "wss://host/ws"}))
		assert.True(t, rejected)
	})

	t.Run("retried when enabled", func(t *testing.T) {
		policy := DefaultPolicy()
		policy.RetryAuthFailures = true
		m := NewMachine(policy)
		d := dialing(t, m)

		_, scheduled := findEffect[ScheduleReconnect](m.Handle(HandshakeFailed{Generation: d.Generation, Err: authErr}))
		assert.True(t, scheduled)
		assert.False(t, m.Halted())
	})
}

func TestMachineConnectionLost(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	d := dialing(t, m)
	m.Handle(HandshakeSucceeded{Generation: d.Generation})

	effects := m.Handle(ConnectionLost{Generation: d.Generation, Err: errRefused})
	assert.Equal(t, DropSubscriptions{}, effects[0])
	assert.Equal(t, StateChanged{From: Open, To: Closed, Err: errRefused}, effects[1])

	sched, ok := findEffect[ScheduleReconnect](effects)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, sched.Delay)

	d, ok = findEffect[Dial](m.Handle(TimerFired{Token: sched.Token}))
	require.True(t, ok)
	m.Handle(HandshakeSucceeded{Generation: d.Generation})
	assert.Equal(t, 0, m.Attempts())
}

func TestMachineConnectionLostWithoutError(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	d := dialing(t, m)
	m.Handle(HandshakeSucceeded{Generation: d.Generation})

	effects := m.Handle(ConnectionLost{Generation: d.Generation})
	changed, ok := findEffect[StateChanged](effects)
	require.True(t, ok)
	assert.Equal(t, transport.CauseNetwork, transport.Classify(changed.Err))
}

func TestMachineStaleEventsIgnored(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	d := dialing(t, m)

	m.Handle(DisconnectRequested{})
	assert.Empty(t, m.Handle(HandshakeSucceeded{Generation: d.Generation}))
	assert.Empty(t, m.Handle(HandshakeFailed{Generation: d.Generation, Err: errRefused}))
	assert.Equal(t, Closed, m.State())
	assert.Equal(t, 0, m.Attempts())

	d2 := dialing(t, m)
	assert.NotEqual(t, d.Generation, d2.Generation)
	assert.Empty(t, m.Handle(ConnectionLost{Generation: d2.Generation, Err: errRefused}), "not open yet")
	assert.Empty(t, m.Handle(TimerFired{Token: 99}))
}

func TestMachineDisconnect(t *testing.T) {
	t.Run("from open", func(t *testing.T) {
		m := NewMachine(DefaultPolicy())
		d := dialing(t, m)
		m.Handle(HandshakeSucceeded{Generation: d.Generation})

		effects := m.Handle(DisconnectRequested{})
		assert.Equal(t, []Effect{
			StateChanged{From: Open, To: Closing},
			DropSubscriptions{},
			CloseSession{Graceful: true},
		}, effects)
		assert.Equal(t, Closing, m.State())

		assert.Empty(t, m.Handle(ConnectRequested{URL: "wss://host/ws"}), "connect is ignored while closing")
		assert.Equal(t, []Effect{StateChanged{From: Closing, To: Closed}}, m.Handle(SessionClosed{}))
		assert.Empty(t, m.Handle(SessionClosed{}))
	})

	t.Run("from connecting", func(t *testing.T) {
		m := NewMachine(DefaultPolicy())
		dialing(t, m)

		effects := m.Handle(DisconnectRequested{})
		assert.Equal(t, []Effect{AbortDial{}, StateChanged{From: Connecting, To: Closed}}, effects)
	})

	t.Run("cancels pending reconnect", func(t *testing.T) {
		m := NewMachine(DefaultPolicy())
		d := dialing(t, m)
		sched, _ := findEffect[ScheduleReconnect](m.Handle(HandshakeFailed{Generation: d.Generation, Err: errRefused}))

		effects := m.Handle(DisconnectRequested{})
		assert.Equal(t, []Effect{CancelReconnect{}}, effects)
		assert.False(t, m.ReconnectPending())
		assert.Equal(t, 0, m.Attempts())
		assert.Empty(t, m.Handle(TimerFired{Token: sched.Token}), "cancelled timer cannot reconnect")
	})

	t.Run("before any connect", func(t *testing.T) {
		m := NewMachine(DefaultPolicy())
		assert.Equal(t, []Effect{StateChanged{From: Uninstantiated, To: Closed}}, m.Handle(DisconnectRequested{}))
		assert.Empty(t, m.Handle(DisconnectRequested{}))
	})
}

func TestMachineConnectCancelsPendingReconnect(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	d := dialing(t, m)
	sched, _ := findEffect[ScheduleReconnect](m.Handle(HandshakeFailed{Generation: d.Generation, Err: errRefused}))

	effects := m.Handle(ConnectRequested{URL: "wss://host/ws"})
	assert.Equal(t, CancelReconnect{}, effects[0])
	assert.Equal(t, 1, m.Attempts(), "manual connect keeps the failure count")
	assert.Empty(t, m.Handle(TimerFired{Token: sched.Token}))
}
