package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"crawl-progress-client/internal/stats"
)

const namespace = "progress_client"

// Metrics holds the prometheus collectors for the connection manager and relay
type Metrics struct {
	connectionStatus    prometheus.Gauge
	connectionState     prometheus.Gauge
	reconnectAttempts   prometheus.Gauge
	reconnectsTotal     prometheus.Counter
	handshakeFailures   *prometheus.CounterVec
	messagesTotal       *prometheus.CounterVec
	activeSubscriptions prometheus.Gauge
	outboxDepth         prometheus.Gauge
	backoffDelay        prometheus.Histogram
	relayTotal          *prometheus.CounterVec

	statsReceived prometheus.Gauge
	statsSent     prometheus.Gauge
	statsDropped  prometheus.Gauge
	statsErrors   prometheus.Gauge
	messageRate   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 while the STOMP session is open, 0 otherwise",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 uninstantiated, 1 connecting, 2 open, 3 closing, 4 closed)",
		}),
		reconnectAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts",
			Help:      "Consecutive failed connection attempts since the last open session",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnection attempts started by the backoff timer",
		}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Handshake and session failures by cause",
		}, []string{"cause"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages by direction and outcome",
		}, []string{"direction", "status"}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Subscriptions currently registered with the manager",
		}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Outbound messages waiting for the next open session",
		}),
		backoffDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backoff_delay_seconds",
			Help:      "Scheduled reconnect delays",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		relayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_publishes_total",
			Help:      "Messages forwarded to relay sinks",
		}, []string{"sink", "status"}),
		statsReceived: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stats_messages_received",
			Help:      "Messages received since start",
		}),
		statsSent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stats_messages_sent",
			Help:      "Messages sent since start",
		}),
		statsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stats_messages_dropped",
			Help:      "Outbound messages dropped since start",
		}),
		statsErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stats_errors",
			Help:      "Errors since start",
		}),
		messageRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "message_rate",
			Help:      "Received messages per second since start",
		}),
	}

	collectors := []prometheus.Collector{
		m.connectionStatus,
		m.connectionState,
		m.reconnectAttempts,
		m.reconnectsTotal,
		m.handshakeFailures,
		m.messagesTotal,
		m.activeSubscriptions,
		m.outboxDepth,
		m.backoffDelay,
		m.relayTotal,
		m.statsReceived,
		m.statsSent,
		m.statsDropped,
		m.statsErrors,
		m.messageRate,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) SetConnectionStatus(connected bool) {
	if connected {
		m.connectionStatus.Set(1)
	} else {
		m.connectionStatus.Set(0)
	}
}

func (m *Metrics) SetConnectionState(state int) {
	m.connectionState.Set(float64(state))
}

func (m *Metrics) SetReconnectAttempts(n int) {
	m.reconnectAttempts.Set(float64(n))
}

func (m *Metrics) IncReconnects() {
	m.reconnectsTotal.Inc()
}

func (m *Metrics) IncFailures(cause string) {
	m.handshakeFailures.WithLabelValues(cause).Inc()
}

func (m *Metrics) IncMessagesTotal(direction, status string) {
	m.messagesTotal.WithLabelValues(direction, status).Inc()
}

func (m *Metrics) SetActiveSubscriptions(n int) {
	m.activeSubscriptions.Set(float64(n))
}

func (m *Metrics) SetOutboxDepth(n int) {
	m.outboxDepth.Set(float64(n))
}

func (m *Metrics) ObserveBackoffDelay(d time.Duration) {
	m.backoffDelay.Observe(d.Seconds())
}

func (m *Metrics) IncRelayTotal(sink, status string) {
	m.relayTotal.WithLabelValues(sink, status).Inc()
}

// MetricsCollector periodically copies the stats counters into gauges
type MetricsCollector struct {
	metrics  *Metrics
	stats    *stats.StatsCollector
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMetricsCollector creates a collector that samples s every interval
func NewMetricsCollector(m *Metrics, s *stats.StatsCollector, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		metrics:  m,
		stats:    s,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (c *MetricsCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *MetricsCollector) collect() {
	snap := c.stats.Snapshot()
	c.metrics.statsReceived.Set(float64(snap.Received))
	c.metrics.statsSent.Set(float64(snap.Sent))
	c.metrics.statsDropped.Set(float64(snap.Dropped))
	c.metrics.statsErrors.Set(float64(snap.Errors))
	c.metrics.messageRate.Set(c.stats.CalculateRate())
}
