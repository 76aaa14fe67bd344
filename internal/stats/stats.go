package stats

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// StatsCollector holds process-wide counters for the connection and relay
type StatsCollector struct {
	StartTime        time.Time
	MessagesReceived uint64
	MessagesSent     uint64
	MessagesQueued   uint64
	MessagesDropped  uint64
	MessagesRelayed  uint64
	Reconnects       uint64
	Errors           uint64

	mu         sync.RWMutex
	lastUpdate time.Time
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	Received   uint64
	Sent       uint64
	Queued     uint64
	Dropped    uint64
	Relayed    uint64
	Reconnects uint64
	Errors     uint64
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	now := time.Now()
	return &StatsCollector{
		StartTime:  now,
		lastUpdate: now,
	}
}

func (s *StatsCollector) IncReceived()   { s.add(&s.MessagesReceived) }
func (s *StatsCollector) IncSent()       { s.add(&s.MessagesSent) }
func (s *StatsCollector) IncQueued()     { s.add(&s.MessagesQueued) }
func (s *StatsCollector) IncDropped()    { s.add(&s.MessagesDropped) }
func (s *StatsCollector) IncRelayed()    { s.add(&s.MessagesRelayed) }
func (s *StatsCollector) IncReconnects() { s.add(&s.Reconnects) }
func (s *StatsCollector) IncErrors()     { s.add(&s.Errors) }

func (s *StatsCollector) add(counter *uint64) {
	atomic.AddUint64(counter, 1)
	s.touch()
}

func (s *StatsCollector) touch() {
	s.mu.Lock()
	s.lastUpdate = time.Now()
	s.mu.Unlock()
}

// LastUpdate returns when a counter last changed
func (s *StatsCollector) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// Snapshot returns the current counter values
func (s *StatsCollector) Snapshot() Snapshot {
	return Snapshot{
		Received:   atomic.LoadUint64(&s.MessagesReceived),
		Sent:       atomic.LoadUint64(&s.MessagesSent),
		Queued:     atomic.LoadUint64(&s.MessagesQueued),
		Dropped:    atomic.LoadUint64(&s.MessagesDropped),
		Relayed:    atomic.LoadUint64(&s.MessagesRelayed),
		Reconnects: atomic.LoadUint64(&s.Reconnects),
		Errors:     atomic.LoadUint64(&s.Errors),
	}
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	snap := s.Snapshot()
	return map[string]interface{}{
		"uptime":            time.Since(s.StartTime).String(),
		"messages_received": snap.Received,
		"messages_sent":     snap.Sent,
		"messages_queued":   snap.Queued,
		"messages_dropped":  snap.Dropped,
		"messages_relayed":  snap.Relayed,
		"reconnects":        snap.Reconnects,
		"errors":            snap.Errors,
		"last_update":       s.LastUpdate(),
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate returns received messages per second since start
func (s *StatsCollector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&s.MessagesReceived)) / uptime
}
