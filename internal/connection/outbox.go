package connection

import "crawl-progress-client/config"

// OutboundPolicy decides what Send does while the connection is not open.
type OutboundPolicy struct {
	// Queue holds messages for the next open session instead of dropping them.
	Queue bool
	// Limit caps the queue; the oldest message goes when it overflows.
	Limit int
}

const defaultOutboxLimit = 100

// OutboundFromConfig converts the outbound section of the configuration.
func OutboundFromConfig(cfg config.OutboundConfig) OutboundPolicy {
	return OutboundPolicy{
		Queue: cfg.Policy == config.OutboundQueue,
		Limit: cfg.QueueSize,
	}
}

type outboundMessage struct {
	destination string
	body        string
	headers     map[string]string
}

// outbox is a bounded FIFO of messages waiting for an open session.
type outbox struct {
	limit int
	items []outboundMessage
}

func newOutbox(limit int) *outbox {
	if limit <= 0 {
		limit = defaultOutboxLimit
	}
	return &outbox{limit: limit}
}

// push appends msg and reports whether an older message was evicted to make room.
func (o *outbox) push(msg outboundMessage) bool {
	evicted := false
	if len(o.items) >= o.limit {
		o.items = o.items[1:]
		evicted = true
	}
	o.items = append(o.items, msg)
	return evicted
}

func (o *outbox) drain() []outboundMessage {
	items := o.items
	o.items = nil
	return items
}

func (o *outbox) len() int { return len(o.items) }
