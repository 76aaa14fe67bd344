package connection

import (
	"sort"
	"sync/atomic"
)

// MessageHandler receives messages for one subscription.
type MessageHandler func(msg Message)

// Subscription is a handle returned by Subscribe. Pass it to Unsubscribe to stop delivery.
type Subscription struct {
	ID          string
	Destination string
	Headers     map[string]string
	// Durable subscriptions are replayed on every new session.
	Durable bool

	handler MessageHandler
	seq     uint64
	// live is set while the subscription is registered with the current session.
	live atomic.Bool
}

// SubscriptionInfo is a read-only view of a subscription.
type SubscriptionInfo struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Durable     bool   `json:"durable"`
	Live        bool   `json:"live"`
}

type registry struct {
	subs map[string]*Subscription
	seq  uint64
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]*Subscription)}
}

func (r *registry) add(sub *Subscription) {
	r.seq++
	sub.seq = r.seq
	r.subs[sub.ID] = sub
}

func (r *registry) remove(id string) (*Subscription, bool) {
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	return sub, ok
}

// durable returns the durable subscriptions in registration order.
func (r *registry) durable() []*Subscription {
	var out []*Subscription
	for _, sub := range r.ordered() {
		if sub.Durable {
			out = append(out, sub)
		}
	}
	return out
}

// dropPlain forgets non-durable subscriptions and marks durable ones as not live.
func (r *registry) dropPlain() int {
	dropped := 0
	for id, sub := range r.subs {
		sub.live.Store(false)
		if !sub.Durable {
			delete(r.subs, id)
			dropped++
		}
	}
	return dropped
}

func (r *registry) ordered() []*Subscription {
	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *registry) info() []SubscriptionInfo {
	ordered := r.ordered()
	out := make([]SubscriptionInfo, 0, len(ordered))
	for _, sub := range ordered {
		out = append(out, SubscriptionInfo{
			ID:          sub.ID,
			Destination: sub.Destination,
			Durable:     sub.Durable,
			Live:        sub.live.Load(),
		})
	}
	return out
}

func (r *registry) len() int { return len(r.subs) }
