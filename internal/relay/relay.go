// Package relay forwards received progress messages to other messaging systems.
package relay

import "context"

// Sink publishes payloads to one external system.
type Sink interface {
	Name() string
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}
