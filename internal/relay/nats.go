package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"crawl-progress-client/config"
	"crawl-progress-client/internal/logger"
)

// natsConn is the part of *nats.Conn the sink uses
type natsConn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Close()
}

// NATSSink publishes to NATS subjects derived from destinations.
type NATSSink struct {
	conn   natsConn
	logger *logger.Logger
}

// NewNATSSink connects to the configured servers
func NewNATSSink(cfg config.NATSConfig, log *logger.Logger) (*NATSSink, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("no NATS server URLs provided")
	}
	if log == nil {
		log = logger.NewNop()
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Error("disconnected from NATS server", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected to NATS server", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Warn("NATS connection closed")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	log.Info("connecting to NATS server", "urls", cfg.URLs)
	conn, err := nats.Connect(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	log.Info("connected to NATS server", "url", conn.ConnectedUrl())

	return newNATSSink(conn, log), nil
}

func newNATSSink(conn natsConn, log *logger.Logger) *NATSSink {
	if log == nil {
		log = logger.NewNop()
	}
	return &NATSSink{conn: conn, logger: log}
}

func (s *NATSSink) Name() string { return config.SinkNATS }

func (s *NATSSink) Publish(_ context.Context, topic string, payload []byte) error {
	if !s.conn.IsConnected() {
		return fmt.Errorf("not connected to NATS server")
	}

	subject := ToNATSSubject(topic)
	if err := s.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish to %s: %w", subject, err)
	}

	s.logger.Debug("published message",
		"sink", s.Name(),
		"topic", topic,
		"subject", subject,
		"payloadSize", len(payload))
	return nil
}

func (s *NATSSink) Close() error {
	s.logger.Info("disconnecting from NATS server")
	s.conn.Close()
	return nil
}

// ToNATSSubject converts a destination to a NATS subject: / separators become dots,
// +/# wildcards become */>, and characters NATS rejects become underscores.
func ToNATSSubject(destination string) string {
	subject := strings.Trim(destination, "/")
	subject = strings.ReplaceAll(subject, ".", "_")
	subject = strings.ReplaceAll(subject, "+", "*")
	subject = strings.ReplaceAll(subject, "#", ">")
	subject = strings.ReplaceAll(subject, "/", ".")

	replacer := strings.NewReplacer(
		" ", "_",
		",", "_",
		":", "_",
		"?", "_",
		"[", "_",
		"]", "_",
	)
	return replacer.Replace(subject)
}
