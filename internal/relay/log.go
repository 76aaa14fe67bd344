package relay

import (
	"context"

	"crawl-progress-client/config"
	"crawl-progress-client/internal/logger"
)

// LogSink writes relayed messages to the logger.
type LogSink struct {
	logger *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogSink{logger: log}
}

func (s *LogSink) Name() string { return config.SinkLog }

func (s *LogSink) Publish(_ context.Context, topic string, payload []byte) error {
	s.logger.Info("relayed message", "topic", topic, "payload", string(payload))
	return nil
}

func (s *LogSink) Close() error { return nil }
