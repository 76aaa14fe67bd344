package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"crawl-progress-client/config"
	"crawl-progress-client/internal/logger"
	"crawl-progress-client/internal/transport"
)

const mqttPublishTimeout = 5 * time.Second

// MQTTSink publishes to an MQTT broker. Destinations map to topics by dropping the leading slash.
type MQTTSink struct {
	client mqtt.Client
	qos    byte
	logger *logger.Logger
}

// NewMQTTSink connects to the configured broker. paho handles reconnects on its own.
func NewMQTTSink(cfg config.MQTTConfig, log *logger.Logger) (*MQTTSink, error) {
	if log == nil {
		log = logger.NewNop()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute)

	opts.OnConnect = func(mqtt.Client) {
		log.Info("mqtt relay connected", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Error("mqtt relay connection lost", "error", err)
	}
	opts.OnReconnecting = func(mqtt.Client, *mqtt.ClientOptions) {
		log.Info("mqtt relay reconnecting", "broker", cfg.Broker)
	}

	if cfg.TLS.Enable {
		tlsConfig, err := transport.NewTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile, cfg.TLS.InsecureSkipVerify)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}
	return NewMQTTSinkWithClient(client, byte(cfg.QoS), log), nil
}

// NewMQTTSinkWithClient wraps an existing client
func NewMQTTSinkWithClient(client mqtt.Client, qos byte, log *logger.Logger) *MQTTSink {
	if log == nil {
		log = logger.NewNop()
	}
	return &MQTTSink{client: client, qos: qos, logger: log}
}

func (s *MQTTSink) Name() string { return config.SinkMQTT }

func (s *MQTTSink) Publish(ctx context.Context, topic string, payload []byte) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("not connected to mqtt broker")
	}

	topic = MQTTTopic(topic)
	token := s.client.Publish(topic, s.qos, false, payload)

	timeout := mqttPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}

	s.logger.Debug("published message",
		"sink", s.Name(),
		"topic", topic,
		"payloadSize", len(payload))
	return nil
}

func (s *MQTTSink) Close() error {
	s.logger.Info("disconnecting from mqtt broker")
	s.client.Disconnect(250)
	return nil
}

// MQTTTopic turns a STOMP destination into an MQTT topic
func MQTTTopic(destination string) string {
	return strings.TrimPrefix(destination, "/")
}
