package config

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Transport names accepted in connection.transports
const (
	TransportWebSocket = "websocket"
	TransportSockJS    = "sockjs"
)

// Outbound policies accepted in connection.outbound.policy
const (
	OutboundDrop  = "drop"
	OutboundQueue = "queue"
)

// Credential sources accepted in credentials.source
const (
	CredentialsNone   = "none"
	CredentialsStatic = "static"
	CredentialsFile   = "file"
	CredentialsEnv    = "env"
)

// Relay sink names accepted in relay.routes[].sink
const (
	SinkLog  = "log"
	SinkMQTT = "mqtt"
	SinkNATS = "nats"
)

type Config struct {
	Connection    ConnectionConfig     `mapstructure:"connection" yaml:"connection"`
	Credentials   CredentialsConfig    `mapstructure:"credentials" yaml:"credentials"`
	Subscriptions []SubscriptionConfig `mapstructure:"subscriptions" yaml:"subscriptions"`
	Relay         RelayConfig          `mapstructure:"relay" yaml:"relay"`
	Logging       LogConfig            `mapstructure:"logging" yaml:"logging"`
	Metrics       MetricsConfig        `mapstructure:"metrics" yaml:"metrics"`
	API           APIConfig            `mapstructure:"api" yaml:"api"`
}

type ConnectionConfig struct {
	URL               string          `mapstructure:"url" yaml:"url"`
	Host              string          `mapstructure:"host" yaml:"host"` // STOMP virtual host; defaults to the URL host
	Transports        []string        `mapstructure:"transports" yaml:"transports"`
	HandshakeTimeout  time.Duration   `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	DisconnectTimeout time.Duration   `mapstructure:"disconnect_timeout" yaml:"disconnect_timeout"`
	HeartBeat         HeartBeatConfig `mapstructure:"heartbeat" yaml:"heartbeat"`
	// AuthErrorMessages are STOMP ERROR message prefixes treated as credential rejections.
	// Empty uses the built-in list.
	AuthErrorMessages []string        `mapstructure:"auth_error_messages" yaml:"auth_error_messages,omitempty"`
	Reconnect         ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Outbound          OutboundConfig  `mapstructure:"outbound" yaml:"outbound"`
	TLS               TLSConfig       `mapstructure:"tls" yaml:"tls"`
}

type HeartBeatConfig struct {
	Outgoing time.Duration `mapstructure:"outgoing" yaml:"outgoing"`
	Incoming time.Duration `mapstructure:"incoming" yaml:"incoming"`
}

type ReconnectConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	RetryAuthFailures bool          `mapstructure:"retry_auth_failures" yaml:"retry_auth_failures"`
}

type OutboundConfig struct {
	Policy    string `mapstructure:"policy" yaml:"policy"` // drop or queue
	QueueSize int    `mapstructure:"queue_size" yaml:"queue_size"`
}

type TLSConfig struct {
	Enable             bool   `mapstructure:"enable" yaml:"enable"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	CertFile           string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile            string `mapstructure:"key_file" yaml:"key_file"`
	CAFile             string `mapstructure:"ca_file" yaml:"ca_file"`
}

type CredentialsConfig struct {
	Source      string `mapstructure:"source" yaml:"source"`
	Token       string `mapstructure:"token" yaml:"token"`
	File        string `mapstructure:"file" yaml:"file"`
	EnvVar      string `mapstructure:"env_var" yaml:"env_var"`
	CheckExpiry bool   `mapstructure:"check_expiry" yaml:"check_expiry"`
}

type SubscriptionConfig struct {
	Destination string            `mapstructure:"destination" yaml:"destination"`
	Headers     map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
}

type RelayConfig struct {
	MQTT   MQTTConfig    `mapstructure:"mqtt" yaml:"mqtt"`
	NATS   NATSConfig    `mapstructure:"nats" yaml:"nats"`
	Routes []RouteConfig `mapstructure:"routes" yaml:"routes"`
}

type MQTTConfig struct {
	Enabled  bool      `mapstructure:"enabled" yaml:"enabled"`
	Broker   string    `mapstructure:"broker" yaml:"broker"`
	ClientID string    `mapstructure:"client_id" yaml:"client_id"`
	Username string    `mapstructure:"username" yaml:"username"`
	Password string    `mapstructure:"password" yaml:"password"`
	QoS      int       `mapstructure:"qos" yaml:"qos"`
	TLS      TLSConfig `mapstructure:"tls" yaml:"tls"`
}

type NATSConfig struct {
	Enabled  bool     `mapstructure:"enabled" yaml:"enabled"`
	URLs     []string `mapstructure:"urls" yaml:"urls"`
	ClientID string   `mapstructure:"client_id" yaml:"client_id"`
	Username string   `mapstructure:"username" yaml:"username"`
	Password string   `mapstructure:"password" yaml:"password"`
}

// RouteConfig forwards messages whose destination matches Destination to Sink.
// Topic may reference {destination}; empty means "same as the destination".
type RouteConfig struct {
	Destination string `mapstructure:"destination" yaml:"destination"`
	Sink        string `mapstructure:"sink" yaml:"sink"`
	Topic       string `mapstructure:"topic" yaml:"topic,omitempty"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`             // debug, info, warn, error
	OutputPath string `mapstructure:"output_path" yaml:"output_path"` // file path or "stdout"
	Encoding   string `mapstructure:"encoding" yaml:"encoding"`       // json or console
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	UpdateInterval time.Duration `mapstructure:"update_interval" yaml:"update_interval"`
}

type APIConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Address     string `mapstructure:"address" yaml:"address"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
}

// Load reads and validates the configuration. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads the configuration file (YAML or JSON) and applies PROGRESS_* environment overrides
// without validating, so command line overrides can be applied first.
func Read(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROGRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("connection.url", "")
	v.SetDefault("connection.host", "")
	v.SetDefault("connection.transports", []string{TransportWebSocket, TransportSockJS})
	v.SetDefault("connection.handshake_timeout", 10*time.Second)
	v.SetDefault("connection.disconnect_timeout", 2*time.Second)
	v.SetDefault("connection.heartbeat.outgoing", 10*time.Second)
	v.SetDefault("connection.heartbeat.incoming", 10*time.Second)
	v.SetDefault("connection.reconnect.max_attempts", 5)
	v.SetDefault("connection.reconnect.base_delay", time.Second)
	v.SetDefault("connection.reconnect.max_delay", 30*time.Second)
	v.SetDefault("connection.reconnect.retry_auth_failures", false)
	v.SetDefault("connection.outbound.policy", OutboundDrop)
	v.SetDefault("connection.outbound.queue_size", 100)
	v.SetDefault("connection.tls.enable", false)
	v.SetDefault("connection.tls.insecure_skip_verify", false)

	v.SetDefault("credentials.source", CredentialsNone)
	v.SetDefault("credentials.token", "")
	v.SetDefault("credentials.file", "")
	v.SetDefault("credentials.env_var", "PROGRESS_BEARER_TOKEN")
	v.SetDefault("credentials.check_expiry", true)

	v.SetDefault("relay.mqtt.enabled", false)
	v.SetDefault("relay.mqtt.client_id", "progress-watch")
	v.SetDefault("relay.mqtt.qos", 0)
	v.SetDefault("relay.nats.enabled", false)
	v.SetDefault("relay.nats.client_id", "progress-watch")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.encoding", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.update_interval", 15*time.Second)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.address", ":2112")
	v.SetDefault("api.metrics_path", "/metrics")
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	if err := validateConnection(&cfg.Connection); err != nil {
		return err
	}
	if err := validateCredentials(&cfg.Credentials); err != nil {
		return err
	}

	for i, sub := range cfg.Subscriptions {
		if sub.Destination == "" {
			return fmt.Errorf("subscriptions[%d]: destination is required", i)
		}
	}

	if err := validateRelay(&cfg.Relay); err != nil {
		return err
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.UpdateInterval <= 0 {
		return fmt.Errorf("metrics update interval must be positive")
	}

	if cfg.API.Enabled && cfg.API.Address == "" {
		return fmt.Errorf("api address is required when the api is enabled")
	}

	return nil
}

func validateConnection(c *ConnectionConfig) error {
	if c.URL == "" {
		return fmt.Errorf("connection url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid connection url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported connection url scheme: %q", u.Scheme)
	}

	if len(c.Transports) == 0 {
		return fmt.Errorf("at least one transport is required")
	}
	for _, t := range c.Transports {
		switch t {
		case TransportWebSocket, TransportSockJS:
		default:
			return fmt.Errorf("unknown transport: %s", t)
		}
	}

	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive")
	}
	if c.HeartBeat.Outgoing < 0 || c.HeartBeat.Incoming < 0 {
		return fmt.Errorf("heartbeat intervals cannot be negative")
	}

	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect max attempts must be greater than 0")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect base delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect max delay must not be less than base delay")
	}

	switch c.Outbound.Policy {
	case OutboundDrop:
	case OutboundQueue:
		if c.Outbound.QueueSize < 1 {
			return fmt.Errorf("outbound queue size must be greater than 0")
		}
	default:
		return fmt.Errorf("invalid outbound policy: %s", c.Outbound.Policy)
	}

	if c.TLS.Enable && (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert file and key file must be set together")
	}

	return nil
}

func validateCredentials(c *CredentialsConfig) error {
	switch c.Source {
	case CredentialsNone:
	case CredentialsStatic:
		if c.Token == "" {
			return fmt.Errorf("credentials token is required for static source")
		}
	case CredentialsFile:
		if c.File == "" {
			return fmt.Errorf("credentials file is required for file source")
		}
	case CredentialsEnv:
		if c.EnvVar == "" {
			return fmt.Errorf("credentials env var is required for env source")
		}
	default:
		return fmt.Errorf("invalid credentials source: %s", c.Source)
	}
	return nil
}

func validateRelay(r *RelayConfig) error {
	if r.MQTT.Enabled {
		if r.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker address is required when mqtt relay is enabled")
		}
		if r.MQTT.QoS < 0 || r.MQTT.QoS > 2 {
			return fmt.Errorf("invalid mqtt qos: %d", r.MQTT.QoS)
		}
		if r.MQTT.TLS.Enable {
			if r.MQTT.TLS.CertFile == "" || r.MQTT.TLS.KeyFile == "" || r.MQTT.TLS.CAFile == "" {
				return fmt.Errorf("mqtt tls requires cert, key and ca files")
			}
		}
	}
	if r.NATS.Enabled && len(r.NATS.URLs) == 0 {
		return fmt.Errorf("nats urls are required when nats relay is enabled")
	}

	for i, route := range r.Routes {
		if route.Destination == "" {
			return fmt.Errorf("relay.routes[%d]: destination is required", i)
		}
		switch route.Sink {
		case SinkLog:
		case SinkMQTT:
			if !r.MQTT.Enabled {
				return fmt.Errorf("relay.routes[%d]: mqtt sink is not enabled", i)
			}
		case SinkNATS:
			if !r.NATS.Enabled {
				return fmt.Errorf("relay.routes[%d]: nats sink is not enabled", i)
			}
		default:
			return fmt.Errorf("relay.routes[%d]: unknown sink %q", i, route.Sink)
		}
	}
	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(connURL, logLevel, apiAddr string) {
	if connURL != "" {
		c.Connection.URL = connURL
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if apiAddr != "" {
		c.API.Enabled = true
		c.API.Address = apiAddr
	}
}

// Validate re-runs validation, typically after ApplyOverrides.
func (c *Config) Validate() error {
	if err := validateConfig(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Dump renders the effective configuration as YAML with secrets masked.
func (c *Config) Dump() ([]byte, error) {
	masked := *c
	masked.Credentials.Token = mask(masked.Credentials.Token)
	masked.Relay.MQTT.Password = mask(masked.Relay.MQTT.Password)
	masked.Relay.NATS.Password = mask(masked.Relay.NATS.Password)

	node, err := yamlNode(reflect.ValueOf(masked))
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	out, err := yaml.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// yamlNode encodes v in struct field order, rendering durations the way they are written in
// config files ("10s") instead of as nanoseconds.
func yamlNode(v reflect.Value) (*yaml.Node, error) {
	if v.Type() == durationType {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: time.Duration(v.Int()).String()}, nil
	}
	if v.Kind() != reflect.Struct {
		n := &yaml.Node{}
		if err := n.Encode(v.Interface()); err != nil {
			return nil, err
		}
		return n, nil
	}

	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = strings.ToLower(field.Name)
		}
		fv := v.Field(i)
		if opts == "omitempty" && fv.IsZero() {
			continue
		}

		value, err := yamlNode(fv)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
			value)
	}
	return mapping, nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "******"
}
