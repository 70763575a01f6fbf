package utils

import (
	"fmt"
	"time"

	"github.com/benmeehan/hoas-hub/internal/constants"
	"github.com/benmeehan/hoas-hub/pkg/file"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override, e.g. HOAS_SERVER_LISTEN_ADDR.
const EnvPrefix = "HOAS_"

// Config represents the structure of the configuration file.
type Config struct {
	Server struct {
		ListenAddr      string        `yaml:"listen_addr" env:"LISTEN_ADDR"`           // Address the HTTP API listens on
		ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`         // Timeout for reading request headers
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"` // Grace period for in-flight requests on shutdown
	} `yaml:"server" envPrefix:"SERVER_"`

	Store struct {
		Path          string `yaml:"path" env:"PATH"`                       // Path to the SQLite database file
		BusyTimeoutMS int    `yaml:"busy_timeout_ms" env:"BUSY_TIMEOUT_MS"` // SQLite busy timeout in milliseconds
	} `yaml:"store" envPrefix:"STORE_"`

	Session struct {
		WriteTimeout     time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`           // Bound on a single websocket write
		PongWait         time.Duration `yaml:"pong_wait" env:"PONG_WAIT"`                   // Read deadline refreshed by pongs and frames
		PingPeriod       time.Duration `yaml:"ping_period" env:"PING_PERIOD"`               // Interval between keep-alive pings
		MaxMessageSize   int64         `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`     // Maximum inbound frame size in bytes
		MinClientVersion string        `yaml:"min_client_version" env:"MIN_CLIENT_VERSION"` // Older clients are logged as outdated
	} `yaml:"session" envPrefix:"SESSION_"`

	Commands struct {
		FlushBatchSize   int  `yaml:"flush_batch_size" env:"FLUSH_BATCH_SIZE"`     // Maximum queued commands delivered per reconnect
		QueueWhenOffline bool `yaml:"queue_when_offline" env:"QUEUE_WHEN_OFFLINE"` // Keep undeliverable commands queued instead of no_client
		ListLimit        int  `yaml:"list_limit" env:"LIST_LIMIT"`                 // Number of commands returned by list endpoints
	} `yaml:"commands" envPrefix:"COMMANDS_"`

	MQTT struct {
		Enabled       bool   `yaml:"enabled" env:"ENABLED"`               // Publish status events to a broker
		Broker        string `yaml:"broker" env:"BROKER"`                 // MQTT broker address
		ClientID      string `yaml:"client_id" env:"CLIENT_ID"`           // MQTT client ID
		Username      string `yaml:"username" env:"USERNAME"`             // MQTT username
		Password      string `yaml:"password" env:"PASSWORD"`             // MQTT password
		CACertificate string `yaml:"ca_certificate" env:"CA_CERTIFICATE"` // Path to the CA certificate
		TopicPrefix   string `yaml:"topic_prefix" env:"TOPIC_PREFIX"`     // Root of all published topics
		QOS           int    `yaml:"qos" env:"QOS"`                       // MQTT QoS level for status events
		Workers       int    `yaml:"workers" env:"WORKERS"`               // Number of publishing workers
		QueueSize     int    `yaml:"queue_size" env:"QUEUE_SIZE"`         // Pending events before new ones are dropped
	} `yaml:"mqtt" envPrefix:"MQTT_"`

	Logging struct {
		Level  string `yaml:"level" env:"LEVEL"`   // zerolog level name
		Format string `yaml:"format" env:"FORMAT"` // json or console
	} `yaml:"logging" envPrefix:"LOGGING_"`
}

// DefaultConfig returns the configuration used when neither file nor environment set a key.
func DefaultConfig() *Config {
	var cfg Config
	cfg.Server.ListenAddr = ":8099"
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Store.Path = "/data/hoas.db"
	cfg.Store.BusyTimeoutMS = 5000

	cfg.Session.WriteTimeout = constants.DefaultWriteTimeout
	cfg.Session.PongWait = constants.DefaultPongWait
	cfg.Session.PingPeriod = constants.DefaultPingPeriod
	cfg.Session.MaxMessageSize = constants.DefaultMaxMessageSize

	cfg.Commands.FlushBatchSize = constants.DefaultFlushBatchSize
	cfg.Commands.QueueWhenOffline = true
	cfg.Commands.ListLimit = constants.DefaultCommandListLimit

	cfg.MQTT.ClientID = "hoas-hub"
	cfg.MQTT.TopicPrefix = "hoas"
	cfg.MQTT.QOS = 1
	cfg.MQTT.Workers = 2
	cfg.MQTT.QueueSize = 256

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	return &cfg
}

// LoadConfig layers the YAML file at filename and then HOAS_* environment
// variables over the defaults. A missing file is not an error.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	config := DefaultConfig()

	if filename != "" {
		exists, err := fileClient.IsFileExists(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if exists {
			if err := fileClient.ReadYamlFile(filename, config); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the hub cannot run with.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Session.PingPeriod >= c.Session.PongWait {
		return fmt.Errorf("session.ping_period (%s) must be shorter than session.pong_wait (%s)", c.Session.PingPeriod, c.Session.PongWait)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QOS < 0 || c.MQTT.QOS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}
