// Package config loads the service's YAML configuration tree, following the
// teacher's setup/config convention of one struct per subsystem with `yaml`
// tags and environment-variable overrides applied after decode.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MQTT holds the broker connection the service uses for request ingress and
// replies; broadcasts go over NATS (see NATS).
type MQTT struct {
	URI               string        `yaml:"uri"`
	CleanSession      bool          `yaml:"clean_session"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	MaxMessageSize    int64         `yaml:"max_message_size"`

	// SubscriptionEventsTopic is where the broker's webhook-to-MQTT bridge
	// republishes client subscribe/disconnect notifications as
	// {method, payload} envelopes (spec.md §4.D's "broker's subscription.create
	// callback"). mqttapi.Server subscribes here in addition to the request
	// topic.
	SubscriptionEventsTopic string `yaml:"subscription_events_topic"`
}

// NATS holds the JetStream connection used for room/audience broadcasts and
// task-completion notifications.
type NATS struct {
	URL       string `yaml:"url"`
	StreamTTL time.Duration `yaml:"stream_ttl"`
}

// Constraint bounds request payload sizes.
type Constraint struct {
	PayloadSize int64 `yaml:"payload_size"`
}

// Adjust holds the adjust/edition-commit engine's tunables.
type Adjust struct {
	MinSegmentLength int64 `yaml:"min_segment_length"`
}

// Sentry holds error-reporting configuration.
type Sentry struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// Authn is one issuer's JWT verification configuration.
type Authn struct {
	Audience  string `yaml:"audience"`
	Algorithm string `yaml:"algorithm"`
	Key       string `yaml:"key"`
}

// Authz is one audience's authorization callout configuration.
type Authz struct {
	Type       string   `yaml:"type"`
	URI        string   `yaml:"uri"`
	Algorithm  string   `yaml:"algorithm"`
	Key        string   `yaml:"key"`
	UserAgent  string   `yaml:"user_agent"`
	MaxRetries int      `yaml:"max_retries"`
	Trusted    []string `yaml:"trusted"`
	Records    []string `yaml:"records"`
}

// Metrics holds the Prometheus exposition endpoint.
type Metrics struct {
	HTTP struct {
		BindAddress string `yaml:"bind_address"`
	} `yaml:"http"`
}

// IDToken configures the service's own outbound identity tokens.
type IDToken struct {
	Algorithm string `yaml:"algorithm"`
	Key       string `yaml:"key"`
}

// Pool holds database connection-pool tunables.
type Pool struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
}

// Config is the root configuration tree, matching every key enumerated in
// spec.md §6.
type Config struct {
	ID         string           `yaml:"id"`
	BrokerID   string           `yaml:"broker_id"`
	HTTPAddr   string           `yaml:"http_addr"`
	Constraint Constraint       `yaml:"constraint"`
	MQTT       MQTT             `yaml:"mqtt"`
	NATS       NATS             `yaml:"nats"`
	Adjust     Adjust           `yaml:"adjust"`
	Sentry     Sentry           `yaml:"sentry"`
	Authn      map[string]Authn `yaml:"authn"`
	Authz      map[string]Authz `yaml:"authz"`
	Metrics    Metrics          `yaml:"metrics"`
	IDToken    IDToken          `yaml:"id_token"`

	DatabaseURL  string `yaml:"-"`
	CacheURL     string `yaml:"-"`
	CacheEnabled bool   `yaml:"-"`

	PrimaryPool Pool `yaml:"primary_pool"`
	ReplicaPool Pool `yaml:"replica_pool"`

	RequestDeadline time.Duration `yaml:"request_deadline"`
	WorkerPoolSize  int           `yaml:"worker_pool_size"`

	AWSRegion          string `yaml:"-"`
	AWSBucket          string `yaml:"-"`
	AWSAccessKeyID     string `yaml:"-"`
	AWSSecretAccessKey string `yaml:"-"`
}

// Defaults fills in zero-valued fields with production-sane defaults,
// mirroring the teacher's per-subsystem Defaults() methods.
func (c *Config) Defaults() {
	if c.RequestDeadline == 0 {
		c.RequestDeadline = 5 * time.Second
	}
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = 4
	}
	if c.Constraint.PayloadSize == 0 {
		c.Constraint.PayloadSize = 100 * 1024
	}
	if c.Adjust.MinSegmentLength == 0 {
		c.Adjust.MinSegmentLength = 1000
	}
	if c.MQTT.ReconnectInterval == 0 {
		c.MQTT.ReconnectInterval = 2 * time.Second
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 30 * time.Second
	}
	if c.MQTT.SubscriptionEventsTopic == "" {
		c.MQTT.SubscriptionEventsTopic = "system/subscription-events"
	}
	if c.PrimaryPool.MaxOpenConns == 0 {
		c.PrimaryPool.MaxOpenConns = 16
	}
	if c.ReplicaPool.MaxOpenConns == 0 {
		c.ReplicaPool.MaxOpenConns = 16
	}
}

// Verify returns an error describing the first missing required field.
func (c *Config) Verify() error {
	if c.ID == "" {
		return fmt.Errorf("config: id is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	return nil
}

// Load reads the YAML file at path, then applies environment overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var c Config
	if err := yaml.NewDecoder(f).Decode(&c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	c.applyEnv()
	c.Defaults()
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnv() {
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.CacheURL = os.Getenv("CACHE_URL")
	c.CacheEnabled, _ = strconv.ParseBool(os.Getenv("CACHE_ENABLED"))
	c.AWSRegion = os.Getenv("AWS_REGION")
	c.AWSBucket = os.Getenv("AWS_BUCKET")
	c.AWSAccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	c.AWSSecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")

	if v := os.Getenv("PRIMARY_POOL_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PrimaryPool.MaxOpenConns = n
		}
	}
	if v := os.Getenv("REPLICA_POOL_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReplicaPool.MaxOpenConns = n
		}
	}
}
