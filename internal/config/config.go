package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Events   EventsConfig   `yaml:"events"`
	Client   ClientConfig   `yaml:"client"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins restricts browser websocket handshakes; empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Migrate  bool   `yaml:"migrate"`
	// MaxConns caps the pgx pool; zero keeps the adapter default.
	MaxConns       int32         `yaml:"max_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// URL renders the connection string with the given scheme; pgxpool takes
// "postgres", golang-migrate's pgx/v5 driver takes "pgx5".
func (d DatabaseConfig) URL(scheme string) string {
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func (r RabbitMQConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.User, r.Password),
		Host:   fmt.Sprintf("%s:%d", r.Host, r.Port),
		Path:   "/",
	}
	return u.String()
}

type RabbitMQConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Exchange       string        `yaml:"exchange"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	KeyTTL   time.Duration `yaml:"key_ttl"`
}

type EventsConfig struct {
	// Relay is "local", "rabbitmq" or "kafka".
	Relay            string `yaml:"relay"`
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
	// CreatedPolicy is "kitchen_and_owner" or "everyone".
	CreatedPolicy string `yaml:"created_policy"`
}

type ClientConfig struct {
	APIURL         string        `yaml:"api_url"`
	EventsURL      string        `yaml:"events_url"`
	Customer       string        `yaml:"customer"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads path (a missing file is fine), applies PIZZASYNC_* environment
// overrides and defaults, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse yaml: %w", err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5001,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{Driver: "memory"},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "pizzasync",
			Database: "pizzasync",
			Migrate:  true,
		},
		RabbitMQ: RabbitMQConfig{
			Host:           "localhost",
			Port:           5672,
			User:           "guest",
			Password:       "guest",
			Exchange:       "order_events",
			ReconnectDelay: 5 * time.Second,
		},
		Kafka: KafkaConfig{Topic: "order-events"},
		Redis: RedisConfig{KeyTTL: 24 * time.Hour},
		Events: EventsConfig{
			Relay:            "local",
			SubscriberBuffer: 64,
			CreatedPolicy:    "kitchen_and_owner",
		},
		Client: ClientConfig{
			APIURL:         "http://localhost:5001/api",
			EventsURL:      "ws://localhost:5001/events",
			RequestTimeout: 5 * time.Second,
			BackoffBase:    500 * time.Millisecond,
			BackoffCap:     10 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}
	switch c.Events.Relay {
	case "local", "rabbitmq":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			problems = append(problems, "kafka.brokers required when events.relay is kafka")
		}
	default:
		problems = append(problems, fmt.Sprintf("events.relay %q must be local, rabbitmq or kafka", c.Events.Relay))
	}
	switch c.Events.CreatedPolicy {
	case "kitchen_and_owner", "everyone":
	default:
		problems = append(problems, fmt.Sprintf("events.created_policy %q must be kitchen_and_owner or everyone", c.Events.CreatedPolicy))
	}
	if c.Events.SubscriberBuffer < 1 {
		problems = append(problems, "events.subscriber_buffer must be positive")
	}
	if c.Client.BackoffBase <= 0 || c.Client.BackoffCap < c.Client.BackoffBase {
		problems = append(problems, "client.backoff_base must be positive and not exceed client.backoff_cap")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// applyEnv lets deployments override endpoints without editing the file.
func applyEnv(c *Config) error {
	strs := map[string]*string{
		"PIZZASYNC_SERVER_HOST":       &c.Server.Host,
		"PIZZASYNC_STORE_DRIVER":      &c.Store.Driver,
		"PIZZASYNC_DB_HOST":           &c.Database.Host,
		"PIZZASYNC_DB_USER":           &c.Database.User,
		"PIZZASYNC_DB_PASSWORD":       &c.Database.Password,
		"PIZZASYNC_DB_NAME":           &c.Database.Database,
		"PIZZASYNC_RABBITMQ_HOST":     &c.RabbitMQ.Host,
		"PIZZASYNC_RABBITMQ_USER":     &c.RabbitMQ.User,
		"PIZZASYNC_RABBITMQ_PASSWORD": &c.RabbitMQ.Password,
		"PIZZASYNC_REDIS_ADDR":        &c.Redis.Addr,
		"PIZZASYNC_EVENTS_RELAY":      &c.Events.Relay,
		"PIZZASYNC_API_URL":           &c.Client.APIURL,
		"PIZZASYNC_EVENTS_URL":        &c.Client.EventsURL,
		"PIZZASYNC_LOG_LEVEL":         &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PIZZASYNC_SERVER_PORT":   &c.Server.Port,
		"PIZZASYNC_DB_PORT":       &c.Database.Port,
		"PIZZASYNC_RABBITMQ_PORT": &c.RabbitMQ.Port,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv("PIZZASYNC_KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}

	return nil
}
