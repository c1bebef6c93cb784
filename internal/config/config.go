// Package config holds the order saga service's settings: a YAML file
// layered over Defaults and a few ORDERSAGA_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Service ids of the collaborators the saga calls.
const (
	ServiceOrder    = "order"
	ServiceProduct  = "product"
	ServiceVendor   = "vendor"
	ServicePayment  = "payment"
	ServiceCustomer = "customer"
	ServiceDelivery = "delivery"
)

// Config is the whole service configuration.
type Config struct {
	Server        ServerConfig                    `yaml:"server"`
	Identity      IdentityConfig                  `yaml:"identity"`
	Authorization AuthorizationConfig             `yaml:"authorization"`
	Services      map[string]ServiceConfig        `yaml:"services"`
	Activities    map[string]ActivityPolicyConfig `yaml:"activities"`
	Saga          SagaConfig                      `yaml:"saga"`
	Journal       JournalConfig                   `yaml:"journal"`
	Lease         LeaseConfig                     `yaml:"lease"`
	Idempotency   IdempotencyConfig               `yaml:"idempotency"`
	Messaging     MessagingConfig                 `yaml:"messaging"`
	Payout        PayoutConfig                    `yaml:"payout"`
	Observability ObservabilityConfig             `yaml:"observability"`
}

// ServerConfig tunes the API listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes bearer-token validation. Authentication is off
// when the secret environment variable is unset or empty.
type IdentityConfig struct {
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	SecretEnv string        `yaml:"secret_env"`
	Leeway    time.Duration `yaml:"leeway"`
}

// AuthorizationConfig maps token roles to API capabilities. When PolicyFile
// is set, roles are read from that file instead of Roles.
type AuthorizationConfig struct {
	PolicyFile string              `yaml:"policy_file"`
	Roles      map[string][]string `yaml:"roles"`
	CacheTTL   time.Duration       `yaml:"cache_ttl"`
}

// ServiceConfig describes a collaborator service.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the breaker guarding one collaborator.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// ActivityPolicyConfig overrides the timeout and retry policy of one
// activity class. Zero fields keep the built-in default.
type ActivityPolicyConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// SagaConfig describes order saga deadlines and scheduling.
type SagaConfig struct {
	VendorConfirmationTimeout time.Duration `yaml:"vendor_confirmation_timeout"`
	DeliveryCompletionTimeout time.Duration `yaml:"delivery_completion_timeout"`
	DeliveryBuffer            time.Duration `yaml:"delivery_buffer"`
	TimerCheckInterval        time.Duration `yaml:"timer_check_interval"`
	ResumeOnStart             bool          `yaml:"resume_on_start"`
}

// JournalConfig describes the durable execution log.
type JournalConfig struct {
	Store JournalStoreConfig `yaml:"store"`
}

// JournalStoreConfig describes journal persistence settings.
type JournalStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LeaseConfig describes per-instance ownership leases.
type LeaseConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// IdempotencyConfig controls replay of repeated start requests.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig selects where Idempotency-Key results live.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// MessagingConfig describes asynchronous transports.
type MessagingConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig describes the signal consumer and event publisher.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	SignalsTopic string   `yaml:"signals_topic"`
	EventsTopic  string   `yaml:"events_topic"`
	GroupID      string   `yaml:"group_id"`
}

// PayoutConfig describes the vendor payout workflow.
type PayoutConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Driver         string  `yaml:"driver"`
	DSNEnv         string  `yaml:"dsn_env"`
	CommissionRate float64 `yaml:"commission_rate"`
}

// ObservabilityConfig groups logging, tracing and metrics.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig selects the span exporter and sampling.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	AlwaysSampleSagas bool    `yaml:"always_sample_sagas"`
}

// MetricsConfig exposes the Prometheus registry.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults is the configuration a file is layered over.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			SecretEnv: "ORDERSAGA_JWT_SECRET",
			Leeway:    30 * time.Second,
		},
		Authorization: AuthorizationConfig{
			Roles: map[string][]string{
				"customer":         {"orders:start", "orders:read", "orders:cancel"},
				"vendor":           {"orders:read", "orders:signal:vendor"},
				"delivery_partner": {"orders:read", "orders:signal:delivery"},
				"service":          {"orders:*", "payouts:*", "notifications:*"},
				"operator":         {"*"},
			},
			CacheTTL: time.Minute,
		},
		Saga: SagaConfig{
			VendorConfirmationTimeout: 15 * time.Minute,
			DeliveryCompletionTimeout: 4 * time.Hour,
			DeliveryBuffer:            30 * time.Minute,
			TimerCheckInterval:        1 * time.Second,
			ResumeOnStart:             true,
		},
		Journal: JournalConfig{
			Store: JournalStoreConfig{
				Driver:          "memory",
				DSNEnv:          "ORDERSAGA_JOURNAL_DSN",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Lease: LeaseConfig{
			Driver:  "memory",
			AddrEnv: "ORDERSAGA_REDIS_ADDR",
			TTL:     10 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "ORDERSAGA_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Messaging: MessagingConfig{
			Kafka: KafkaConfig{
				SignalsTopic: "order-saga-signals",
				EventsTopic:  "order-saga-events",
				GroupID:      "ordersaga",
			},
		},
		Payout: PayoutConfig{
			Enabled:        true,
			Driver:         "memory",
			DSNEnv:         "ORDERSAGA_PAYOUT_DSN",
			CommissionRate: 0.15,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:          "otlp",
				SamplingRate:      0.1,
				AlwaysSampleSagas: true,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads the YAML file at path over Defaults, applies ORDERSAGA_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}
	return cfg, nil
}

// RequiredServices lists the collaborators every deployment must configure.
var RequiredServices = []string{ServiceOrder, ServiceProduct, ServiceVendor, ServicePayment, ServiceCustomer, ServiceDelivery}

var activityClasses = []string{"standard", "payment", "delivery_assignment", "tracking", "notification", "payout"}

// Validate reports every invalid field at once, joined with errors.Join.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port >= 1 && c.Server.Port <= 65535, "server.port must be between 1 and 65535")
	for _, id := range RequiredServices {
		check(c.Services[id].BaseURL != "", "services.%s.base_url is required", id)
	}
	for class, p := range c.Activities {
		check(slices.Contains(activityClasses, class), "activities.%s is not a known activity class", class)
		check(p.MaxAttempts >= 0, "activities.%s.max_attempts must not be negative", class)
	}
	check(c.Saga.VendorConfirmationTimeout > 0, "saga.vendor_confirmation_timeout must be positive")
	check(c.Saga.DeliveryCompletionTimeout > 0, "saga.delivery_completion_timeout must be positive")
	check(c.Saga.TimerCheckInterval > 0, "saga.timer_check_interval must be positive")
	check(slices.Contains([]string{"memory", "postgres"}, c.Journal.Store.Driver),
		"journal.store.driver %q must be memory or postgres", c.Journal.Store.Driver)
	check(slices.Contains([]string{"memory", "redis"}, c.Lease.Driver),
		"lease.driver %q must be memory or redis", c.Lease.Driver)
	check(!c.Messaging.Kafka.Enabled || len(c.Messaging.Kafka.Brokers) > 0,
		"messaging.kafka.brokers is required when kafka is enabled")
	check(c.Authorization.CacheTTL >= 0, "authorization.cache_ttl must not be negative")
	check(c.Payout.CommissionRate >= 0 && c.Payout.CommissionRate < 1, "payout.commission_rate must be in [0, 1)")

	return errors.Join(errs...)
}

// envOverrides maps ORDERSAGA_* variables onto the fields operators most
// often change per environment.
var envOverrides = []struct {
	name  string
	apply func(cfg *Config, v string) error
}{
	{"ORDERSAGA_SERVER_PORT", func(cfg *Config, v string) error {
		port, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		cfg.Server.Port = port
		return nil
	}},
	{"ORDERSAGA_IDENTITY_ISSUER", func(cfg *Config, v string) error { cfg.Identity.Issuer = v; return nil }},
	{"ORDERSAGA_OBSERVABILITY_LOG_LEVEL", func(cfg *Config, v string) error { cfg.Observability.LogLevel = v; return nil }},
	{"ORDERSAGA_JOURNAL_DRIVER", func(cfg *Config, v string) error { cfg.Journal.Store.Driver = v; return nil }},
	{"ORDERSAGA_KAFKA_BROKERS", func(cfg *Config, v string) error {
		cfg.Messaging.Kafka.Brokers = strings.Split(v, ",")
		return nil
	}},
	{"ORDERSAGA_AUTHZ_POLICY_FILE", func(cfg *Config, v string) error { cfg.Authorization.PolicyFile = v; return nil }},
}

func applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("%s=%q: %w", o.name, v, err)
		}
	}
	return nil
}
