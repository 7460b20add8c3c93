package domain

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete railrate configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines which infrastructure backends are used
	Tier Tier `json:"tier" yaml:"tier"`

	// Rule and price tables
	Tables TablesConfig `json:"tables" yaml:"tables"`

	// Rating policies
	Rating      RatingConfig       `json:"rating" yaml:"rating"`
	Tax         TaxConfig          `json:"tax" yaml:"tax"`
	Derivations []DerivationConfig `json:"derivations" yaml:"derivations"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds
}

// TablesConfig selects where rule and price tables are read from.
type TablesConfig struct {
	// Source is "dir" (YAML files) or "sql" (the configured repository)
	Source string `json:"source" yaml:"source"`
	Dir    string `json:"dir" yaml:"dir"`

	// RefreshInterval is how often the source revision is polled; zero disables polling
	RefreshInterval time.Duration `json:"refreshInterval" yaml:"refresh_interval"`
}

// RatingConfig holds rating pipeline policies.
type RatingConfig struct {
	DefaultPriceGrid string `json:"defaultPriceGrid" yaml:"default_price_grid"`
	Currency         string `json:"currency" yaml:"currency"`
	AsyncWorker      bool   `json:"asyncWorker" yaml:"async_worker"`
}

// TaxConfig holds tax resolution settings.
type TaxConfig struct {
	HomeCountry  string       `json:"homeCountry" yaml:"home_country"`
	StandardRate float64      `json:"standardRate" yaml:"standard_rate"`
	Defaults     []TaxDefault `json:"defaults" yaml:"defaults"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ServiceName  string `json:"serviceName" yaml:"service_name"`
	ExporterType string `json:"exporterType" yaml:"exporter_type"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process LRU
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Tables: TablesConfig{
			Source:          "dir",
			Dir:             "./tables",
			RefreshInterval: 30 * time.Second,
		},
		Rating: RatingConfig{
			DefaultPriceGrid: "N",
			Currency:         "EUR",
		},
		Tax: TaxConfig{
			HomeCountry:  "DE",
			StandardRate: 0.19,
			Defaults: []TaxDefault{
				{Direction: "Export", TaxCase: "§ 4 Nr. 3a UStG", SAPIndicator: "A1"},
				{Direction: "Import", TaxCase: "Reverse Charge", SAPIndicator: "RC"},
				{Direction: "Domestic", TaxCase: "Standard VAT", ApplyVAT: true, Rate: 0.19, SAPIndicator: "B1"},
			},
		},
		Derivations: []DerivationConfig{
			{
				ID:          "waiting-time-after-export-wait",
				Description: "Waiting time is billed in five units after an export waiting service",
				When:        `"123" in services`,
				Code:        "789",
				Quantity:    "5",
				Enabled:     true,
			},
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./railrate.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			RatingTTL:    10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
			SubjectPrefix:     "railrate",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "railrate",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
// Tables are read from PostgreSQL, results cached in Redis, events on NATS.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Tables.Source = "sql"
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "railrate",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		RatingTTL:      10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		SubjectPrefix:     "railrate",
	}
	cfg.Rating.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}

// LoadConfig builds the configuration: tier defaults, then the optional YAML
// file at path (environment variables expanded), then RAILRATE_* overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if os.Getenv("RAILRATE_TIER") == string(TierPro) {
		cfg = ProConfig()
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		expanded := os.ExpandEnv(string(raw))
		expanded = strings.ReplaceAll(expanded, "\r\n", "\n")
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides configuration values from RAILRATE_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("RAILRATE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RAILRATE_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := getenv("RAILRATE_TABLES_SOURCE"); v != "" {
		c.Tables.Source = v
	}
	if v := getenv("RAILRATE_TABLES_DIR"); v != "" {
		c.Tables.Dir = v
	}
	if v := getenv("RAILRATE_REFRESH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RAILRATE_REFRESH_INTERVAL %q: %w", v, err)
		}
		c.Tables.RefreshInterval = d
	}
	if v := getenv("RAILRATE_SQLITE_PATH"); v != "" {
		c.Repository.SQLitePath = v
	}
	if v := getenv("RAILRATE_CACHE"); v != "" {
		c.Cache.Type = v
	}
	if v := getenv("RAILRATE_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := getenv("RAILRATE_BUS"); v != "" {
		c.EventBus.Type = v
	}
	if v := getenv("RAILRATE_NATS_URL"); v != "" {
		c.EventBus.NATSUrl = v
	}
	if v := getenv("RAILRATE_HOME_COUNTRY"); v != "" {
		c.Tax.HomeCountry = strings.ToUpper(v)
	}
	if getenv("RAILRATE_ASYNC_WORKER") == "true" {
		c.Rating.AsyncWorker = true
	}
	if getenv("RAILRATE_DEBUG") == "true" {
		c.Logging.Level = "debug"
	}
	return nil
}

// Validate checks the configuration for inconsistent settings.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	switch c.Tables.Source {
	case "dir":
		if c.Tables.Dir == "" {
			return fmt.Errorf("tables.dir is required when tables.source=dir")
		}
	case "sql":
	default:
		return fmt.Errorf("unsupported tables.source: %s", c.Tables.Source)
	}
	if c.Tables.RefreshInterval < 0 {
		return fmt.Errorf("tables.refresh_interval must not be negative")
	}
	if len(c.Tax.HomeCountry) != 2 {
		return fmt.Errorf("tax.home_country must be a two-letter country code")
	}
	if c.Tax.StandardRate < 0 || c.Tax.StandardRate >= 1 {
		return fmt.Errorf("tax.standard_rate must be in [0, 1)")
	}
	seen := make(map[string]bool, len(c.Derivations))
	for _, d := range c.Derivations {
		if d.ID == "" || d.Code == "" {
			return fmt.Errorf("derivations: id and code are required")
		}
		if (d.When == "") == (d.Logic == nil) {
			return fmt.Errorf("derivations: %s needs exactly one of when and logic", d.ID)
		}
		if seen[d.ID] {
			return fmt.Errorf("derivations: duplicate id %s", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}
