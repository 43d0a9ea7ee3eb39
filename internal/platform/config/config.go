package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	Commission CommissionConfig `yaml:"commission"`
}

type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	GRPCPort        int           `yaml:"grpc_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type DatabaseConfig struct {
	// Driver selects the store implementation: "postgres" or "memory".
	Driver      string        `yaml:"driver"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	SSLMode     string        `yaml:"ssl_mode"`
	MaxConns    int32         `yaml:"max_conns"`
	MinConns    int32         `yaml:"min_conns"`
	MaxConnTime time.Duration `yaml:"max_conn_time"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	HealthCheck time.Duration `yaml:"health_check"`
}

type NATSConfig struct {
	// URL empty disables notification publishing.
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// CommissionConfig holds the tunable business constants.
type CommissionConfig struct {
	DrawCapRatio  string       `yaml:"draw_cap_ratio"`
	DrawCeiling   string       `yaml:"draw_ceiling"`
	PayWeekday    time.Weekday `yaml:"pay_weekday"`
	PayLeadDays   int          `yaml:"pay_lead_days"`
	ConflictRetry int          `yaml:"conflict_retry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-commissions",
			Version:     "dev",
			Environment: "development",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			Port:            8086,
			GRPCPort:        9086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:      "postgres",
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Database:    "commissions",
			SSLMode:     "disable",
			MaxConns:    10,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
		},
		NATS: NATSConfig{
			SubjectPrefix: "notifications.commissions",
		},
		Commission: CommissionConfig{
			DrawCapRatio:  "0.5",
			DrawCeiling:   "1500",
			PayWeekday:    time.Friday,
			PayLeadDays:   7,
			ConflictRetry: 1,
		},
	}
}

// Load builds the configuration from defaults, an optional .env file, an
// optional YAML file named by CONFIG_FILE, and finally environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Service.Name = getEnv("SERVICE_NAME", c.Service.Name)
	c.Service.Version = getEnv("SERVICE_VERSION", c.Service.Version)
	c.Service.Environment = getEnv("ENVIRONMENT", c.Service.Environment)
	c.Service.LogLevel = getEnv("LOG_LEVEL", c.Service.LogLevel)

	c.Server.Port = getEnvInt("PORT", c.Server.Port)
	c.Server.GRPCPort = getEnvInt("GRPC_PORT", c.Server.GRPCPort)
	c.Server.ReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.RequestTimeout = getEnvDuration("SERVER_REQUEST_TIMEOUT", c.Server.RequestTimeout)

	c.Database.Driver = getEnv("STORE_DRIVER", c.Database.Driver)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Database = getEnv("DB_NAME", c.Database.Database)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.MaxConns = int32(getEnvInt("DB_MAX_CONNS", int(c.Database.MaxConns)))
	c.Database.MinConns = int32(getEnvInt("DB_MIN_CONNS", int(c.Database.MinConns)))

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)

	c.Commission.DrawCapRatio = getEnv("DRAW_CAP_RATIO", c.Commission.DrawCapRatio)
	c.Commission.DrawCeiling = getEnv("DRAW_CEILING", c.Commission.DrawCeiling)
	c.Commission.PayLeadDays = getEnvInt("PAY_LEAD_DAYS", c.Commission.PayLeadDays)
	c.Commission.PayWeekday = time.Weekday(getEnvInt("PAY_WEEKDAY", int(c.Commission.PayWeekday)))
	c.Commission.ConflictRetry = getEnvInt("CONFLICT_RETRY", c.Commission.ConflictRetry)
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Database.Driver)
	}
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("server ports must be positive")
	}
	if c.Commission.PayWeekday < time.Sunday || c.Commission.PayWeekday > time.Saturday {
		return fmt.Errorf("pay_weekday must be 0-6")
	}
	if c.Commission.PayLeadDays < 0 {
		return fmt.Errorf("pay_lead_days cannot be negative")
	}
	if c.Commission.ConflictRetry < 1 {
		return fmt.Errorf("conflict_retry must be at least 1")
	}
	return nil
}

// DSN returns the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
