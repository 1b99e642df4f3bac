package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds the service settings. Values come from defaults, then an
// optional YAML file, then environment variables.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`

	DatabaseDriver string `yaml:"database_driver"`
	DatabaseDSN    string `yaml:"database_dsn"`
	RedisAddr      string `yaml:"redis_addr"`

	JWTSecret   string        `yaml:"jwt_secret"`
	JWTAudience string        `yaml:"jwt_audience"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	BcryptCost  int           `yaml:"bcrypt_cost"`

	WeightsPath          string `yaml:"weights_path"`
	RemoteClassifierAddr string `yaml:"classifier_addr"`
	UploadDir            string `yaml:"upload_dir"`
	ReportTitle          string `yaml:"report_title"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":50051",
		ShutdownTimeout: 15 * time.Second,
		LogLevel:        "info",
		DatabaseDriver:  DriverPostgres,
		DatabaseDSN:     "host=postgres user=postgres password=postgres dbname=bloodgroup port=5432 sslmode=disable",
		RedisAddr:       "redis:6379",
		JWTSecret:       "dev-secret",
		TokenTTL:        12 * time.Hour,
		WeightsPath:     "model/blood_group_cnn.safetensors",
		UploadDir:       "uploads",
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	getEnv := func(key string, target *string) {
		if value, ok := lookup(key); ok {
			*target = strings.TrimSpace(value)
		}
	}
	getEnv("HTTP_ADDR", &c.HTTPAddr)
	getEnv("GRPC_ADDR", &c.GRPCAddr)
	getEnv("LOG_LEVEL", &c.LogLevel)
	getEnv("DATABASE_DRIVER", &c.DatabaseDriver)
	getEnv("DATABASE_DSN", &c.DatabaseDSN)
	getEnv("REDIS_ADDR", &c.RedisAddr)
	getEnv("JWT_SECRET", &c.JWTSecret)
	getEnv("JWT_AUDIENCE", &c.JWTAudience)
	getEnv("WEIGHTS_PATH", &c.WeightsPath)
	getEnv("CLASSIFIER_ADDR", &c.RemoteClassifierAddr)
	getEnv("UPLOAD_DIR", &c.UploadDir)
	getEnv("REPORT_TITLE", &c.ReportTitle)

	var errs error
	getDuration := func(key string, target *time.Duration) {
		if value, ok := lookup(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(value))
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*target = d
		}
	}
	getDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	getDuration("JWT_TTL", &c.TokenTTL)

	if value, ok := lookup("BCRYPT_COST"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("BCRYPT_COST: %w", err))
		} else {
			c.BcryptCost = n
		}
	}
	return errs
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs error
	if c.HTTPAddr == "" {
		errs = multierr.Append(errs, errors.New("http_addr is required"))
	}
	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = multierr.Append(errs, fmt.Errorf("database_driver %q is not one of %s, %s", c.DatabaseDriver, DriverPostgres, DriverSQLite))
	}
	if c.DatabaseDSN == "" {
		errs = multierr.Append(errs, errors.New("database_dsn is required"))
	}
	if c.JWTSecret == "" {
		errs = multierr.Append(errs, errors.New("jwt_secret is required"))
	}
	if c.TokenTTL <= 0 {
		errs = multierr.Append(errs, errors.New("token_ttl must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("shutdown_timeout must be positive"))
	}
	if c.WeightsPath == "" && c.RemoteClassifierAddr == "" {
		errs = multierr.Append(errs, errors.New("one of weights_path or classifier_addr is required"))
	}
	if c.UploadDir == "" {
		errs = multierr.Append(errs, errors.New("upload_dir is required"))
	}
	if c.BcryptCost != 0 && (c.BcryptCost < 4 || c.BcryptCost > 31) {
		errs = multierr.Append(errs, fmt.Errorf("bcrypt_cost %d is out of range", c.BcryptCost))
	}
	return errs
}
