package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const defaultPath = "config/config.yaml"

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		EventTTL time.Duration `yaml:"event_ttl"`
	} `yaml:"redis"`
	Stripe struct {
		SecretKey     string        `yaml:"secret_key"`
		WebhookSecret string        `yaml:"webhook_secret"`
		Timeout       time.Duration `yaml:"timeout"`

		OnboardRefreshURL string `yaml:"onboard_refresh_url"`
		OnboardReturnURL  string `yaml:"onboard_return_url"`
	} `yaml:"stripe"`
	JWT struct {
		Secret string `yaml:"secret"`
	} `yaml:"jwt"`
	Firebase struct {
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"firebase"`
	S3 struct {
		Bucket    string `yaml:"bucket"`
		Region    string `yaml:"region"`
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Prefix    string `yaml:"prefix"`
	} `yaml:"s3"`
	Settlement struct {
		AutoTransferOnRelease bool   `yaml:"auto_transfer_on_release"`
		AutoPayoutOnWithdraw  bool   `yaml:"auto_payout_on_withdraw"`
		Timezone              string `yaml:"timezone"`
	} `yaml:"settlement"`
	Queue struct {
		Workers  int           `yaml:"workers"`
		Capacity int           `yaml:"capacity"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"queue"`
	Workers struct {
		AuditInterval  time.Duration `yaml:"audit_interval"`
		ReplayInterval time.Duration `yaml:"replay_interval"`
		ReplayAttempts int           `yaml:"replay_attempts"`
		ReplayBatch    int           `yaml:"replay_batch"`
	} `yaml:"workers"`
}

// LoadConfig reads the YAML file at CONFIG_PATH (config/config.yaml by
// default), applies environment overrides and fills in defaults.
// A missing file is not an error; everything can come from the environment.
func LoadConfig() (Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultPath
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	readString("DATABASE_URL", &c.Database.URL)
	readString("DATABASE_DRIVER", &c.Database.Driver)
	readString("REDIS_ADDR", &c.Redis.Addr)
	readString("REDIS_PASSWORD", &c.Redis.Password)
	readString("STRIPE_SECRET_KEY", &c.Stripe.SecretKey)
	readString("STRIPE_WEBHOOK_SECRET", &c.Stripe.WebhookSecret)
	readString("STRIPE_ONBOARD_REFRESH_URL", &c.Stripe.OnboardRefreshURL)
	readString("STRIPE_ONBOARD_RETURN_URL", &c.Stripe.OnboardReturnURL)
	readString("JWT_SECRET", &c.JWT.Secret)
	readString("FIREBASE_CREDENTIALS_FILE", &c.Firebase.CredentialsFile)
	readString("S3_BUCKET", &c.S3.Bucket)
	readString("S3_REGION", &c.S3.Region)
	readString("S3_ENDPOINT", &c.S3.Endpoint)
	readString("S3_ACCESS_KEY", &c.S3.AccessKey)
	readString("S3_SECRET_KEY", &c.S3.SecretKey)
	readString("WALLET_TIMEZONE", &c.Settlement.Timezone)

	if v := os.Getenv("PORT"); v != "" {
		c.Server.Address = ":" + strings.TrimPrefix(v, ":")
	}
	if v, err := readIntEnv("REDIS_DB"); err != nil {
		return fmt.Errorf("parse REDIS_DB: %w", err)
	} else if v != nil {
		c.Redis.DB = *v
	}
	if v, err := readIntEnv("EVENT_WORKERS"); err != nil {
		return fmt.Errorf("parse EVENT_WORKERS: %w", err)
	} else if v != nil {
		c.Queue.Workers = *v
	}
	if v, err := readBoolEnv("AUTO_PAYOUT_ON_WITHDRAW"); err != nil {
		return fmt.Errorf("parse AUTO_PAYOUT_ON_WITHDRAW: %w", err)
	} else if v != nil {
		c.Settlement.AutoPayoutOnWithdraw = *v
	}
	if v, err := readBoolEnv("AUTO_TRANSFER_ON_RELEASE"); err != nil {
		return fmt.Errorf("parse AUTO_TRANSFER_ON_RELEASE: %w", err)
	} else if v != nil {
		c.Settlement.AutoTransferOnRelease = *v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":4000"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 20 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Redis.EventTTL <= 0 {
		c.Redis.EventTTL = 72 * time.Hour
	}
	if c.Stripe.Timeout <= 0 {
		c.Stripe.Timeout = 15 * time.Second
	}
	if c.Settlement.Timezone == "" {
		c.Settlement.Timezone = "UTC"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 256
	}
	if c.Queue.Timeout <= 0 {
		c.Queue.Timeout = 30 * time.Second
	}
	if c.Workers.AuditInterval <= 0 {
		c.Workers.AuditInterval = time.Hour
	}
	if c.Workers.ReplayInterval <= 0 {
		c.Workers.ReplayInterval = 5 * time.Minute
	}
	if c.Workers.ReplayAttempts <= 0 {
		c.Workers.ReplayAttempts = 5
	}
	if c.Workers.ReplayBatch <= 0 {
		c.Workers.ReplayBatch = 50
	}
}

// Validate reports every missing or malformed required setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url (DATABASE_URL) is required"))
	}
	switch strings.ToLower(c.Database.Driver) {
	case "mysql", "pgx", "postgres", "postgresql":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Stripe.SecretKey == "" {
		errs = append(errs, errors.New("stripe.secret_key (STRIPE_SECRET_KEY) is required"))
	}
	if c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("stripe.webhook_secret (STRIPE_WEBHOOK_SECRET) is required"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret (JWT_SECRET) is required"))
	}
	if _, err := time.LoadLocation(c.Settlement.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("settlement.timezone: %w", err))
	}
	return errors.Join(errs...)
}

// Location is the timezone wallet "today" figures and statements use.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Settlement.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func readString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func readIntEnv(key string) (*int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func readBoolEnv(key string) (*bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
