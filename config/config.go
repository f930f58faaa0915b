package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/code-payments/flipcash2-billing/billing"
)

const (
	TokenStoreMemory   = "memory"
	TokenStoreSqlite   = "sqlite"
	TokenStorePostgres = "postgres"
)

type Config struct {
	Backoff                   BackoffConfig    `yaml:"backoff"`
	RetryableCodes            []string         `yaml:"retryable_codes"`
	PurchaseUpdateDedupWindow time.Duration    `yaml:"purchase_update_dedup_window"`
	TokenStore                TokenStoreConfig `yaml:"token_store"`
	Play                      PlayConfig       `yaml:"play"`
	Log                       LogConfig        `yaml:"log"`
}

type BackoffConfig struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

type TokenStoreConfig struct {
	// Driver is one of memory, sqlite or postgres.
	Driver string `yaml:"driver"`

	// DSN is a file path for sqlite and a connection URL for postgres.
	DSN string `yaml:"dsn"`

	// CacheTTL fronts the store with an in-process cache when positive.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type PlayConfig struct {
	PackageName        string `yaml:"package_name"`
	ServiceAccountFile string `yaml:"service_account_file"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() *Config {
	retryable := billing.DefaultRetryableCodes()
	names := make([]string, len(retryable))
	for i, code := range retryable {
		names[i] = code.String()
	}

	return &Config{
		Backoff: BackoffConfig{
			Base: billing.DefaultBackoffBase,
			Max:  billing.DefaultBackoffMax,
		},
		RetryableCodes:            names,
		PurchaseUpdateDedupWindow: billing.DefaultPurchaseUpdateDedupWindow,
		TokenStore: TokenStoreConfig{
			Driver: TokenStoreMemory,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if len(path) == 0 {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.TokenStore.Driver {
	case TokenStoreMemory:
	case TokenStoreSqlite, TokenStorePostgres:
		if len(c.TokenStore.DSN) == 0 {
			return errors.Errorf("token_store.dsn is required for the %s driver", c.TokenStore.Driver)
		}
	default:
		return errors.Errorf("unknown token_store.driver %q", c.TokenStore.Driver)
	}

	if c.Backoff.Max > 0 && c.Backoff.Max < c.Backoff.Base {
		return errors.New("backoff.max must not be lower than backoff.base")
	}

	_, err := c.retryableCodes()
	return err
}

func (c *Config) retryableCodes() ([]billing.ResponseCode, error) {
	codes := make([]billing.ResponseCode, 0, len(c.RetryableCodes))
	for _, name := range c.RetryableCodes {
		code, err := billing.ParseResponseCode(name)
		if err != nil {
			return nil, errors.Wrap(err, "invalid retryable_codes entry")
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// BillingConfig converts the file configuration into the wrapper's.
func (c *Config) BillingConfig() (billing.Config, error) {
	codes, err := c.retryableCodes()
	if err != nil {
		return billing.Config{}, err
	}

	return billing.Config{
		BackoffBase:               c.Backoff.Base,
		BackoffMax:                c.Backoff.Max,
		RetryableCodes:            codes,
		PurchaseUpdateDedupWindow: c.PurchaseUpdateDedupWindow,
	}, nil
}

func (c *Config) NewLogger() (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return nil, errors.Wrap(err, "invalid log.level")
	}

	zapConfig := zap.NewProductionConfig()
	if c.Log.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	return zapConfig.Build()
}
