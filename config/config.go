// Package config loads the configuration of the application.
//
// Values are read, each overriding the previous one, from the defaults, the
// YAML file named by HODL_CONFIG, and the environment. A .env file in the
// current directory is loaded into the environment first.
//
//	ledger: ~/hodl/ledger.jsonl
//	currency: EUR
//	vault:
//	  path: ~/hodl/credentials.db
//	rates:
//	  freshness: 1h
//	exchanges:
//	  kraken:
//	    baseUrl: https://api.kraken.com
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/etnz/hodl"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the application configuration.
type Config struct {
	// Ledger is the ledger path: a SQLite database for .db files, JSONL otherwise.
	Ledger string `yaml:"ledger"`
	// Currency is the currency of records that declare none.
	Currency  string                    `yaml:"currency"`
	Vault     VaultConfig               `yaml:"vault"`
	Rates     RatesConfig               `yaml:"rates"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Server    ServerConfig              `yaml:"server"`
	LogLevel  string                    `yaml:"logLevel"`
}

// VaultConfig locates the credential vault.
type VaultConfig struct {
	// Path is a bbolt database for .db files, a JSON document otherwise.
	Path string `yaml:"path"`
	// Secret derives the encryption key. It is only read from the environment.
	Secret string `yaml:"-"`
	Salt   string `yaml:"salt"`
}

// RatesConfig configures the currency rate source.
type RatesConfig struct {
	URL       string        `yaml:"url"`
	Path      string        `yaml:"path"`
	Base      string        `yaml:"base"`
	Freshness time.Duration `yaml:"freshness"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ExchangeConfig overrides an exchange endpoint.
type ExchangeConfig struct {
	BaseURL string `yaml:"baseUrl"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Ledger:    "hodl.jsonl",
		Currency:  hodl.EUR,
		Vault:     VaultConfig{Path: "credentials.json"},
		Rates:     RatesConfig{Freshness: time.Hour, Timeout: 5 * time.Second},
		Exchanges: map[string]ExchangeConfig{},
		Server:    ServerConfig{Addr: ":8080"},
		LogLevel:  "info",
	}
}

// Load loads the configuration. envPath is the .env file to load, ".env" if empty.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	} else {
		// a missing .env file is fine
		_ = godotenv.Load()
	}
	c := Default()
	if path := os.Getenv("HODL_CONFIG"); path != "" {
		if err := c.ReadFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.readEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadFile overrides c with the values of a YAML file.
func (c *Config) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) readEnv() error {
	for key, dst := range map[string]*string{
		"HODL_LEDGER":     &c.Ledger,
		"HODL_CURRENCY":   &c.Currency,
		"HODL_VAULT":      &c.Vault.Path,
		"HODL_SECRET":     &c.Vault.Secret,
		"HODL_SALT":       &c.Vault.Salt,
		"HODL_RATES_URL":  &c.Rates.URL,
		"HODL_RATES_PATH": &c.Rates.Path,
		"HODL_RATES_BASE": &c.Rates.Base,
		"HODL_ADDR":       &c.Server.Addr,
		"LOG_LEVEL":       &c.LogLevel,
	} {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	for key, dst := range map[string]*time.Duration{
		"HODL_RATES_FRESHNESS": &c.Rates.Freshness,
		"HODL_RATES_TIMEOUT":   &c.Rates.Timeout,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}
	// HODL_KRAKEN_URL overrides the kraken endpoint, and so on.
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		name, ok := strings.CutPrefix(key, "HODL_")
		if !ok || value == "" {
			continue
		}
		id, ok := strings.CutSuffix(name, "_URL")
		if !ok || id == "RATES" || id == "" {
			continue
		}
		if c.Exchanges == nil {
			c.Exchanges = map[string]ExchangeConfig{}
		}
		c.Exchanges[strings.ToLower(id)] = ExchangeConfig{BaseURL: value}
	}
	return nil
}

// BaseURLs returns the endpoint overrides per exchange id.
func (c *Config) BaseURLs() map[string]string {
	res := make(map[string]string, len(c.Exchanges))
	for id, e := range c.Exchanges {
		if e.BaseURL != "" {
			res[strings.ToLower(id)] = e.BaseURL
		}
	}
	return res
}

// Validate checks that the named settings are set: "ledger", "vault",
// "secret", "currency", "addr". It fails with NotConfigured listing the missing ones.
func (c *Config) Validate(required ...string) error {
	var missing []string
	for _, name := range required {
		var value string
		switch name {
		case "ledger":
			value = c.Ledger
		case "vault":
			value = c.Vault.Path
		case "secret":
			value = c.Vault.Secret
		case "currency":
			value = c.Currency
		case "addr":
			value = c.Server.Addr
		default:
			return fmt.Errorf("unknown setting %q", name)
		}
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return hodl.Errorf(hodl.NotConfigured, "missing required configuration: %s, please check your .env file or environment variables", strings.Join(missing, ", "))
	}
	if _, err := hodl.ParseCurrency(c.Currency); c.Currency != "" && err != nil {
		return err
	}
	return nil
}
