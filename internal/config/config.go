// Package config содержит логику чтения конфигурации сервиса заказов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

const (
	defaultRunAddress      = "localhost:8080"
	defaultTaxRate         = "10"
	defaultExternalTimeout = 10 * time.Second
)

// Config содержит параметры конфигурации сервиса заказов.
type Config struct {
	RunAddress             string        `env:"RUN_ADDRESS"`
	DatabaseURI            string        `env:"DATABASE_URI"`
	FiscalAuthorityAddress string        `env:"FISCAL_AUTHORITY_ADDRESS"`
	MailServiceAddress     string        `env:"MAIL_SERVICE_ADDRESS"`
	RedisAddress           string        `env:"REDIS_ADDRESS"`
	TaxRate                string        `env:"TAX_RATE"`
	ExternalTimeout        time.Duration `env:"EXTERNAL_TIMEOUT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.FiscalAuthorityAddress, "f", "", "fiscal authority address")
	flag.StringVar(&cfg.MailServiceAddress, "m", "", "mail service address")
	flag.StringVar(&cfg.RedisAddress, "c", "", "redis address for idempotency keys")
	flag.StringVar(&cfg.TaxRate, "t", defaultTaxRate, "tax rate, percent")
	flag.DurationVar(&cfg.ExternalTimeout, "x", defaultExternalTimeout, "timeout for fiscal authority and mail service calls")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.FiscalAuthorityAddress != "" {
		cfg.FiscalAuthorityAddress = fromEnv.FiscalAuthorityAddress
	}
	if fromEnv.MailServiceAddress != "" {
		cfg.MailServiceAddress = fromEnv.MailServiceAddress
	}
	if fromEnv.RedisAddress != "" {
		cfg.RedisAddress = fromEnv.RedisAddress
	}
	if fromEnv.TaxRate != "" {
		cfg.TaxRate = fromEnv.TaxRate
	}
	if fromEnv.ExternalTimeout != 0 {
		cfg.ExternalTimeout = fromEnv.ExternalTimeout
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if _, err := cfg.TaxRatePercent(); err != nil {
		return nil, err
	}
	if cfg.ExternalTimeout <= 0 {
		return nil, fmt.Errorf("external timeout must be positive, got %s", cfg.ExternalTimeout)
	}

	return cfg, nil
}

// TaxRatePercent возвращает ставку налога в процентах.
func (c *Config) TaxRatePercent() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.TaxRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse tax rate %q: %w", c.TaxRate, err)
	}
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("tax rate must not be negative, got %s", rate)
	}
	return rate, nil
}
