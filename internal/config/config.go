// Package config содержит логику чтения конфигурации библиотечного сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации библиотечного сервиса.
type Config struct {
	RunAddress            string        `env:"RUN_ADDRESS"`
	DatabaseURI           string        `env:"DATABASE_URI"`
	AuthSecret            string        `env:"AUTH_SECRET"`
	LoanPeriodDays        int           `env:"LOAN_PERIOD_DAYS"`
	FineRatePerDay        float64       `env:"FINE_RATE_PER_DAY"`
	FineRecomputeInterval time.Duration `env:"FINE_RECOMPUTE_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret
	envLoanPeriodDays := cfg.LoanPeriodDays
	envFineRatePerDay := cfg.FineRatePerDay
	envFineRecomputeInterval := cfg.FineRecomputeInterval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI (empty runs the in-memory store)")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookie signing")
	flag.IntVar(&cfg.LoanPeriodDays, "p", 14, "default loan period in days")
	flag.Float64Var(&cfg.FineRatePerDay, "f", 2.5, "fine rate per overdue day")
	flag.DurationVar(&cfg.FineRecomputeInterval, "i", time.Hour, "interval of the background fine recompute pass (0 disables it)")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envLoanPeriodDays != 0 {
		cfg.LoanPeriodDays = envLoanPeriodDays
	}
	if envFineRatePerDay != 0 {
		cfg.FineRatePerDay = envFineRatePerDay
	}
	if envFineRecomputeInterval != 0 {
		cfg.FineRecomputeInterval = envFineRecomputeInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.LoanPeriodDays <= 0 {
		return nil, fmt.Errorf("loan period must be positive, got %d", cfg.LoanPeriodDays)
	}
	if cfg.FineRatePerDay < 0 {
		return nil, fmt.Errorf("fine rate must not be negative, got %v", cfg.FineRatePerDay)
	}

	return cfg, nil
}
