// Package config содержит логику чтения конфигурации аукционного сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации аукционного сервиса.
type Config struct {
	RunAddress            string        `env:"RUN_ADDRESS"`
	DatabaseURI           string        `env:"DATABASE_URI"`
	ProfileServiceAddress string        `env:"PROFILE_SERVICE_ADDRESS"`
	CommissionRate        string        `env:"COMMISSION_RATE"`
	SettlementInterval    time.Duration `env:"SETTLEMENT_INTERVAL"`
	AuthSecret            string        `env:"AUTH_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envProfileAddress := cfg.ProfileServiceAddress
	envCommissionRate := cfg.CommissionRate
	envSettlementInterval := cfg.SettlementInterval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ProfileServiceAddress, "p", "", "profile service address")
	flag.StringVar(&cfg.CommissionRate, "c", "0.05", "platform commission rate")
	flag.DurationVar(&cfg.SettlementInterval, "i", 30*time.Second, "settlement pass interval")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envProfileAddress != "" {
		cfg.ProfileServiceAddress = envProfileAddress
	}
	if envCommissionRate != "" {
		cfg.CommissionRate = envCommissionRate
	}
	if envSettlementInterval != 0 {
		cfg.SettlementInterval = envSettlementInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "auction-secret"
	}

	return cfg, nil
}
