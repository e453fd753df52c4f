// Package config содержит логику чтения конфигурации сервиса заказов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress     = "localhost:8080"
	defaultGatewayTimeout = 30 * time.Second
)

// Config содержит параметры конфигурации сервиса заказов.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	GatewayAddress     string        `env:"GATEWAY_ADDRESS"`
	GatewaySecretKey   string        `env:"GATEWAY_SECRET_KEY"`
	GatewayBillingKey  string        `env:"GATEWAY_BILLING_KEY"`
	GatewayCustomerKey string        `env:"GATEWAY_CUSTOMER_KEY"`
	GatewayTimeout     time.Duration `env:"GATEWAY_TIMEOUT"`

	JWTSecret string `env:"JWT_SECRET"`
	// AMQPURL пуст, если события о смене статуса не публикуются.
	AMQPURL string `env:"AMQP_URL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	fromEnv := Config{}
	if err := env.Parse(&fromEnv); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}
	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.DurationVar(&cfg.GatewayTimeout, "t", defaultGatewayTimeout, "payment gateway call timeout")
	flag.StringVar(&cfg.AMQPURL, "q", "", "AMQP URL for order status events")

	flag.Parse()

	override(&cfg.RunAddress, fromEnv.RunAddress)
	override(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	override(&cfg.GatewayAddress, fromEnv.GatewayAddress)
	override(&cfg.GatewayTimeout, fromEnv.GatewayTimeout)
	override(&cfg.AMQPURL, fromEnv.AMQPURL)

	cfg.GatewaySecretKey = fromEnv.GatewaySecretKey
	cfg.GatewayBillingKey = fromEnv.GatewayBillingKey
	cfg.GatewayCustomerKey = fromEnv.GatewayCustomerKey
	cfg.JWTSecret = fromEnv.JWTSecret

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}

	return cfg, nil
}

func override[T comparable](dst *T, envValue T) {
	var zero T
	if envValue != zero {
		*dst = envValue
	}
}
