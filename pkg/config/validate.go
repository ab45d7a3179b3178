// Package config loads and validates service configuration.
package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidateCore ensures critical configuration is present.
func (c *Config) ValidateCore() error {
	var missing []string

	if c.Policy.StorageDriver == StoragePostgres && strings.TrimSpace(c.Database.URL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		missing = append(missing, "REDIS_URL")
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		missing = append(missing, "SERVER_PORT")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" || c.JWT.Secret == "change-this-secret" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return c.validatePolicy()
}

func (c *Config) validatePolicy() error {
	var invalid []string

	switch c.Policy.StorageDriver {
	case StoragePostgres, StorageMemory:
	default:
		invalid = append(invalid, "STORAGE_DRIVER")
	}
	switch c.Policy.FeeMissingPolicy {
	case FeeMissingBlock, FeeMissingWaive:
	default:
		invalid = append(invalid, "FEE_MISSING_POLICY")
	}
	if c.Policy.MoneyScale < 0 || c.Policy.MoneyScale > 8 {
		invalid = append(invalid, "MONEY_SCALE")
	}
	if _, err := time.LoadLocation(c.Policy.DefaultTimezone); err != nil {
		invalid = append(invalid, "DEFAULT_TIMEZONE")
	}
	if c.Policy.ReservationMaxAge < time.Minute {
		invalid = append(invalid, "RESERVATION_MAX_AGE")
	}
	if c.Policy.SweepInterval <= 0 {
		invalid = append(invalid, "RESERVATION_SWEEP_INTERVAL")
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(invalid, ", "))
	}
	return nil
}
