package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Environment identifies the runtime environment where the replicator operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// SourceKind selects where leader events come from.
type SourceKind string

const (
	SourceKafka SourceKind = "kafka"
	SourceFile  SourceKind = "file"
)

// MarketKind selects the market state provider.
type MarketKind string

const (
	MarketRedis MarketKind = "redis"
	MarketPaper MarketKind = "paper"
)

// GatewayKind selects the execution venue.
type GatewayKind string

// GatewayPaper simulates fills against configured books. It is the dry-run mode.
const GatewayPaper GatewayKind = "paper"

func normalizeKind(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", field, raw)
	}
	return v, nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, raw)
	}
	return d, nil
}

// decimalField names one decimal string and where its parsed value goes.
type decimalField struct {
	name string
	raw  string
	dst  *decimal.Decimal
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		v, err := parseDecimal(f.name, f.raw)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	return nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

func parseDurations(fields ...durationField) error {
	for _, f := range fields {
		v, err := parseDuration(f.name, f.raw)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	return nil
}
