package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TANDEM_"

// DefaultCredentialsFile is read by LoadEnv when no env files are named.
const DefaultCredentialsFile = "credentials.env"

// LoadEnv loads credentials from envFiles into the process environment, then reads the
// YAML at configPath and applies TANDEM_* overrides before validation. Missing env
// files are ignored; variables already set in the environment are never replaced.
func LoadEnv(ctx context.Context, configPath string, envFiles ...string) (AppConfig, error) {
	_ = ctx
	if len(envFiles) == 0 {
		envFiles = []string{DefaultCredentialsFile}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return AppConfig{}, fmt.Errorf("load env file %s: %w", file, err)
		}
	}

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()
	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return parse(bytes, os.LookupEnv)
}

type envBinding struct {
	key   string
	apply func(c *AppConfig, value string) error
}

func setString(dst func(*AppConfig) *string) func(*AppConfig, string) error {
	return func(c *AppConfig, v string) error {
		*dst(c) = v
		return nil
	}
}

func setList(dst func(*AppConfig) *[]string) func(*AppConfig, string) error {
	return func(c *AppConfig, v string) error {
		*dst(c) = strings.Split(v, ",")
		return nil
	}
}

var envBindings = []envBinding{
	{"ENV", func(c *AppConfig, v string) error { c.Environment = Environment(v); return nil }},
	{"STORAGE_DRIVER", setString(func(c *AppConfig) *string { return &c.Storage.Driver })},
	{"STORAGE_PATH", setString(func(c *AppConfig) *string { return &c.Storage.Path })},
	{"STORAGE_DSN", setString(func(c *AppConfig) *string { return &c.Storage.DSN })},
	{"KAFKA_BROKERS", func(c *AppConfig, v string) error {
		brokers := strings.Split(v, ",")
		c.Source.Kafka.Brokers = brokers
		if len(c.Report.Kafka.Brokers) > 0 {
			c.Report.Kafka.Brokers = brokers
		}
		return nil
	}},
	{"SOURCE_KAFKA_BROKERS", setList(func(c *AppConfig) *[]string { return &c.Source.Kafka.Brokers })},
	{"REPORT_KAFKA_BROKERS", setList(func(c *AppConfig) *[]string { return &c.Report.Kafka.Brokers })},
	{"SOURCE_FILE_PATH", setString(func(c *AppConfig) *string { return &c.Source.File.Path })},
	{"REDIS_ADDR", setString(func(c *AppConfig) *string { return &c.Market.Redis.Addr })},
	{"REDIS_PASSWORD", setString(func(c *AppConfig) *string { return &c.Market.Redis.Password })},
	{"REDIS_DB", func(c *AppConfig, v string) error {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer %q", v)
		}
		c.Market.Redis.DB = db
		return nil
	}},
	{"FOLLOWER_BANKROLL", setString(func(c *AppConfig) *string { return &c.Copy.FollowerBankroll })},
	{"API_ADDR", setString(func(c *AppConfig) *string { return &c.APIServer.Addr })},
	{"OTLP_ENDPOINT", setString(func(c *AppConfig) *string { return &c.Telemetry.OTLPEndpoint })},
	{"LOG_LEVEL", setString(func(c *AppConfig) *string { return &c.Logging.Level })},
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		raw, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if err := b.apply(c, value); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}
