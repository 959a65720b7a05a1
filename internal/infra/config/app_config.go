// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LeaderConfig pins the bankroll of one followed leader.
type LeaderConfig struct {
	ID       string `yaml:"id"`
	Bankroll string `yaml:"bankroll"`
}

// RiskConfig holds the risk gate limits. Percentages are in percent.
type RiskConfig struct {
	MaxSlippagePct         string `yaml:"maxSlippagePct"`
	MaxSpreadPct           string `yaml:"maxSpreadPct"`
	MinLiquidity           string `yaml:"minLiquidity"`
	MaxExposurePerMarket   string `yaml:"maxExposurePerMarket"`
	MaxExposurePerCategory string `yaml:"maxExposurePerCategory"`
	MinTradeNotional       string `yaml:"minTradeNotional"`
	MaxTradeNotional       string `yaml:"maxTradeNotional"`
	MaxPlanAge             string `yaml:"maxPlanAge"`
	SaneSpreadPct          string `yaml:"saneSpreadPct"`
	MinPrice               string `yaml:"minPrice"`
	MaxPrice               string `yaml:"maxPrice"`
}

// CopyConfig selects the sizing formula and bankroll estimation.
type CopyConfig struct {
	Mode                  string `yaml:"mode"`
	StakeUnit             string `yaml:"stakeUnit"`
	FollowerBankroll      string `yaml:"followerBankroll"`
	BankrollPolicy        string `yaml:"bankrollPolicy"`
	DefaultLeaderBankroll string `yaml:"defaultLeaderBankroll"`
	BankrollFloor         string `yaml:"bankrollFloor"`
}

// ExitConfig selects the exit policy of new positions.
type ExitConfig struct {
	Mode          string `yaml:"mode"`
	TakeProfitPct string `yaml:"takeProfitPct"`
	StopLossPct   string `yaml:"stopLossPct"`
}

// CategoriesConfig maps markets to exposure categories.
type CategoriesConfig struct {
	Default string            `yaml:"default"`
	Markets map[string]string `yaml:"markets"`
}

// CircuitBreakerConfig tunes the submission breaker.
type CircuitBreakerConfig struct {
	ConsecutiveErrors int     `yaml:"consecutiveErrors"`
	RejectRate        float64 `yaml:"rejectRate"`
	MinSamples        int     `yaml:"minSamples"`
	Window            int     `yaml:"window"`
	Cooldown          string  `yaml:"cooldown"`
}

// ExecutionConfig sizes the submission path and the lifecycle loops.
type ExecutionConfig struct {
	Workers            int     `yaml:"workers"`
	QueueSize          int     `yaml:"queueSize"`
	LaneBuffer         int     `yaml:"laneBuffer"`
	SubmitRate         float64 `yaml:"submitRate"`
	SubmitBurst        int     `yaml:"submitBurst"`
	PartialFillTimeout string  `yaml:"partialFillTimeout"`
	TickInterval       string  `yaml:"tickInterval"`
	Retention          string  `yaml:"retention"`
	ArchiveInterval    string  `yaml:"archiveInterval"`
}

// RetryConfig bounds retries of idempotent reads.
type RetryConfig struct {
	MaxAttempts int     `yaml:"maxAttempts"`
	BaseDelay   string  `yaml:"baseDelay"`
	MaxDelay    string  `yaml:"maxDelay"`
	Jitter      float64 `yaml:"jitter"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	Driver     string `yaml:"driver"`
	Path       string `yaml:"path"`
	DSN        string `yaml:"dsn"`
	MaxConns   int32  `yaml:"maxConns"`
	Migrations string `yaml:"migrations"`
}

// KafkaSourceConfig consumes leader events from a topic.
type KafkaSourceConfig struct {
	Brokers        []string `yaml:"brokers"`
	Topic          string   `yaml:"topic"`
	GroupID        string   `yaml:"groupId"`
	MinBytes       int      `yaml:"minBytes"`
	MaxBytes       int      `yaml:"maxBytes"`
	CommitInterval string   `yaml:"commitInterval"`
}

// FileSourceConfig tails a JSON-lines file of leader events.
type FileSourceConfig struct {
	Path       string `yaml:"path"`
	Interval   string `yaml:"interval"`
	StartAtEnd bool   `yaml:"startAtEnd"`
}

// SourceConfig lists the enabled leader event sources.
type SourceConfig struct {
	Kinds []SourceKind      `yaml:"kinds"`
	Kafka KafkaSourceConfig `yaml:"kafka"`
	File  FileSourceConfig  `yaml:"file"`
}

// RedisConfig locates the market state hashes.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// MarketConfig selects the market state provider.
type MarketConfig struct {
	Kind  MarketKind  `yaml:"kind"`
	Redis RedisConfig `yaml:"redis"`
}

// LevelConfig is one configured book level.
type LevelConfig struct {
	Price string `yaml:"price"`
	Size  string `yaml:"size"`
}

// BookConfig seeds one paper market.
type BookConfig struct {
	MarketID string        `yaml:"marketId"`
	Bids     []LevelConfig `yaml:"bids"`
	Asks     []LevelConfig `yaml:"asks"`
}

// PaperConfig configures the simulated venue.
type PaperConfig struct {
	FillRatio string       `yaml:"fillRatio"`
	Books     []BookConfig `yaml:"books"`
}

// GatewayConfig selects the execution venue.
type GatewayConfig struct {
	Kind  GatewayKind `yaml:"kind"`
	Paper PaperConfig `yaml:"paper"`
}

// JSONLReportConfig writes a rotating JSON-lines trade log.
type JSONLReportConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// CSVReportConfig writes the tabular trade report.
type CSVReportConfig struct {
	Path string `yaml:"path"`
}

// KafkaReportConfig publishes report records.
type KafkaReportConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RelayConfig paces the outbox relay.
type RelayConfig struct {
	Interval  string `yaml:"interval"`
	BatchSize int    `yaml:"batchSize"`
	Retention string `yaml:"retention"`
}

// ReportConfig enables report sinks. A sink with an empty path or topic is disabled.
type ReportConfig struct {
	JSONL JSONLReportConfig `yaml:"jsonl"`
	CSV   CSVReportConfig   `yaml:"csv"`
	Kafka KafkaReportConfig `yaml:"kafka"`
	Relay RelayConfig       `yaml:"relay"`
}

// APIServerConfig configures the control API listener.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	OTLPEndpoint   string `yaml:"otlpEndpoint"`
	ServiceName    string `yaml:"serviceName"`
	OTLPInsecure   bool   `yaml:"otlpInsecure"`
	EnableMetrics  bool   `yaml:"enableMetrics"`
	MetricInterval string `yaml:"metricInterval"`
}

// LoggingConfig selects the log backend.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// AppConfig is the unified replicator configuration sourced from YAML.
type AppConfig struct {
	Environment    Environment          `yaml:"environment"`
	Leaders        []LeaderConfig       `yaml:"leaders"`
	Risk           RiskConfig           `yaml:"risk"`
	Copy           CopyConfig           `yaml:"copy"`
	Exit           ExitConfig           `yaml:"exit"`
	Categories     CategoriesConfig     `yaml:"categories"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	Execution      ExecutionConfig      `yaml:"execution"`
	Retry          RetryConfig          `yaml:"retry"`
	Storage        StorageConfig        `yaml:"storage"`
	Source         SourceConfig         `yaml:"source"`
	Market         MarketConfig         `yaml:"market"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Report         ReportConfig         `yaml:"report"`
	APIServer      APIServerConfig      `yaml:"apiServer"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return parse(bytes, nil)
}

// Parse decodes, normalises, defaults and validates a YAML document.
func Parse(data []byte) (AppConfig, error) {
	return parse(data, nil)
}

func parse(data []byte, lookup func(string) (string, bool)) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return AppConfig{}, err
		}
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeKind(string(c.Environment)))

	seen := make(map[string]struct{}, len(c.Leaders))
	leaders := make([]LeaderConfig, 0, len(c.Leaders))
	for _, l := range c.Leaders {
		id := strings.ToLower(strings.TrimSpace(l.ID))
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate leader %q", id)
		}
		seen[id] = struct{}{}
		leaders = append(leaders, LeaderConfig{ID: id, Bankroll: strings.TrimSpace(l.Bankroll)})
	}
	c.Leaders = leaders

	c.Copy.Mode = normalizeKind(c.Copy.Mode)
	c.Copy.BankrollPolicy = normalizeKind(c.Copy.BankrollPolicy)
	c.Exit.Mode = normalizeKind(c.Exit.Mode)
	c.Categories.Default = strings.TrimSpace(c.Categories.Default)

	c.Storage.Driver = normalizeKind(c.Storage.Driver)
	c.Storage.Path = strings.TrimSpace(c.Storage.Path)
	c.Storage.DSN = strings.TrimSpace(c.Storage.DSN)
	c.Storage.Migrations = strings.TrimSpace(c.Storage.Migrations)

	kinds := make([]SourceKind, 0, len(c.Source.Kinds))
	seenKinds := make(map[SourceKind]struct{}, len(c.Source.Kinds))
	for _, k := range c.Source.Kinds {
		kind := SourceKind(normalizeKind(string(k)))
		if kind == "" {
			continue
		}
		if _, dup := seenKinds[kind]; dup {
			continue
		}
		seenKinds[kind] = struct{}{}
		kinds = append(kinds, kind)
	}
	c.Source.Kinds = kinds
	c.Source.Kafka.Brokers = trimAll(c.Source.Kafka.Brokers)
	c.Source.Kafka.Topic = strings.TrimSpace(c.Source.Kafka.Topic)
	c.Source.File.Path = strings.TrimSpace(c.Source.File.Path)

	c.Market.Kind = MarketKind(normalizeKind(string(c.Market.Kind)))
	c.Market.Redis.Addr = strings.TrimSpace(c.Market.Redis.Addr)
	c.Gateway.Kind = GatewayKind(normalizeKind(string(c.Gateway.Kind)))

	c.Report.JSONL.Path = strings.TrimSpace(c.Report.JSONL.Path)
	c.Report.CSV.Path = strings.TrimSpace(c.Report.CSV.Path)
	c.Report.Kafka.Brokers = trimAll(c.Report.Kafka.Brokers)
	c.Report.Kafka.Topic = strings.TrimSpace(c.Report.Kafka.Topic)

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = normalizeKind(c.Logging.Level)
	c.Logging.Format = normalizeKind(c.Logging.Format)
	return nil
}

func (c *AppConfig) applyDefaults() {
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	r := &c.Risk
	setDefault(&r.MaxSlippagePct, "5")
	setDefault(&r.MaxSpreadPct, "5")
	setDefault(&r.MinLiquidity, "100")
	setDefault(&r.MaxExposurePerMarket, "50")
	setDefault(&r.MaxExposurePerCategory, "150")
	setDefault(&r.MinTradeNotional, "1")
	setDefault(&r.MaxTradeNotional, "25")
	setDefault(&r.MaxPlanAge, "60s")
	setDefault(&r.SaneSpreadPct, "50")
	setDefault(&r.MinPrice, "0.001")
	setDefault(&r.MaxPrice, "0.999")

	setDefault(&c.Copy.Mode, "proportional")
	setDefault(&c.Copy.StakeUnit, "5")
	setDefault(&c.Copy.BankrollPolicy, "static")
	setDefault(&c.Exit.Mode, "mirror")
	setDefault(&c.Categories.Default, "uncategorized")

	cb := &c.CircuitBreaker
	if cb.ConsecutiveErrors <= 0 {
		cb.ConsecutiveErrors = 8
	}
	if cb.RejectRate <= 0 {
		cb.RejectRate = 0.5
	}
	if cb.MinSamples <= 0 {
		cb.MinSamples = 10
	}
	if cb.Window <= 0 {
		cb.Window = 50
	}
	setDefault(&cb.Cooldown, "60s")

	ex := &c.Execution
	if ex.Workers <= 0 {
		ex.Workers = 4
	}
	if ex.QueueSize <= 0 {
		ex.QueueSize = 64
	}
	if ex.LaneBuffer <= 0 {
		ex.LaneBuffer = 64
	}
	if ex.SubmitBurst <= 0 {
		ex.SubmitBurst = 1
	}
	setDefault(&ex.PartialFillTimeout, "2m")
	setDefault(&ex.TickInterval, "5s")
	setDefault(&ex.Retention, "720h")
	setDefault(&ex.ArchiveInterval, "1h")

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	setDefault(&c.Retry.BaseDelay, "2s")
	setDefault(&c.Retry.MaxDelay, "60s")

	setDefault(&c.Storage.Driver, "sqlite")
	if c.Storage.Driver == "sqlite" {
		setDefault(&c.Storage.Path, "data/tandem.db")
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 16
	}

	if len(c.Source.Kinds) == 0 {
		c.Source.Kinds = []SourceKind{SourceFile}
	}
	setDefault(&c.Source.Kafka.GroupID, "tandem")
	setDefault(&c.Source.Kafka.CommitInterval, "1s")
	setDefault(&c.Source.File.Interval, "1s")

	if c.Market.Kind == "" {
		c.Market.Kind = MarketPaper
	}
	if c.Gateway.Kind == "" {
		c.Gateway.Kind = GatewayPaper
	}
	setDefault(&c.Gateway.Paper.FillRatio, "1")

	setDefault(&c.Report.Relay.Interval, "1s")
	if c.Report.Relay.BatchSize <= 0 {
		c.Report.Relay.BatchSize = 128
	}
	setDefault(&c.Report.Relay.Retention, "168h")

	setDefault(&c.APIServer.Addr, ":8880")
	setDefault(&c.Telemetry.ServiceName, "tandem")
	setDefault(&c.Telemetry.MetricInterval, "30s")
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "json")
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if _, err := c.RiskLimits(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if _, err := c.SizingConfig(); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if _, err := c.LifecycleConfig(); err != nil {
		return fmt.Errorf("execution: %w", err)
	}
	if _, err := c.BreakerConfig(); err != nil {
		return fmt.Errorf("circuitBreaker: %w", err)
	}
	if _, err := c.RetryPolicy(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.Execution.QueueSize < 0 {
		return fmt.Errorf("execution queueSize must be >= 0")
	}

	if err := c.Storage.validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Source.validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	switch c.Market.Kind {
	case MarketPaper:
	case MarketRedis:
		if c.Market.Redis.Addr == "" {
			return fmt.Errorf("market: redis addr required")
		}
	default:
		return fmt.Errorf("market: unknown kind %q", c.Market.Kind)
	}
	if c.Gateway.Kind != GatewayPaper {
		return fmt.Errorf("gateway: unknown kind %q", c.Gateway.Kind)
	}
	if _, err := c.PaperOptions(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	if (len(c.Report.Kafka.Brokers) == 0) != (c.Report.Kafka.Topic == "") {
		return fmt.Errorf("report: kafka needs both brokers and topic")
	}
	if c.Report.Relay.BatchSize <= 0 {
		return fmt.Errorf("report: relay batchSize must be >0")
	}
	if err := parseDurations(
		durationField{"relay interval", c.Report.Relay.Interval, new(time.Duration)},
		durationField{"relay retention", c.Report.Relay.Retention, new(time.Duration)},
	); err != nil {
		return fmt.Errorf("report: %w", err)
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging format must be json or text")
	}
	return nil
}

func (s StorageConfig) validate() error {
	switch s.Driver {
	case "sqlite":
		if s.Path == "" {
			return fmt.Errorf("path required")
		}
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("dsn required")
		}
		if s.MaxConns <= 0 {
			return fmt.Errorf("maxConns must be >0")
		}
	default:
		return fmt.Errorf("unknown driver %q", s.Driver)
	}
	return nil
}

func (s SourceConfig) validate() error {
	for _, kind := range s.Kinds {
		switch kind {
		case SourceKafka:
			if len(s.Kafka.Brokers) == 0 {
				return fmt.Errorf("kafka brokers required")
			}
			if s.Kafka.Topic == "" {
				return fmt.Errorf("kafka topic required")
			}
			if _, err := parseDuration("kafka commitInterval", s.Kafka.CommitInterval); err != nil {
				return err
			}
		case SourceFile:
			if s.File.Path == "" {
				return fmt.Errorf("file path required")
			}
			if _, err := parseDuration("file interval", s.File.Interval); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown kind %q", kind)
		}
	}
	return nil
}

// Enabled reports whether kind is one of the configured sources.
func (s SourceConfig) Enabled(kind SourceKind) bool {
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
