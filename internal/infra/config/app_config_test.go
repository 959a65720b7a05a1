package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tandem/internal/app/risk"
	"github.com/coachpo/tandem/internal/app/sizing"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
)

const copyBlock = `
copy:
  followerBankroll: "1000"
  defaultLeaderBankroll: "10000"
`

const minimal = copyBlock + `
source:
  file:
    path: events.jsonl
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "open app config")
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, minimal))
	require.NoError(t, err)

	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, "data/tandem.db", cfg.Storage.Path)
	require.Equal(t, []SourceKind{SourceFile}, cfg.Source.Kinds)
	require.Equal(t, MarketPaper, cfg.Market.Kind)
	require.Equal(t, GatewayPaper, cfg.Gateway.Kind)
	require.Equal(t, ":8880", cfg.APIServer.Addr)

	limits, err := cfg.RiskLimits()
	require.NoError(t, err)
	require.Equal(t, risk.CopyProportional, limits.CopyMode)
	require.True(t, limits.MinPrice.Equal(decimal.RequireFromString("0.001")))
	require.True(t, limits.MaxPrice.Equal(decimal.RequireFromString("0.999")))
	require.Equal(t, time.Minute, limits.MaxPlanAge)

	lc, err := cfg.LifecycleConfig()
	require.NoError(t, err)
	require.Equal(t, ledgerstore.ExitMirror, lc.Exit.Mode)
	require.Equal(t, 2*time.Minute, lc.PartialFillTimeout)
	require.Equal(t, "uncategorized", lc.Category("unknown"))

	policy, err := cfg.RetryPolicy()
	require.NoError(t, err)
	require.Equal(t, 5, policy.MaxAttempts)
	require.Equal(t, 2*time.Second, policy.BaseDelay)
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.example.yaml"))
	require.NoError(t, err)

	sz, err := cfg.SizingConfig()
	require.NoError(t, err)
	require.Equal(t, sizing.BankrollStatic, sz.Policy)
	require.True(t, sz.LeaderBankrolls["0x6a72f61820b26b1fe4d956e17b6dc2a1ea3033ee"].Equal(decimal.NewFromInt(25000)))
	require.Len(t, sz.LeaderBankrolls, 1)

	opts, err := cfg.PaperOptions()
	require.NoError(t, err)
	require.Len(t, opts.Books, 1)
	book := opts.Books[0]
	require.True(t, book.Bid.Equal(decimal.RequireFromString("0.40")))
	require.True(t, book.Ask.Equal(decimal.RequireFromString("0.42")))

	lc, err := cfg.LifecycleConfig()
	require.NoError(t, err)
	require.Equal(t, "politics", lc.Category("0xa1b2c3"))
}

func TestNormaliseLowercasesKinds(t *testing.T) {
	cfg, err := Parse([]byte(copyBlock + `
environment: " PROD "
leaders:
  - id: " 0xABC "
    bankroll: "500"
exit:
  mode: TP_SL
  takeProfitPct: "30"
source:
  kinds: [FILE, file]
  file:
    path: events.jsonl
`))
	require.NoError(t, err)
	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, "0xabc", cfg.Leaders[0].ID)
	require.Equal(t, []SourceKind{SourceFile}, cfg.Source.Kinds)
	require.Equal(t, "tp_sl", cfg.Exit.Mode)
}

func TestValidateRejectsBadSections(t *testing.T) {
	cases := map[string]struct {
		extra string
		want  string
	}{
		"environment":              {`environment: qa`, "environment must be one of"},
		"duplicate leader":         {`leaders: [{id: "0xA"}, {id: "0xa"}]`, `duplicate leader "0xa"`},
		"bad decimal":              {`risk: {maxSpreadPct: "wide"}`, "maxSpreadPct: invalid decimal"},
		"price bounds":             {`risk: {minPrice: "0.9", maxPrice: "0.5"}`, "price bounds"},
		"tp_sl without thresholds": {`exit: {mode: tp_sl}`, "take profit or stop loss"},
		"postgres without dsn":     {`storage: {driver: postgres}`, "storage: dsn required"},
		"kafka without topic":      {"source:\n  kinds: [kafka]\n  kafka: {brokers: [\"b:9092\"]}", "kafka topic required"},
		"redis without addr":       {`market: {kind: redis}`, "redis addr required"},
		"unknown gateway":          {`gateway: {kind: live}`, `unknown kind "live"`},
		"half kafka report":        {`report: {kafka: {topic: trades}}`, "kafka needs both"},
		"reject rate":              {`circuitBreaker: {rejectRate: 1.5}`, "rejectRate"},
		"duration":                 {`execution: {tickInterval: soon}`, "tickInterval: invalid duration"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			doc := minimal + tc.extra + "\n"
			if strings.HasPrefix(tc.extra, "source:") {
				doc = copyBlock + tc.extra + "\n"
			}
			_, err := Parse([]byte(doc))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	env := map[string]string{
		"TANDEM_STORAGE_DRIVER":       "postgres",
		"TANDEM_STORAGE_DSN":          "postgres://tandem@localhost/tandem",
		"TANDEM_FOLLOWER_BANKROLL":    "2500",
		"TANDEM_REDIS_DB":             "3",
		"TANDEM_REPORT_KAFKA_BROKERS": "a:9092, b:9092",
		"TANDEM_LOG_LEVEL":            "   ",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	cfg, err := parse([]byte(minimal+"report: {kafka: {topic: trades}}\n"), lookup)
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Storage.Driver)
	require.Equal(t, "postgres://tandem@localhost/tandem", cfg.Storage.DSN)
	require.Equal(t, "2500", cfg.Copy.FollowerBankroll)
	require.Equal(t, 3, cfg.Market.Redis.DB)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.Report.Kafka.Brokers)
	require.Equal(t, "info", cfg.Logging.Level)

	env["TANDEM_REDIS_DB"] = "three"
	_, err = parse([]byte(minimal), lookup)
	require.ErrorContains(t, err, "TANDEM_REDIS_DB")
}

func TestLoadEnvReadsCredentialsFile(t *testing.T) {
	const key = "TANDEM_API_ADDR"
	require.Empty(t, os.Getenv(key))
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	dir := t.TempDir()
	envFile := filepath.Join(dir, "credentials.env")
	require.NoError(t, os.WriteFile(envFile, []byte(key+"=127.0.0.1:9900\n"), 0o600))

	cfg, err := LoadEnv(context.Background(), writeConfig(t, minimal), envFile, filepath.Join(dir, "absent.env"))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9900", cfg.APIServer.Addr)
}
