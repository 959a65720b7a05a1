// Package redis reads market state published into Redis hashes by an external feed.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/errs"
	"github.com/coachpo/tandem/internal/domain/market"
)

// DefaultKeyPrefix namespaces market hashes: <prefix><market id>.
const DefaultKeyPrefix = "tandem:market:"

// Hash fields.
const (
	fieldBid       = "bid"
	fieldAsk       = "ask"
	fieldBids      = "bids"
	fieldAsks      = "asks"
	fieldLiquidity = "liquidity"
	fieldUpdatedAt = "updated_at"
)

type hashClient interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...any) *goredis.IntCmd
}

// MarketProvider implements market.Provider over Redis hashes. bids and asks are JSON
// arrays of {"price","size"} levels; updated_at is RFC3339 or unix milliseconds.
type MarketProvider struct {
	client hashClient
	prefix string
}

// Option customises a MarketProvider.
type Option func(*MarketProvider)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(p *MarketProvider) {
		if strings.TrimSpace(prefix) != "" {
			p.prefix = prefix
		}
	}
}

// NewMarketProvider wraps a go-redis client.
func NewMarketProvider(client goredis.UniversalClient, opts ...Option) *MarketProvider {
	return newMarketProvider(client, opts...)
}

func newMarketProvider(client hashClient, opts ...Option) *MarketProvider {
	p := &MarketProvider{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// State implements market.Provider. A missing hash is CodeNotFound; unparsable fields
// are reported as a market.QualityFault.
func (p *MarketProvider) State(ctx context.Context, marketID string) (market.State, error) {
	key := p.prefix + marketID
	fields, err := p.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return market.State{}, notFound(marketID)
		}
		return market.State{}, fmt.Errorf("redis HGETALL %s: %w", key, err)
	}
	if len(fields) == 0 {
		return market.State{}, notFound(marketID)
	}
	state, err := parseState(marketID, fields)
	if err != nil {
		return market.State{}, &market.QualityFault{MarketID: marketID, Detail: err.Error()}
	}
	return state, nil
}

// Put writes a state snapshot. Feeds and tests use it to seed markets.
func (p *MarketProvider) Put(ctx context.Context, state market.State) error {
	bids, err := json.Marshal(state.Bids)
	if err != nil {
		return fmt.Errorf("encode bids: %w", err)
	}
	asks, err := json.Marshal(state.Asks)
	if err != nil {
		return fmt.Errorf("encode asks: %w", err)
	}
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	key := p.prefix + state.MarketID
	if err := p.client.HSet(ctx, key,
		fieldBid, state.Bid.String(),
		fieldAsk, state.Ask.String(),
		fieldBids, string(bids),
		fieldAsks, string(asks),
		fieldLiquidity, state.Liquidity.String(),
		fieldUpdatedAt, updated.UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", key, err)
	}
	return nil
}

func parseState(marketID string, fields map[string]string) (market.State, error) {
	state := market.State{MarketID: marketID}
	var err error
	if state.Bid, err = decimalField(fields, fieldBid); err != nil {
		return market.State{}, err
	}
	if state.Ask, err = decimalField(fields, fieldAsk); err != nil {
		return market.State{}, err
	}
	if state.Liquidity, err = decimalField(fields, fieldLiquidity); err != nil {
		return market.State{}, err
	}
	if state.Bids, err = levelsField(fields, fieldBids); err != nil {
		return market.State{}, err
	}
	if state.Asks, err = levelsField(fields, fieldAsks); err != nil {
		return market.State{}, err
	}
	state.Normalize()
	if raw := strings.TrimSpace(fields[fieldUpdatedAt]); raw != "" {
		if state.UpdatedAt, err = parseTime(raw); err != nil {
			return market.State{}, fmt.Errorf("%s: %w", fieldUpdatedAt, err)
		}
	}
	return state, nil
}

func decimalField(fields map[string]string, name string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(fields[name])
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

func levelsField(fields map[string]string, name string) ([]market.Level, error) {
	raw := strings.TrimSpace(fields[name])
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var levels []market.Level
	if err := json.Unmarshal([]byte(raw), &levels); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return levels, nil
}

func parseTime(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable time %q", raw)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func notFound(marketID string) error {
	return errs.New("market", errs.CodeNotFound,
		errs.WithMessage("no market state"), errs.WithField("market_id", marketID))
}

var _ market.Provider = (*MarketProvider)(nil)
