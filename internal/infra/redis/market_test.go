package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tandem/errs"
	"github.com/coachpo/tandem/internal/domain/market"
)

type fakeHashes struct {
	data map[string]map[string]string
	err  error
}

func (f *fakeHashes) HGetAll(_ context.Context, key string) *goredis.MapStringStringCmd {
	if f.err != nil {
		return goredis.NewMapStringStringResult(nil, f.err)
	}
	return goredis.NewMapStringStringResult(f.data[key], nil)
}

func (f *fakeHashes) HSet(_ context.Context, key string, values ...any) *goredis.IntCmd {
	if f.data == nil {
		f.data = make(map[string]map[string]string)
	}
	h := f.data[key]
	if h == nil {
		h = make(map[string]string)
		f.data[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[fmt.Sprint(values[i])] = fmt.Sprint(values[i+1])
	}
	return goredis.NewIntResult(int64(len(values)/2), nil)
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestMarketProviderRoundTrip(t *testing.T) {
	store := &fakeHashes{}
	provider := newMarketProvider(store, WithKeyPrefix("pm:"))
	updated := time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC)
	require.NoError(t, provider.Put(context.Background(), market.State{
		MarketID:  "M",
		Bid:       d("0.40"),
		Ask:       d("0.41"),
		Bids:      []market.Level{{Price: d("0.39"), Size: d("10")}, {Price: d("0.40"), Size: d("5")}},
		Asks:      []market.Level{{Price: d("0.41"), Size: d("7")}},
		Liquidity: d("1200"),
		UpdatedAt: updated,
	}))
	require.Contains(t, store.data, "pm:M")

	st, err := provider.State(context.Background(), "M")
	require.NoError(t, err)
	require.True(t, st.Bid.Equal(d("0.40")))
	require.True(t, st.Ask.Equal(d("0.41")))
	require.True(t, st.Bids[0].Price.Equal(d("0.40")), "bids sorted best first")
	require.True(t, st.Liquidity.Equal(d("1200")))
	require.Equal(t, updated, st.UpdatedAt)
}

func TestMarketProviderDerivesTouchFromLevels(t *testing.T) {
	store := &fakeHashes{data: map[string]map[string]string{
		DefaultKeyPrefix + "M": {
			"bids":       `[{"price":"0.38","size":"4"},{"price":"0.39","size":"2"}]`,
			"asks":       `[{"price":"0.43","size":"1"},{"price":"0.42","size":"3"}]`,
			"updated_at": "1772463845000",
		},
	}}
	st, err := newMarketProvider(store).State(context.Background(), "M")
	require.NoError(t, err)
	require.True(t, st.Bid.Equal(d("0.39")))
	require.True(t, st.Ask.Equal(d("0.42")))
	require.Equal(t, time.UnixMilli(1772463845000).UTC(), st.UpdatedAt)
}

func TestMarketProviderMissingAndMalformed(t *testing.T) {
	store := &fakeHashes{data: map[string]map[string]string{
		DefaultKeyPrefix + "BAD": {"bid": "zero point four"},
	}}
	provider := newMarketProvider(store)

	_, err := provider.State(context.Background(), "NONE")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))

	_, err = provider.State(context.Background(), "BAD")
	var fault *market.QualityFault
	require.True(t, errors.As(err, &fault))
	require.Equal(t, "BAD", fault.MarketID)
}

func TestMarketProviderTransportError(t *testing.T) {
	provider := newMarketProvider(&fakeHashes{err: errors.New("connection refused")})
	_, err := provider.State(context.Background(), "M")
	require.ErrorContains(t, err, "connection refused")
}
