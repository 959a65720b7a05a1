package sizing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tandem/internal/app/risk"
	"github.com/coachpo/tandem/internal/domain/signal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func buySignal(leader, size, low, high string) signal.TradeSignal {
	return signal.TradeSignal{
		LeaderEventID: "evt",
		LeaderID:      leader,
		MarketID:      "M",
		Side:          signal.SideBuy,
		Size:          d(size),
		Band:          signal.PriceBand{Low: d(low), High: d(high)},
		ObservedAt:    time.Unix(1_700_000_000, 0).UTC(),
	}
}

func proportional() Config {
	return Config{
		Mode:                  risk.CopyProportional,
		MinTradeNotional:      d("1"),
		MaxTradeNotional:      d("25"),
		FollowerBankroll:      d("100"),
		Policy:                BankrollStatic,
		DefaultLeaderBankroll: d("1000"),
	}
}

func TestProportionalSizing(t *testing.T) {
	s := NewSizer(proportional(), nil)
	sig := buySignal("0xabc", "100", "0.40", "0.42")
	qty := s.Desired(sig, sig.Band.Mid())
	require.True(t, qty.Equal(d("10")), "qty %s", qty)
}

func TestPerLeaderBankrollWins(t *testing.T) {
	cfg := proportional()
	cfg.LeaderBankrolls = map[string]decimal.Decimal{" 0xABC ": d("500")}
	s := NewSizer(cfg, nil)
	require.True(t, s.LeaderEstimate("0xabc").Equal(d("500")))
	require.True(t, s.LeaderEstimate("0xdef").Equal(d("1000")))
}

func TestFixedSizing(t *testing.T) {
	s := NewSizer(Config{Mode: risk.CopyFixed, StakeUnit: d("5")}, nil)
	sig := buySignal("0xabc", "7", "0.20", "0.30")
	qty := s.Desired(sig, sig.Band.Mid())
	require.True(t, qty.Equal(d("20")), "qty %s", qty)
}

func TestNotionalClamp(t *testing.T) {
	s := NewSizer(proportional(), nil)

	big := buySignal("0xabc", "100000", "0.50", "0.50")
	qty := s.Desired(big, d("0.5"))
	require.True(t, qty.Equal(d("50")), "max clamp gives 25/0.5, got %s", qty)

	tiny := buySignal("0xabc", "1", "0.41", "0.41")
	qty = s.Desired(tiny, d("0.41"))
	require.True(t, qty.Mul(d("0.41")).GreaterThanOrEqual(d("1")), "min clamp, got %s", qty)
	require.True(t, qty.Mul(d("0.41")).LessThan(d("1.001")))
}

func TestSizeCapsAtCapacity(t *testing.T) {
	s := NewSizer(proportional(), nil)
	sig := buySignal("0xabc", "100", "0.40", "0.42")
	ref := sig.Band.Mid()

	qty := s.Size(sig, ref, risk.Capacity{Amount: d("2.05"), Bounded: true})
	require.True(t, qty.Equal(d("5")), "qty %s", qty)

	qty = s.Size(sig, ref, risk.Capacity{})
	require.True(t, qty.Equal(d("10")))
}

func TestHighWaterMarkEstimate(t *testing.T) {
	book := NewLeaderBook()
	s := NewSizer(Config{
		Mode:             risk.CopyProportional,
		FollowerBankroll: d("100"),
		Policy:           BankrollHighWaterMark,
		Floor:            d("200"),
	}, book)

	require.True(t, s.LeaderEstimate("0xabc").Equal(d("200")), "floor applies before any observation")

	book.Observe(buySignal("0xabc", "1000", "0.5", "0.5"))
	require.True(t, s.LeaderEstimate("0xabc").Equal(d("500")))

	sell := buySignal("0xabc", "1000", "0.5", "0.5")
	sell.Side = signal.SideSell
	book.Observe(sell)
	require.True(t, s.LeaderEstimate("0xabc").Equal(d("500")), "peak is sticky")
	require.True(t, book.Held("0xabc", "M").IsZero())
}

func TestExitQuantity(t *testing.T) {
	require.True(t, ExitQuantity(d("10"), d("50"), d("100")).Equal(d("5")))
	require.True(t, ExitQuantity(d("10"), d("150"), d("100")).Equal(d("10")))
	require.True(t, ExitQuantity(d("10"), d("50"), decimal.Zero).Equal(d("10")))
	require.True(t, ExitQuantity(decimal.Zero, d("50"), d("100")).IsZero())
}

func TestExitFractions(t *testing.T) {
	require.True(t, ExitFraction(d("25"), d("100")).Equal(d("0.25")))
	require.True(t, ExitFraction(d("50"), d("50")).Equal(d("1")))
	require.True(t, ExitFraction(d("5"), decimal.Zero).Equal(d("1")))

	require.True(t, CombineExitFractions(decimal.Zero, d("0.25")).Equal(d("0.25")))
	require.True(t, CombineExitFractions(d("0.5"), d("0.5")).Equal(d("0.75")))
	require.True(t, CombineExitFractions(d("0.5"), d("1")).Equal(d("1")))

	require.True(t, FractionQuantity(d("10"), d("0.75")).Equal(d("7.5")))
	require.True(t, FractionQuantity(d("10"), d("1")).Equal(d("10")))
	require.True(t, FractionQuantity(d("10"), decimal.Zero).IsZero())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, proportional().Validate())

	cfg := proportional()
	cfg.DefaultLeaderBankroll = decimal.Zero
	require.Error(t, cfg.Validate())

	cfg = proportional()
	cfg.Policy = BankrollHighWaterMark
	require.Error(t, cfg.Validate())

	require.Error(t, Config{Mode: risk.CopyFixed}.Validate())
}
