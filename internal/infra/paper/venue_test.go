package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tandem/internal/domain/gateway"
	"github.com/coachpo/tandem/internal/domain/market"
	"github.com/coachpo/tandem/internal/domain/signal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func book() market.State {
	return market.State{
		MarketID: "M",
		Bid:      d("0.40"),
		Ask:      d("0.41"),
		Bids:     []market.Level{{Price: d("0.40"), Size: d("500")}},
		Asks:     []market.Level{{Price: d("0.41"), Size: d("6")}, {Price: d("0.42"), Size: d("500")}},
	}
}

func TestSubmitWalksBookWithinLimit(t *testing.T) {
	v := NewVenue(Options{Books: []market.State{book()}})
	st, err := v.Submit(context.Background(), gateway.Order{
		ClientOrderID: "c1", MarketID: "M", Side: signal.SideBuy, Quantity: d("10"), LimitPrice: d("0.415"),
	})
	require.NoError(t, err)
	require.Equal(t, gateway.StatePartiallyFilled, st.State)
	require.True(t, st.FilledQty.Equal(d("6")))
	require.True(t, st.AvgFillPrice.Equal(d("0.41")))

	st, err = v.Submit(context.Background(), gateway.Order{
		ClientOrderID: "c2", MarketID: "M", Side: signal.SideBuy, Quantity: d("10"), LimitPrice: d("0.43"),
	})
	require.NoError(t, err)
	require.Equal(t, gateway.StateFilled, st.State)
	require.True(t, st.AvgFillPrice.Equal(d("0.414")), "avg %s", st.AvgFillPrice)
}

func TestSubmitIsIdempotentPerClientOrderID(t *testing.T) {
	v := NewVenue(Options{Books: []market.State{book()}})
	order := gateway.Order{ClientOrderID: "c1", MarketID: "M", Side: signal.SideSell, Quantity: d("5"), LimitPrice: d("0.39")}
	first, err := v.Submit(context.Background(), order)
	require.NoError(t, err)
	second, err := v.Submit(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, v.Submissions())
}

func TestLostAcknowledgementStillPlacesOrder(t *testing.T) {
	v := NewVenue(Options{Books: []market.State{book()}})
	boom := errors.New("connection reset")
	v.Inject(Fault{Op: "submit", Err: boom, Placed: true})

	_, err := v.Submit(context.Background(), gateway.Order{ClientOrderID: "c1", MarketID: "M", Side: signal.SideBuy, Quantity: d("1"), LimitPrice: d("0.5")})
	require.ErrorIs(t, err, boom)

	st, err := v.Status(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, gateway.StateFilled, st.State)

	_, err = v.Status(context.Background(), "missing")
	require.True(t, gateway.IsNotFound(err))
}

func TestPartialFillThenCancel(t *testing.T) {
	v := NewVenue(Options{Books: []market.State{book()}, FillRatio: d("0.5")})
	st, err := v.Submit(context.Background(), gateway.Order{ClientOrderID: "c1", MarketID: "M", Side: signal.SideSell, Quantity: d("10"), LimitPrice: d("0.39")})
	require.NoError(t, err)
	require.Equal(t, gateway.StatePartiallyFilled, st.State)
	require.True(t, st.FilledQty.Equal(d("5")))

	require.NoError(t, v.Fill("c1", d("1"), d("0.40")))
	st, err = v.Cancel(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, gateway.StateCancelled, st.State)
	require.True(t, st.FilledQty.Equal(d("6")))
	require.Error(t, v.Fill("c1", d("1"), d("0.40")))
}

func TestRejectsInvalidOrders(t *testing.T) {
	v := NewVenue(Options{})
	st, err := v.Submit(context.Background(), gateway.Order{ClientOrderID: "c1", MarketID: "M", Side: signal.SideBuy})
	require.NoError(t, err)
	require.Equal(t, gateway.StateRejected, st.State)
	require.NotEmpty(t, st.Reason)

	_, err = v.State(context.Background(), "unknown")
	require.Error(t, err)
}
