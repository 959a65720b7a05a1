package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/internal/domain/market"
	"github.com/coachpo/tandem/internal/domain/signal"
)

// Reason names why a trade intent was refused.
type Reason string

const (
	ReasonInsufficientLiquidity    Reason = "InsufficientLiquidity"
	ReasonSpreadTooWide            Reason = "SpreadTooWide"
	ReasonSlippageExceeded         Reason = "SlippageExceeded"
	ReasonMarketExposureExceeded   Reason = "MarketExposureExceeded"
	ReasonCategoryExposureExceeded Reason = "CategoryExposureExceeded"
	ReasonStalePlan                Reason = "StalePlan"
)

var hundred = decimal.NewFromInt(100)

// Intent is a candidate order evaluated by Simulate.
type Intent struct {
	MarketID       string
	CategoryID     string
	Side           signal.Side
	Quantity       decimal.Decimal
	ReferencePrice decimal.Decimal
	Band           signal.PriceBand
	ObservedAt     time.Time
}

// Notional returns quantity at the reference price.
func (i Intent) Notional() decimal.Decimal {
	return i.Quantity.Mul(i.ReferencePrice)
}

// Exposure is the current aggregate for the intent's market and category.
type Exposure struct {
	Market   decimal.Decimal
	Category decimal.Decimal
}

// Check parameterises a simulation run.
type Check struct {
	Now time.Time
	// MaxAge enables the freshness check on the price band and market snapshot.
	MaxAge time.Duration
	// LimitPrice enables the drift check: the touch must not cross the planned limit.
	LimitPrice decimal.Decimal
	// SkipExposure is set when the candidate is already reserved in the exposure state.
	SkipExposure bool
}

// Result is the outcome of a simulation.
type Result struct {
	OK          bool
	Reason      Reason
	Detail      string
	SlippagePct decimal.Decimal
}

func reject(reason Reason, detail string) Result {
	return Result{Reason: reason, Detail: detail}
}

// Simulate runs the ordered risk checks against one intent. It is pure and shared by the
// gate and the pre-submit re-check, so both see the same arithmetic.
func Simulate(limits Limits, in Intent, st market.State, exp Exposure, chk Check) Result {
	if chk.MaxAge > 0 && !chk.Now.IsZero() {
		if !in.ObservedAt.IsZero() && chk.Now.Sub(in.ObservedAt) > chk.MaxAge {
			return reject(ReasonStalePlan, "price band older than "+chk.MaxAge.String())
		}
		if !st.UpdatedAt.IsZero() && chk.Now.Sub(st.UpdatedAt) > chk.MaxAge {
			return reject(ReasonStalePlan, "market state older than "+chk.MaxAge.String())
		}
	}
	if chk.LimitPrice.IsPositive() {
		touch := st.Touch(in.Side)
		if in.Side == signal.SideBuy && touch.GreaterThan(chk.LimitPrice) {
			return reject(ReasonStalePlan, "ask "+touch.String()+" above limit "+chk.LimitPrice.String())
		}
		if in.Side == signal.SideSell && touch.LessThan(chk.LimitPrice) {
			return reject(ReasonStalePlan, "bid "+touch.String()+" below limit "+chk.LimitPrice.String())
		}
	}

	if limits.MinLiquidity.IsPositive() {
		depth := st.DepthNotional(in.Side)
		if depth.LessThan(limits.MinLiquidity) {
			return reject(ReasonInsufficientLiquidity, "depth "+depth.String()+" < "+limits.MinLiquidity.String())
		}
	}
	if spread := st.SpreadPct(); spread.GreaterThan(limits.MaxSpreadPct) {
		return reject(ReasonSpreadTooWide, "spread "+spread.StringFixed(4)+"% > "+limits.MaxSpreadPct.String()+"%")
	}
	slippage, fillable := EstimateSlippage(st, in)
	if !fillable {
		return Result{Reason: ReasonSlippageExceeded, Detail: "book depth exhausted", SlippagePct: slippage}
	}
	if slippage.GreaterThan(limits.MaxSlippagePct) {
		return Result{Reason: ReasonSlippageExceeded, Detail: "slippage " + slippage.StringFixed(4) + "%", SlippagePct: slippage}
	}

	if !chk.SkipExposure {
		candidate := in.Notional()
		if limits.MaxExposurePerMarket.IsPositive() && exp.Market.Add(candidate).GreaterThan(limits.MaxExposurePerMarket) {
			return reject(ReasonMarketExposureExceeded, "market "+in.MarketID+" at "+exp.Market.String())
		}
		if limits.MaxExposurePerCategory.IsPositive() && exp.Category.Add(candidate).GreaterThan(limits.MaxExposurePerCategory) {
			return reject(ReasonCategoryExposureExceeded, "category "+in.CategoryID+" at "+exp.Category.String())
		}
	}
	return Result{OK: true, SlippagePct: slippage}
}

// EstimateSlippage returns the adverse deviation, in percent of the reference price, of the
// expected average fill. It walks the book when depth is available and otherwise uses the
// price band width as a proxy. fillable is false when the book cannot absorb the quantity.
func EstimateSlippage(st market.State, in Intent) (decimal.Decimal, bool) {
	ref := in.ReferencePrice
	if !ref.IsPositive() {
		return decimal.Zero, false
	}
	levels := st.Depth(in.Side)
	if len(levels) == 0 {
		return in.Band.Width().Div(ref).Mul(hundred), true
	}
	remaining := in.Quantity
	cost := decimal.Zero
	for _, lvl := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, lvl.Size)
		cost = cost.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return decimal.Zero, false
	}
	if !in.Quantity.IsPositive() {
		return decimal.Zero, true
	}
	avg := cost.Div(in.Quantity)
	adverse := avg.Sub(ref)
	if in.Side == signal.SideSell {
		adverse = ref.Sub(avg)
	}
	if !adverse.IsPositive() {
		return decimal.Zero, true
	}
	return adverse.Div(ref).Mul(hundred), true
}

// Capacity is the residual notional an order may add under the exposure caps.
type Capacity struct {
	Amount  decimal.Decimal
	Bounded bool
	// Binding is the cap that determines Amount.
	Binding Reason
}

// Residual computes the remaining exposure budget for a market and its category. The gate
// and the sizer both size against this value.
func Residual(limits Limits, exp Exposure) Capacity {
	c := Capacity{}
	if limits.MaxExposurePerMarket.IsPositive() {
		c = Capacity{Amount: nonNegative(limits.MaxExposurePerMarket.Sub(exp.Market)), Bounded: true, Binding: ReasonMarketExposureExceeded}
	}
	if limits.MaxExposurePerCategory.IsPositive() {
		room := nonNegative(limits.MaxExposurePerCategory.Sub(exp.Category))
		if !c.Bounded || room.LessThan(c.Amount) {
			c = Capacity{Amount: room, Bounded: true, Binding: ReasonCategoryExposureExceeded}
		}
	}
	return c
}

// LimitPrice applies the slippage allowance to the reference price and clamps the result
// to the venue price bounds.
func LimitPrice(limits Limits, side signal.Side, ref decimal.Decimal) decimal.Decimal {
	allowance := ref.Mul(limits.MaxSlippagePct).Div(hundred)
	price := ref.Add(allowance)
	if side == signal.SideSell {
		price = ref.Sub(allowance)
	}
	if limits.MaxPrice.IsPositive() && price.GreaterThan(limits.MaxPrice) {
		price = limits.MaxPrice
	}
	if price.LessThan(limits.MinPrice) {
		price = limits.MinPrice
	}
	return price
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
