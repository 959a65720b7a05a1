// Package signal defines the canonical leader trade signal and its normaliser.
package signal

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tandem/errs"
)

// Side is the trade direction of a leader action.
type Side string

const (
	// SideBuy opens or increases a position.
	SideBuy Side = "buy"
	// SideSell reduces or closes a position.
	SideSell Side = "sell"
)

// ParseSide accepts common spellings of a trade side.
func ParseSide(value string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "buy", "b", "bid", "long":
		return SideBuy, true
	case "sell", "s", "ask", "short":
		return SideSell, true
	default:
		return "", false
	}
}

// PriceBand is the inclusive price range a leader traded within.
type PriceBand struct {
	Low  decimal.Decimal `json:"low"`
	High decimal.Decimal `json:"high"`
}

var two = decimal.NewFromInt(2)

// Mid returns the band midpoint.
func (b PriceBand) Mid() decimal.Decimal {
	return b.Low.Add(b.High).Div(two)
}

// Width returns High-Low.
func (b PriceBand) Width() decimal.Decimal {
	return b.High.Sub(b.Low)
}

// TradeSignal is the normalised, immutable representation of one leader trade.
type TradeSignal struct {
	LeaderEventID string          `json:"leaderEventId"`
	LeaderID      string          `json:"leaderId"`
	MarketID      string          `json:"marketId"`
	MarketTitle   string          `json:"marketTitle,omitempty"`
	Outcome       string          `json:"outcome,omitempty"`
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	Band          PriceBand       `json:"priceBand"`
	ObservedAt    time.Time       `json:"observedAt"`
	Sequence      int64           `json:"sequence"`
}

// Notional returns size at the band midpoint.
func (s TradeSignal) Notional() decimal.Decimal {
	return s.Size.Mul(s.Band.Mid())
}

// RawObservation is the loosely typed record produced by leader event sources.
type RawObservation struct {
	SourceID    string `json:"sourceId,omitempty"`
	Leader      string `json:"leader"`
	Market      string `json:"market"`
	MarketTitle string `json:"marketTitle,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	Price       string `json:"price,omitempty"`
	PriceLow    string `json:"priceLow,omitempty"`
	PriceHigh   string `json:"priceHigh,omitempty"`
	Timestamp   string `json:"timestamp"`
	Sequence    int64  `json:"sequence,omitempty"`
}

// eventNamespace scopes deterministic leader event identifiers.
var eventNamespace = uuid.MustParse("4d1f6a0c-5d2e-4f0b-9a53-8f6c1b7e2a10")

// orderNamespace scopes deterministic client order identifiers.
var orderNamespace = uuid.MustParse("b8c2e6f1-3a7d-4c59-8e21-6d0f9a4b3c75")

// ClientOrderID derives the follower client order id for a ledger entry.
func ClientOrderID(leaderEventID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(leaderEventID)).String()
}

// EventID derives a leader event id from stable identity fields.
func EventID(parts ...string) string {
	return uuid.NewSHA1(eventNamespace, []byte(strings.Join(parts, "|"))).String()
}

// Normalize converts a raw observation into a TradeSignal. It is deterministic and
// side-effect free; failures carry CodeMalformedEvent.
func Normalize(raw RawObservation) (TradeSignal, error) {
	leader := strings.ToLower(strings.TrimSpace(raw.Leader))
	if leader == "" {
		return TradeSignal{}, malformed("leader required", raw)
	}
	market := strings.TrimSpace(raw.Market)
	if market == "" {
		return TradeSignal{}, malformed("market required", raw)
	}
	side, ok := ParseSide(raw.Side)
	if !ok {
		return TradeSignal{}, malformed("unknown side "+strconv.Quote(raw.Side), raw)
	}
	size, err := parsePositive(raw.Size)
	if err != nil {
		return TradeSignal{}, malformed("size: "+err.Error(), raw)
	}
	band, err := parseBand(raw)
	if err != nil {
		return TradeSignal{}, malformed(err.Error(), raw)
	}
	observedAt, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return TradeSignal{}, malformed("timestamp: "+err.Error(), raw)
	}

	sig := TradeSignal{
		LeaderID:    leader,
		MarketID:    market,
		MarketTitle: strings.TrimSpace(raw.MarketTitle),
		Outcome:     strings.TrimSpace(raw.Outcome),
		Side:        side,
		Size:        size,
		Band:        band,
		ObservedAt:  observedAt,
		Sequence:    raw.Sequence,
	}
	if native := strings.TrimSpace(raw.SourceID); native != "" {
		sig.LeaderEventID = EventID(leader, native)
	} else {
		sig.LeaderEventID = EventID(
			leader,
			market,
			string(side),
			strconv.FormatInt(observedAt.UnixNano(), 10),
			strconv.FormatInt(raw.Sequence, 10),
		)
	}
	return sig, nil
}

func parseBand(raw RawObservation) (PriceBand, error) {
	low, high := strings.TrimSpace(raw.PriceLow), strings.TrimSpace(raw.PriceHigh)
	if low != "" || high != "" {
		if low == "" || high == "" {
			return PriceBand{}, errs.New("signal", errs.CodeMalformedEvent, errs.WithMessage("price band needs both bounds"))
		}
		lo, err := parsePositive(low)
		if err != nil {
			return PriceBand{}, errs.New("signal", errs.CodeMalformedEvent, errs.WithMessage("priceLow: "+err.Error()))
		}
		hi, err := parsePositive(high)
		if err != nil {
			return PriceBand{}, errs.New("signal", errs.CodeMalformedEvent, errs.WithMessage("priceHigh: "+err.Error()))
		}
		if hi.LessThan(lo) {
			return PriceBand{}, errs.New("signal", errs.CodeMalformedEvent, errs.WithMessage("price band inverted"))
		}
		return PriceBand{Low: lo, High: hi}, nil
	}
	if strings.TrimSpace(raw.Price) == "" {
		return PriceBand{}, errs.New("signal", errs.CodeMalformedEvent, errs.WithMessage("price required"))
	}
	p, err := parsePositive(raw.Price)
	if err != nil {
		return PriceBand{}, errs.New("signal", errs.CodeMalformedEvent, errs.WithMessage("price: "+err.Error()))
	}
	return PriceBand{Low: p, High: p}, nil
}

func parsePositive(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Decimal{}, errs.New("signal", errs.CodeMalformedEvent, errs.WithMessage("missing"))
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, errs.New("signal", errs.CodeMalformedEvent, errs.WithMessage("not a number"), errs.WithCause(err))
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, errs.New("signal", errs.CodeMalformedEvent, errs.WithMessage("must be > 0"))
	}
	return d, nil
}

// unix timestamps above this are treated as milliseconds.
const millisThreshold = 100_000_000_000

// maxEpochMillis is 9999-12-31T23:59:59.999Z; anything later is not a real observation.
const maxEpochMillis = 253_402_300_799_999

// ParseTimestamp accepts RFC3339(Nano) strings and unix seconds or milliseconds.
func ParseTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, errs.New("signal", errs.CodeMalformedEvent, errs.WithMessage("missing"))
	}
	if ts, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return ts.UTC(), nil
	}
	if secs, err := decimal.NewFromString(trimmed); err == nil {
		if secs.IsNegative() || secs.IsZero() {
			return time.Time{}, errs.New("signal", errs.CodeMalformedEvent, errs.WithMessage("non-positive epoch"))
		}
		if secs.GreaterThan(decimal.NewFromInt(maxEpochMillis)) {
			return time.Time{}, errs.New("signal", errs.CodeMalformedEvent, errs.WithMessage("epoch out of range "+strconv.Quote(trimmed)))
		}
		if secs.GreaterThanOrEqual(decimal.NewFromInt(millisThreshold)) {
			return time.UnixMilli(secs.IntPart()).UTC(), nil
		}
		whole := secs.Truncate(0)
		nanos := secs.Sub(whole).Mul(decimal.NewFromInt(int64(time.Second))).IntPart()
		return time.Unix(whole.IntPart(), nanos).UTC(), nil
	}
	return time.Time{}, errs.New("signal", errs.CodeMalformedEvent, errs.WithMessage("unparseable "+strconv.Quote(trimmed)))
}

func malformed(msg string, raw RawObservation) error {
	return errs.New("signal", errs.CodeMalformedEvent,
		errs.WithMessage(msg),
		errs.WithField("leader", raw.Leader),
		errs.WithField("market", raw.Market),
	)
}
