package signal

import (
	"bytes"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tandem/errs"
)

// scalar accepts a JSON string or number and keeps its text.
type scalar string

func (s *scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = scalar(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = scalar(n.String())
	return nil
}

type wireObservation struct {
	SourceID    scalar `json:"sourceId"`
	ID          scalar `json:"id"`
	TxHash      string `json:"txHash"`
	Leader      string `json:"leader"`
	Wallet      string `json:"wallet"`
	Market      string `json:"market"`
	MarketID    string `json:"marketId"`
	MarketTitle string `json:"marketTitle"`
	Title       string `json:"title"`
	Outcome     string `json:"outcome"`
	Side        string `json:"side"`
	Size        scalar `json:"size"`
	Price       scalar `json:"price"`
	PriceLow    scalar `json:"priceLow"`
	PriceHigh   scalar `json:"priceHigh"`
	Timestamp   scalar `json:"timestamp"`
	Sequence    scalar `json:"sequence"`
}

// DecodeRaw parses one JSON leader event. Numeric fields may be strings or numbers and
// a few common aliases (wallet, marketId, title, id, txHash) are accepted. Failures
// carry CodeMalformedEvent.
func DecodeRaw(data []byte) (RawObservation, error) {
	var w wireObservation
	if err := json.Unmarshal(data, &w); err != nil {
		return RawObservation{}, errs.New("signal", errs.CodeMalformedEvent,
			errs.WithMessage("invalid json"), errs.WithCause(err))
	}
	raw := RawObservation{
		SourceID:    firstNonEmpty(string(w.SourceID), string(w.ID), w.TxHash),
		Leader:      firstNonEmpty(w.Leader, w.Wallet),
		Market:      firstNonEmpty(w.Market, w.MarketID),
		MarketTitle: firstNonEmpty(w.MarketTitle, w.Title),
		Outcome:     w.Outcome,
		Side:        w.Side,
		Size:        string(w.Size),
		Price:       string(w.Price),
		PriceLow:    string(w.PriceLow),
		PriceHigh:   string(w.PriceHigh),
		Timestamp:   string(w.Timestamp),
	}
	if seq := string(w.Sequence); seq != "" {
		n, err := strconv.ParseInt(seq, 10, 64)
		if err != nil {
			return RawObservation{}, errs.New("signal", errs.CodeMalformedEvent,
				errs.WithMessage("sequence: not an integer"), errs.WithCause(err))
		}
		raw.Sequence = n
	}
	return raw, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
