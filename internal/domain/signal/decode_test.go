package signal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tandem/errs"
)

func TestDecodeRawAcceptsNumbersAndAliases(t *testing.T) {
	raw, err := DecodeRaw([]byte(`{
		"txHash": "0xfeed",
		"wallet": "0xABC",
		"marketId": "M",
		"title": "Will it rain?",
		"side": "BUY",
		"size": 100,
		"price": 0.41,
		"timestamp": 1772366400,
		"sequence": 3
	}`))
	require.NoError(t, err)
	require.Equal(t, "0xfeed", raw.SourceID)
	require.Equal(t, "0xABC", raw.Leader)
	require.Equal(t, "M", raw.Market)
	require.Equal(t, "Will it rain?", raw.MarketTitle)
	require.Equal(t, "100", raw.Size)
	require.Equal(t, "0.41", raw.Price)
	require.Equal(t, "1772366400", raw.Timestamp)
	require.Equal(t, int64(3), raw.Sequence)

	sig, err := Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, "0xabc", sig.LeaderID)
}

func TestDecodeRawStringFields(t *testing.T) {
	raw, err := DecodeRaw([]byte(`{"leader":"0xA","market":"M","side":"sell","size":"5","priceLow":"0.4","priceHigh":"0.42","timestamp":"2026-03-01T12:00:00Z"}`))
	require.NoError(t, err)
	require.Equal(t, "0.4", raw.PriceLow)
	require.Equal(t, "0.42", raw.PriceHigh)
	require.Empty(t, raw.SourceID)
}

func TestDecodeRawRejectsGarbage(t *testing.T) {
	_, err := DecodeRaw([]byte(`not json`))
	require.True(t, errs.IsCode(err, errs.CodeMalformedEvent))

	_, err = DecodeRaw([]byte(`{"sequence":"abc"}`))
	require.True(t, errs.IsCode(err, errs.CodeMalformedEvent))
}
