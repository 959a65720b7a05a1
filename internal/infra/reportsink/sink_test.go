package reportsink

import (
	"bufio"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tandem/internal/app/report"
)

func sampleRecord(id, status string) report.Record {
	return report.Record{
		LeaderEventID: id,
		LeaderID:      "0xleader",
		MarketID:      "M",
		MarketTitle:   "Will it rain, tomorrow?",
		Outcome:       "YES",
		Kind:          "entry",
		Side:          "buy",
		Status:        status,
		Reason:        "SpreadTooWide",
		Detail:        "spread 2.4%",
		ClientOrderID: "cli-1",
		LeaderSize:    decimal.NewFromInt(100),
		LeaderPrice:   decimal.RequireFromString("0.41"),
		RequestedQty:  decimal.RequireFromString("24.39"),
		LimitPrice:    decimal.RequireFromString("0.4141"),
		ObservedAt:    time.Unix(1772366400, 0).UTC(),
		LatencyMs:     850,
	}
}

func TestJSONLAppendsOneRecordPerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "trades.jsonl")
	sink, err := NewJSONL(JSONLConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, sink.Emit(context.Background(), sampleRecord("evt-1", "skipped")))
	require.NoError(t, sink.Emit(context.Background(), sampleRecord("evt-2", "filled")))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var ids []string
	for scanner.Scan() {
		rec, err := report.Decode(scanner.Bytes())
		require.NoError(t, err)
		ids = append(ids, rec.LeaderEventID)
	}
	require.Equal(t, []string{"evt-1", "evt-2"}, ids)
}

func TestCSVWritesHeaderOnceInColumnOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.csv")
	sink, err := NewCSV(path, "paper")
	require.NoError(t, err)
	require.NoError(t, sink.Emit(context.Background(), sampleRecord("evt-1", "skipped")))
	require.NoError(t, sink.Close())

	sink, err = NewCSV(path, "paper")
	require.NoError(t, err)
	require.NoError(t, sink.Emit(context.Background(), sampleRecord("evt-2", "filled")))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, CSVHeader, rows[0])
	require.Equal(t, []string{
		"1772366400", "0xleader", "evt-1", "M", "Will it rain, tomorrow?", "buy", "YES",
		"0.41", "100", "24.39", "0.4141", "paper", "skipped", "SpreadTooWide", "850", "cli-1", "spread 2.4%",
	}, rows[1])
	require.Equal(t, "evt-2", rows[2][2])
}

func TestSinksRequirePath(t *testing.T) {
	_, err := NewJSONL(JSONLConfig{})
	require.Error(t, err)
	_, err = NewCSV(" ", "live")
	require.Error(t, err)
}
