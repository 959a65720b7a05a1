package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tandem/errs"
	"github.com/coachpo/tandem/internal/app/breaker"
	"github.com/coachpo/tandem/internal/app/exposure"
	"github.com/coachpo/tandem/internal/app/risk"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
	"github.com/coachpo/tandem/internal/domain/signal"
	"github.com/coachpo/tandem/internal/infra/config"
)

type fakeLedger struct {
	entries map[string]ledgerstore.Entry
}

func (f fakeLedger) Get(_ context.Context, id string) (ledgerstore.Entry, error) {
	if id == "boom" {
		return ledgerstore.Entry{}, errors.New("disk on fire")
	}
	e, ok := f.entries[id]
	if !ok {
		return ledgerstore.Entry{}, errs.New("ledger", errs.CodeNotFound)
	}
	return e, nil
}

type fakePositions struct {
	positions []ledgerstore.Position
}

func (f fakePositions) GetActivePosition(_ context.Context, marketID string) (ledgerstore.Position, error) {
	for _, p := range f.positions {
		if p.MarketID == marketID {
			return p, nil
		}
	}
	return ledgerstore.Position{}, ledgerstore.ErrNotFound
}

func (f fakePositions) ListActivePositions(context.Context) ([]ledgerstore.Position, error) {
	return f.positions, nil
}

func newTestHandler(t *testing.T) (http.Handler, *breaker.Breaker) {
	t.Helper()
	b := breaker.New(breaker.DefaultConfig())
	exp := exposure.New()
	exp.Apply("M1", "politics", decimal.NewFromInt(12))
	exp.Apply("M2", "politics", decimal.RequireFromString("3.5"))

	entry := ledgerstore.Entry{
		LeaderEventID:  "evt-1",
		Kind:           ledgerstore.KindEntry,
		LeaderID:       "0xleader",
		MarketID:       "M1",
		Side:           signal.SideBuy,
		Status:         ledgerstore.StatusFilled,
		RequestedQty:   decimal.NewFromInt(30),
		FilledQty:      decimal.NewFromInt(30),
		ReferencePrice: decimal.RequireFromString("0.4"),
		ObservedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	handler := NewHandler(Dependencies{
		Environment: config.EnvDev,
		Ledger:      fakeLedger{entries: map[string]ledgerstore.Entry{"evt-1": entry}},
		Positions: fakePositions{positions: []ledgerstore.Position{{
			MarketID: "M1",
			Side:     signal.SideBuy,
			Quantity: decimal.NewFromInt(30),
			Exit:     ledgerstore.TPSLExit(decimal.RequireFromString("0.5"), decimal.RequireFromString("0.32")),
			State:    ledgerstore.PositionOpen,
		}}},
		Exposure: exp,
		Breaker:  b,
		Limits:   risk.DefaultLimits(),
		Stats:    func() any { return map[string]int{"handled": 7} },
	})
	return handler, b
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)
	rec, body := do(t, h, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, false, body["breakerOpen"])

	unhealthy := NewHandler(Dependencies{Health: func(context.Context) error { return errors.New("store down") }})
	rec, body = do(t, unhealthy, http.MethodGet, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "store down", body["error"])
}

func TestLedgerLookup(t *testing.T) {
	h, _ := newTestHandler(t)

	rec, body := do(t, h, http.MethodGet, "/ledger/evt-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "filled", body["status"])
	require.Equal(t, true, body["terminal"])
	require.Equal(t, "30", body["filledQty"])

	rec, _ = do(t, h, http.MethodGet, "/ledger/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/ledger/boom")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/ledger/")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodDelete, "/ledger/evt-1")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "GET", rec.Header().Get("Allow"))
}

func TestPositions(t *testing.T) {
	h, _ := newTestHandler(t)

	rec, body := do(t, h, http.MethodGet, "/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, body["count"])

	rec, body = do(t, h, http.MethodGet, "/positions/M1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "tp_sl", body["exitMode"])
	require.Equal(t, "0.5", body["takeProfit"])

	rec, _ = do(t, h, http.MethodGet, "/positions/M9")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExposureAndLimits(t *testing.T) {
	h, _ := newTestHandler(t)

	rec, body := do(t, h, http.MethodGet, "/exposure")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "15.5", body["total"])
	require.Equal(t, map[string]any{"politics": "15.5"}, body["categories"])

	rec, body = do(t, h, http.MethodGet, "/risk/limits")
	require.Equal(t, http.StatusOK, rec.Code)
	limits := body["limits"].(map[string]any)
	require.Equal(t, "proportional", limits["copyMode"])
	require.Equal(t, "0.999", limits["maxPrice"])
	require.Equal(t, "1m0s", limits["maxPlanAge"])
}

func TestBreakerStatusAndReset(t *testing.T) {
	h, b := newTestHandler(t)
	b.Halt("ledger integrity fault")

	rec, body := do(t, h, http.MethodGet, "/breaker")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["open"])
	require.Equal(t, true, body["latched"])

	rec, _ = do(t, h, http.MethodGet, "/breaker/reset")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, body = do(t, h, http.MethodPost, "/breaker/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, body["open"])
	require.False(t, b.IsOpen())
}

func TestPipelineStatsAndCORS(t *testing.T) {
	h, _ := newTestHandler(t)
	rec, body := do(t, h, http.MethodGet, "/pipeline/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 7, body["handled"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/breaker/reset", strings.NewReader("")))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
