// Package httpserver exposes the operator control API: health, ledger lookups, positions,
// exposure, breaker status and reset, and the active risk limits.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tandem/errs"
	"github.com/coachpo/tandem/internal/app/breaker"
	"github.com/coachpo/tandem/internal/app/exposure"
	"github.com/coachpo/tandem/internal/app/risk"
	"github.com/coachpo/tandem/internal/domain/ledgerstore"
	"github.com/coachpo/tandem/internal/infra/config"
	"github.com/coachpo/tandem/internal/observability"
)

const (
	healthPath         = "/health"
	ledgerPrefix       = "/ledger/"
	positionsPath      = "/positions"
	positionPrefix     = positionsPath + "/"
	exposurePath       = "/exposure"
	breakerPath        = "/breaker"
	breakerResetPath   = "/breaker/reset"
	riskLimitsPath     = "/risk/limits"
	pipelineStatsPath  = "/pipeline/stats"
	healthCheckTimeout = 2 * time.Second
)

// LedgerReader looks up ledger entries by leader event id.
type LedgerReader interface {
	Get(ctx context.Context, leaderEventID string) (ledgerstore.Entry, error)
}

// PositionReader lists follower positions.
type PositionReader interface {
	GetActivePosition(ctx context.Context, marketID string) (ledgerstore.Position, error)
	ListActivePositions(ctx context.Context) ([]ledgerstore.Position, error)
}

// ExposureReader snapshots the in-memory exposure aggregate.
type ExposureReader interface {
	Snapshot() exposure.Snapshot
}

// BreakerControl reports and resets the circuit breaker.
type BreakerControl interface {
	Status() breaker.Status
	Reset()
}

// Dependencies are the read models and controls served by the handler.
type Dependencies struct {
	Environment config.Environment
	Ledger      LedgerReader
	Positions   PositionReader
	Exposure    ExposureReader
	Breaker     BreakerControl
	Limits      risk.Limits
	// Stats returns a JSON-serialisable view of pipeline counters.
	Stats func() any
	// Health probes the backing store; a non-nil error reports the service unavailable.
	Health func(ctx context.Context) error
	Logger observability.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	deps   Dependencies
	logger observability.Logger
}

// NewHandler creates the control API handler.
func NewHandler(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = observability.WithComponent(nil, "control-api")
	}
	server := &httpServer{deps: deps, logger: logger}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(ledgerPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getLedgerEntry,
	}))
	mux.Handle(positionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listPositions,
	}))
	mux.Handle(positionPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getPosition,
	}))
	mux.Handle(exposurePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getExposure,
	}))
	mux.Handle(breakerPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getBreaker,
	}))
	mux.Handle(breakerResetPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.resetBreaker,
	}))
	mux.Handle(riskLimitsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRiskLimits,
	}))
	mux.Handle(pipelineStatsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getPipelineStats,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	methods := make([]string, 0, len(handlers))
	for method := range handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":      "ok",
		"environment": s.deps.Environment,
	}
	if s.deps.Breaker != nil {
		payload["breakerOpen"] = s.deps.Breaker.Status().Open
	}
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			payload["status"] = "unavailable"
			payload["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, payload)
			return
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *httpServer) getLedgerEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := resourceID(w, r, ledgerPrefix)
	if !ok {
		return
	}
	if s.deps.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	entry, err := s.deps.Ledger.Get(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, "ledger entry", err)
		return
	}
	writeJSON(w, http.StatusOK, entryViewOf(entry))
}

func (s *httpServer) listPositions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Positions == nil {
		writeError(w, http.StatusServiceUnavailable, "positions unavailable")
		return
	}
	positions, err := s.deps.Positions.ListActivePositions(r.Context())
	if err != nil {
		s.writeLookupError(w, "positions", err)
		return
	}
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionViewOf(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": views, "count": len(views)})
}

func (s *httpServer) getPosition(w http.ResponseWriter, r *http.Request) {
	marketID, ok := resourceID(w, r, positionPrefix)
	if !ok {
		return
	}
	if s.deps.Positions == nil {
		writeError(w, http.StatusServiceUnavailable, "positions unavailable")
		return
	}
	position, err := s.deps.Positions.GetActivePosition(r.Context(), marketID)
	if err != nil {
		s.writeLookupError(w, "position", err)
		return
	}
	writeJSON(w, http.StatusOK, positionViewOf(position))
}

func (s *httpServer) getExposure(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Exposure == nil {
		writeError(w, http.StatusServiceUnavailable, "exposure unavailable")
		return
	}
	snap := s.deps.Exposure.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"total":      snap.Total().String(),
		"markets":    decimalMap(snap.Markets),
		"categories": decimalMap(snap.Categories),
		"limits": map[string]string{
			"perMarket":   s.deps.Limits.MaxExposurePerMarket.String(),
			"perCategory": s.deps.Limits.MaxExposurePerCategory.String(),
		},
	})
}

func (s *httpServer) getBreaker(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Breaker == nil {
		writeError(w, http.StatusServiceUnavailable, "breaker unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Breaker.Status())
}

func (s *httpServer) resetBreaker(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Breaker == nil {
		writeError(w, http.StatusServiceUnavailable, "breaker unavailable")
		return
	}
	before := s.deps.Breaker.Status()
	s.deps.Breaker.Reset()
	s.logger.Info("circuit breaker reset by operator",
		observability.F("was_open", before.Open),
		observability.F("was_latched", before.Latched),
		observability.F("reason", before.Reason))
	writeJSON(w, http.StatusOK, s.deps.Breaker.Status())
}

func (s *httpServer) getRiskLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"limits": limitsViewOf(s.deps.Limits)})
}

func (s *httpServer) getPipelineStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Stats())
}

func (s *httpServer) writeLookupError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, ledgerstore.ErrNotFound) || errs.IsCode(err, errs.CodeNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("control api lookup failed", observability.F("resource", what), observability.F("error", err.Error()))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func resourceID(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, prefix))
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "resource not found")
		return "", false
	}
	return id, true
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
