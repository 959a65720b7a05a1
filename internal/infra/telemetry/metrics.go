package telemetry

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tandem/internal/domain/ledgerstore"
)

// Recorder records engine metrics. It satisfies the lifecycle metrics hook.
type Recorder struct {
	venue    string
	signals  metric.Int64Counter
	gateway  metric.Int64Counter
	latency  metric.Float64Histogram
	relayed  metric.Int64Counter
	sourceIn metric.Int64Counter
}

// NewRecorder creates the engine instruments on meter.
func NewRecorder(meter metric.Meter, venue string) (*Recorder, error) {
	r := &Recorder{venue: venue}
	var err error
	if r.signals, err = meter.Int64Counter("tandem.signals.handled",
		metric.WithDescription("Leader signals by resulting ledger status"),
		metric.WithUnit("{signal}")); err != nil {
		return nil, err
	}
	if r.gateway, err = meter.Int64Counter("tandem.gateway.calls",
		metric.WithDescription("Execution gateway calls by operation and result"),
		metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	if r.latency, err = meter.Float64Histogram("tandem.signal.latency",
		metric.WithDescription("Time from leader observation to terminal ledger status"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if r.relayed, err = meter.Int64Counter("tandem.report.relayed",
		metric.WithDescription("Report records relayed from the outbox"),
		metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	if r.sourceIn, err = meter.Int64Counter("tandem.source.events",
		metric.WithDescription("Raw leader events received per source"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	return r, nil
}

// SignalHandled counts a ledger transition driven by a signal.
func (r *Recorder) SignalHandled(kind ledgerstore.Kind, status ledgerstore.Status, reason string) {
	r.signals.Add(context.Background(), 1,
		metric.WithAttributes(SignalAttributes(Environment(), string(kind), string(status), reason)...))
}

// GatewayCall counts one gateway call.
func (r *Recorder) GatewayCall(op, result string) {
	r.gateway.Add(context.Background(), 1,
		metric.WithAttributes(OperationResultAttributes(Environment(), r.venue, op, result)...))
}

// EntryTerminal records the observation-to-terminal latency of an entry.
func (r *Recorder) EntryTerminal(entry ledgerstore.Entry) {
	if !entry.Status.Terminal() || entry.ObservedAt.IsZero() {
		return
	}
	ms := float64(entry.UpdatedAt.Sub(entry.ObservedAt)) / float64(time.Millisecond)
	r.latency.Record(context.Background(), ms,
		metric.WithAttributes(SignalAttributes(Environment(), string(entry.Kind), string(entry.Status), "")...))
}

// Relayed counts outbox records delivered or failed.
func (r *Recorder) Relayed(result string, n int) {
	if n <= 0 {
		return
	}
	r.relayed.Add(context.Background(), int64(n),
		metric.WithAttributes(AttrEnvironment.String(Environment()), AttrResult.String(result)))
}

// SourceEvent counts a raw event received from source.
func (r *Recorder) SourceEvent(source string) {
	r.sourceIn.Add(context.Background(), 1,
		metric.WithAttributes(AttrEnvironment.String(Environment()), AttrSource.String(source)))
}

// Gauges are the observable values sampled at export time.
type Gauges struct {
	BreakerOpen   func() bool
	Exposure      func() (markets, categories map[string]decimal.Decimal)
	WorkingOrders func() int
}

// ObserveGauges registers observable gauges backed by the supplied callbacks.
func ObserveGauges(meter metric.Meter, g Gauges) error {
	env := AttrEnvironment.String(Environment())
	if g.BreakerOpen != nil {
		if _, err := meter.Int64ObservableGauge("tandem.breaker.open",
			metric.WithDescription("1 while the circuit breaker blocks submissions"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				var v int64
				if g.BreakerOpen() {
					v = 1
				}
				o.Observe(v, metric.WithAttributes(env))
				return nil
			})); err != nil {
			return err
		}
	}
	if g.Exposure != nil {
		if _, err := meter.Float64ObservableGauge("tandem.exposure.total",
			metric.WithDescription("Total exposure notional per scope"),
			metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
				markets, categories := g.Exposure()
				o.Observe(sum(markets), metric.WithAttributes(env, AttrScope.String(string(ledgerstore.ScopeMarket))))
				o.Observe(sum(categories), metric.WithAttributes(env, AttrScope.String(string(ledgerstore.ScopeCategory))))
				return nil
			})); err != nil {
			return err
		}
	}
	if g.WorkingOrders != nil {
		if _, err := meter.Int64ObservableGauge("tandem.orders.working",
			metric.WithDescription("Submitted orders awaiting a terminal status"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(g.WorkingOrders()), metric.WithAttributes(env))
				return nil
			})); err != nil {
			return err
		}
	}
	return nil
}

func sum(values map[string]decimal.Decimal) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total.InexactFloat64()
}
