package stock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/warp/medstock/stock"

// instruments holds the tracer and counters shared by Inventory and Sweeper.
// They resolve against the global providers, which stay no-op unless
// telemetry.Setup installed real ones.
type instruments struct {
	tracer       trace.Tracer
	units        metric.Int64Counter
	lockFailures metric.Int64Counter
	partials     metric.Int64Counter
}

func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	units, err := meter.Int64Counter("medstock.stock.units",
		metric.WithDescription("Units moved, by ledger action"),
		metric.WithUnit("{unit}"))
	if err != nil {
		units, _ = fallback.Int64Counter("medstock.stock.units")
	}
	lockFailures, err := meter.Int64Counter("medstock.lock.failures",
		metric.WithDescription("Stock operations rejected because the medicine lock was busy"))
	if err != nil {
		lockFailures, _ = fallback.Int64Counter("medstock.lock.failures")
	}
	partials, err := meter.Int64Counter("medstock.allocation.partial_failures",
		metric.WithDescription("Sagas that stopped after applying some writes"))
	if err != nil {
		partials, _ = fallback.Int64Counter("medstock.allocation.partial_failures")
	}

	return &instruments{
		tracer:       otel.Tracer(instrumentationName),
		units:        units,
		lockFailures: lockFailures,
		partials:     partials,
	}
}

func (in *instruments) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (in *instruments) moved(ctx context.Context, action Action, quantity int64) {
	in.units.Add(ctx, quantity, metric.WithAttributes(attribute.String("action", string(action))))
}

func (in *instruments) partial(ctx context.Context, action Action) {
	in.partials.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(action))))
}

// finish records err on the span and ends it.
func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
