// Package health derives release health statistics (crash-free
// rates, adoption, duration percentiles and activity series) from
// aggregate answers of a session store.
//
// The Engine is stateless. Every operation takes the reference
// instant explicitly, issues its store queries (concurrently when
// they are independent) and assembles the result only after all
// of them succeed.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/wesm/releasehealth/internal/health"

// Engine answers release health questions against a Store.
type Engine struct {
	store  Store
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for per-query debug output.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// New returns an Engine backed by store.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// startSpan opens the span for one public operation.
func (e *Engine) startSpan(
	ctx context.Context, op string, attrs ...attribute.KeyValue,
) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "health."+op,
		trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// storeErr marks err as a store failure for the named query.
func storeErr(query string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, query, err)
}

func (e *Engine) logQuery(
	ctx context.Context, query string, w Window, start time.Time,
) {
	e.logger.DebugContext(ctx, "store query",
		"query", query,
		"from", w.Start.UTC().Format(time.RFC3339),
		"to", w.End.UTC().Format(time.RFC3339),
		"elapsed", time.Since(start),
	)
}

func (e *Engine) countSessions(
	ctx context.Context, query string, f Filter, w Window, g GroupBy,
) ([]Row, error) {
	start := time.Now()
	rows, err := e.store.CountSessions(ctx, f, w, g)
	if err != nil {
		return nil, storeErr(query, err)
	}
	e.logQuery(ctx, query, w, start)
	return rows, nil
}

func (e *Engine) countUsers(
	ctx context.Context, query string, f Filter, w Window, g GroupBy,
) ([]Row, error) {
	start := time.Now()
	rows, err := e.store.CountUsers(ctx, f, w, g)
	if err != nil {
		return nil, storeErr(query, err)
	}
	e.logQuery(ctx, query, w, start)
	return rows, nil
}

func (e *Engine) startedBounds(
	ctx context.Context, query string, f Filter, w Window, g GroupBy,
) ([]BoundsRow, error) {
	start := time.Now()
	rows, err := e.store.StartedBounds(ctx, f, w, g)
	if err != nil {
		return nil, storeErr(query, err)
	}
	e.logQuery(ctx, query, w, start)
	return rows, nil
}

// countMap collects rows into a map, keeping only keys in keep.
// A nil keep retains every row.
func countMap(rows []Row, keep KeySet) map[ReleaseKey]int64 {
	m := make(map[ReleaseKey]int64, len(rows))
	for _, r := range rows {
		if keep != nil && !keep.Has(r.Key) {
			continue
		}
		m[r.Key] += r.Value
	}
	return m
}

// projectMap collects project-grouped rows by project id.
func projectMap(rows []Row) map[int64]int64 {
	m := make(map[int64]int64, len(rows))
	for _, r := range rows {
		m[r.Key.ProjectID] += r.Value
	}
	return m
}
