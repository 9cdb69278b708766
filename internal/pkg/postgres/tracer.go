package postgres

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/jobwatch/internal/pkg/ctxlog"
	"github.com/bissquit/jobwatch/internal/pkg/metrics"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/bissquit/jobwatch/internal/pkg/postgres")

type queryStartKey struct{}

// queryTracer opens a span per query, observes its duration and logs it at debug level.
type queryTracer struct{}

func (queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	ctx, _ = tracer.Start(ctx, "postgres.Query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.statement", data.SQL),
		),
	)
	return context.WithValue(ctx, queryStartKey{}, time.Now())
}

func (queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	var dur time.Duration
	if start, ok := ctx.Value(queryStartKey{}).(time.Time); ok {
		dur = time.Since(start)
	}

	operation := commandName(data.CommandTag.String())
	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
		span.SetStatus(codes.Error, data.Err.Error())
	}
	span.SetAttributes(
		attribute.String("db.operation.name", operation),
		attribute.Int64("db.rows", data.CommandTag.RowsAffected()),
	)

	metrics.DBQueryDuration.WithLabelValues(operation, outcome).Observe(dur.Seconds())

	logger := ctxlog.FromContext(ctx)
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	logger.Debug("query executed",
		"db.operation", operation,
		"db.rows", data.CommandTag.RowsAffected(),
		"db.duration", dur,
		"error", data.Err,
	)
}

func commandName(tag string) string {
	fields := strings.Fields(tag)
	if len(fields) == 0 {
		return "UNKNOWN"
	}
	return strings.ToUpper(fields[0])
}
