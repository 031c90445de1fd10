package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const modulePath = "github.com/linnemanlabs/grantscout/"

// Query outcomes reported to the QueryObserver.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// QueryObserver receives the duration of every traced query.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

type observerBox struct{ QueryObserver }

var observer atomic.Pointer[observerBox]

// SetQueryObserver installs the process-wide observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerBox{o})
}

func currentObserver() QueryObserver {
	if b := observer.Load(); b != nil {
		return b.QueryObserver
	}
	return nil
}

// pendingQuery is what TraceQueryStart hands to TraceQueryEnd.
type pendingQuery struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

type pendingQueryKey struct{}

// queryTracer wraps another pgx.QueryTracer (otelpgx) with a log line per
// query at or above minDuration, per-request stats and the QueryObserver.
// Run bodies are JSONB arguments, so argument values are only logged with
// logArgs; otherwise their count and size.
type queryTracer struct {
	inner       pgx.QueryTracer
	minDuration time.Duration
	logArgs     bool
}

func newQueryTracer(inner pgx.QueryTracer, minDuration time.Duration, logArgs bool) queryTracer {
	return queryTracer{inner: inner, minDuration: minDuration, logArgs: logArgs}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q := &pendingQuery{sql: data.SQL, args: data.Args, start: time.Now()}
	q.caller, q.handler = callSite()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if q.caller != "" {
			span.SetAttributes(attribute.String("db.caller", q.caller))
		}
		if q.handler != "" {
			span.SetAttributes(attribute.String("db.handler", q.handler))
		}
	}
	return context.WithValue(ctx, pendingQueryKey{}, q)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	// inner first so its span ends with the query
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, ok := ctx.Value(pendingQueryKey{}).(*pendingQuery)
	if !ok {
		return
	}
	dur := time.Since(q.start)
	outcome := queryOutcome(data.Err)

	if s, ok := statsFromContext(ctx); ok {
		s.add(dur, data.Err)
	}
	if obs := currentObserver(); obs != nil {
		obs.ObserveQuery(ctx, methodOr(ctx, "UNKNOWN"), routeOr(ctx, "unknown"), outcome, dur)
	}

	if data.Err == nil && dur < t.minDuration {
		return
	}

	fields := []any{
		"db.statement", compactSQL(q.sql),
		"db.duration", dur.Seconds(),
		"db.outcome", outcome,
	}
	if t.logArgs {
		fields = append(fields, "db.args", q.args)
	} else {
		n, size := argSummary(q.args)
		fields = append(fields, "db.arg_count", n, "db.arg_bytes", size)
	}
	if tag := data.CommandTag.String(); tag != "" {
		if op, _, _ := strings.Cut(tag, " "); op != "" {
			fields = append(fields, "db.operation.name", strings.ToUpper(op))
		}
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if q.caller != "" {
		fields = append(fields, "db.caller", q.caller)
	}
	if q.handler != "" {
		fields = append(fields, "db.handler", q.handler)
	}

	L := log.FromContext(ctx)
	if data.Err == nil {
		L.Info(ctx, "db query", fields...)
		return
	}
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	L.Error(ctx, data.Err, "db query failed", fields...)
}

func queryOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

func routeOr(ctx context.Context, fallback string) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return fallback
}

// argSummary counts arguments and the bytes held in string and []byte ones.
func argSummary(args []any) (count, bytes int) {
	for _, a := range args {
		switch v := a.(type) {
		case []byte:
			bytes += len(v)
		case string:
			bytes += len(v)
		}
	}
	return len(args), bytes
}

// compactSQL collapses the whitespace of multi-line statements onto one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// callSite returns the first two grantscout frames outside this package:
// the store method issuing the query and whatever called it.
func callSite() (caller, handler string) {
	pcs := make([]uintptr, 32)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(3, pcs)])
	for {
		fr, more := frames.Next()
		fn := fr.Function
		if strings.HasPrefix(fn, modulePath) && !strings.HasPrefix(fn, modulePath+"internal/postgres.") {
			switch {
			case caller == "":
				caller = shortFuncName(fn)
			case handler == "":
				return caller, shortFuncName(fn)
			}
		}
		if !more {
			return caller, handler
		}
	}
}

// shortFuncName drops the import path and package from a runtime function
// name, keeping receiver and method.
func shortFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if _, rest, ok := strings.Cut(fn, "."); ok && rest != "" {
		return rest
	}
	return fn
}
