package postgres

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// requestQueries accumulates the queries one HTTP request issued.
type requestQueries struct {
	method string

	mu       sync.Mutex
	count    int
	errors   int
	duration time.Duration
}

func (s *requestQueries) add(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.duration += d
	if err != nil {
		s.errors++
	}
}

func (s *requestQueries) totals() (count, errors int, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, s.errors, s.duration
}

type requestQueriesKey struct{}

func withRequestQueries(ctx context.Context, method string) (context.Context, *requestQueries) {
	s := &requestQueries{method: method}
	return context.WithValue(ctx, requestQueriesKey{}, s), s
}

func statsFromContext(ctx context.Context) (*requestQueries, bool) {
	s, ok := ctx.Value(requestQueriesKey{}).(*requestQueries)
	return s, ok && s != nil
}

func methodOr(ctx context.Context, fallback string) string {
	if s, ok := statsFromContext(ctx); ok && s.method != "" {
		return s.method
	}
	return fallback
}

// RequestStats counts the queries each request issues and logs the totals
// once the handler returns. Requests that never touch the database log
// nothing.
func RequestStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, s := withRequestQueries(r.Context(), r.Method)
		next.ServeHTTP(w, r.WithContext(ctx))

		count, errs, dur := s.totals()
		if count == 0 {
			return
		}
		log.FromContext(ctx).Info(ctx, "request db stats",
			"db.queries", count,
			"db.total_duration", dur.Seconds(),
			"db.errors", errs,
		)
	})
}
