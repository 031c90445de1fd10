package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/grantscout/internal/table"
	"github.com/oklog/ulid/v2"
)

const tracerName = "github.com/linnemanlabs/grantscout/internal/triage"

// Request is one table submitted for triage.
type Request struct {
	// Source describes where the table came from (file path, catalog query, api).
	Source string
	Table  *table.Table
	// Today overrides the service clock. Zero means today.
	Today time.Time
}

// Service is the business boundary for triage runs.
type Service struct {
	store    Store
	engine   *Engine
	logger   log.Logger
	metrics  *Metrics
	briefer  Briefer
	notifier Notifier
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithBriefer enables brief generation after each complete run.
func WithBriefer(b Briefer) Option { return func(s *Service) { s.briefer = b } }

// WithNotifier enables notification after each complete run.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithMetrics records run metrics.
func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a new triage service.
func NewService(store Store, engine *Engine, logger log.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if engine == nil {
		engine = NewEngine(EngineHooks{})
	}
	s := &Service{
		store:  store,
		engine: engine,
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit triages a table, stores the run and kicks off the publish step.
// A table without score columns is stored as an unscored run rather than
// failing, so the raw data is still kept.
func (s *Service) Submit(ctx context.Context, req *Request) (*Run, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "triage.Submit")
	defer span.End()

	if req == nil || req.Table == nil {
		span.SetStatus(codes.Error, ErrNilTable.Error())
		return nil, ErrNilTable
	}

	now := s.now()
	today := req.Today
	if today.IsZero() {
		today = now
	}

	run := &Run{
		ID:        ulid.Make().String(),
		Source:    req.Source,
		Today:     Day(today),
		CreatedAt: now,
		InputRows: req.Table.Len(),
	}
	span.SetAttributes(
		attribute.String("grantscout.run.id", run.ID),
		attribute.Int("grantscout.run.input_rows", run.InputRows),
	)

	L := s.logger.With("run_id", run.ID, "source", run.Source)

	if missing := MissingScoreColumns(req.Table); len(missing) > 0 {
		run.Status = StatusUnscored
		run.Reason = "missing score columns: " + strings.Join(missing, ", ")
		run.Raw = req.Table.Clone()
		run.CompletedAt = now
		if err := s.store.Put(ctx, run); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("store unscored run: %w", err)
		}
		s.metrics.observeRun(run)
		L.Warn(ctx, "table not scored, kept raw", "missing", missing, "rows", run.InputRows)
		return run, nil
	}

	out, err := s.engine.Run(req.Table, today)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	run.Status = StatusComplete
	run.Clean = out.Clean
	run.Dirty = out.Dirty
	run.OutOfScope = out.OutOfScope
	run.CleanRows = out.Clean.Len()
	run.DirtyRows = out.Dirty.Len()
	run.OutOfScopeRows = out.OutOfScope.Len()
	run.Overflow = out.Overflow
	run.Flaws = out.Flaws
	run.Duration = out.Duration.Seconds()
	run.CompletedAt = s.now()

	if err := s.store.Put(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("store run: %w", err)
	}
	s.metrics.observeRun(run)

	span.SetAttributes(
		attribute.Int("grantscout.run.clean", run.CleanRows),
		attribute.Int("grantscout.run.dirty", run.DirtyRows),
		attribute.Int("grantscout.run.out_of_scope", run.OutOfScopeRows),
	)

	L.Info(ctx, "triage complete",
		"today", run.Today.Format(time.DateOnly),
		"rows", run.InputRows,
		"clean", run.CleanRows,
		"dirty", run.DirtyRows,
		"out_of_scope", run.OutOfScopeRows,
		"overflow", run.Overflow,
		"fatal", out.Fatal,
	)

	if s.briefer != nil || s.notifier != nil {
		// pass only the ID to avoid sharing the Run pointer with the caller.
		go s.publish(context.WithoutCancel(ctx), run.ID)
	}

	return run, nil
}

// Get retrieves a run by ID.
func (s *Service) Get(ctx context.Context, id string) (*Run, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns up to limit run summaries, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*Run, error) {
	runs, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Run, len(runs))
	for i, r := range runs {
		out[i] = r.Summary()
	}
	return out, nil
}

var errRunNotFound = errors.New("run not found")

// publish writes the brief and sends the notification. Failures are logged
// and recorded on the run; the triage result itself is never changed.
func (s *Service) publish(ctx context.Context, id string) {
	L := s.logger.With("run_id", id)

	run, ok, err := s.store.Get(ctx, id)
	if err != nil {
		L.Error(ctx, err, "failed to fetch run for publish")
		s.metrics.observePublish("fetch", err)
		return
	}
	if !ok {
		L.Warn(ctx, "run not found, skipping publish")
		s.metrics.observePublish("fetch", errRunNotFound)
		return
	}

	var errs []string

	if s.briefer != nil {
		b, err := s.briefer.Brief(ctx, run.Clean)
		if err != nil {
			L.Error(ctx, err, "brief failed")
			errs = append(errs, "brief: "+err.Error())
			s.metrics.observePublish("brief", err)
		} else {
			run.Brief = b.Text
			run.BriefModel = b.Model
			run.TokensIn = b.TokensIn
			run.TokensOut = b.TokensOut
			s.metrics.observePublish("brief", nil)
			s.metrics.observeTokens(b.TokensIn, b.TokensOut)
		}
	}

	if s.notifier != nil {
		if err := s.notifier.Send(ctx, run); err != nil {
			L.Error(ctx, err, "notify failed")
			errs = append(errs, "notify: "+err.Error())
			s.metrics.observePublish("notify", err)
		} else {
			run.Notified = true
			s.metrics.observePublish("notify", nil)
		}
	}

	run.PublishError = strings.Join(errs, "; ")
	if err := s.store.Put(ctx, run); err != nil {
		L.Error(ctx, err, "failed to persist published run")
		return
	}

	L.Info(ctx, "run published",
		"brief", run.Brief != "",
		"notified", run.Notified,
		"tokens_in", run.TokensIn,
		"tokens_out", run.TokensOut,
	)
}
