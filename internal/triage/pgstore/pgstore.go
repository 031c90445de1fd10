// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/grantscout/internal/table"
	"github.com/linnemanlabs/grantscout/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/grantscout/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// rawPartition keys the kept input table of an unscored run in run_tables.
const rawPartition = "raw"

// Store persists triage runs in PostgreSQL. The pool is owned by the caller.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const runColumns = `id, source, status, reason, today, created_at, completed_at, duration_s,
	input_rows, clean_rows, dirty_rows, out_of_scope_rows, overflow_rows, flaws,
	brief, brief_model, tokens_in, tokens_out, notified, publish_error`

// Get retrieves a run and its tables by ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.Run, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + runColumns + ` FROM triage_runs WHERE id = $1`
	r, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}

	if err := s.loadTables(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}

	return r, true, nil
}

// List returns up to limit runs without their tables, newest first.
// limit <= 0 returns all runs.
func (s *Store) List(ctx context.Context, limit int) ([]*triage.Run, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM triage_runs ORDER BY created_at DESC, id DESC LIMIT $1`, lim)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*triage.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// Put inserts or updates a run and replaces its stored tables.
func (s *Store) Put(ctx context.Context, r *triage.Run) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := upsertRun(ctx, tx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := replaceTables(ctx, tx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsertRun(ctx context.Context, tx pgx.Tx, r *triage.Run) error {
	flaws := r.Flaws
	if flaws == nil {
		flaws = map[triage.Flaw]int{}
	}
	flawsJSON, err := json.Marshal(flaws)
	if err != nil {
		return fmt.Errorf("marshal flaws: %w", err)
	}

	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}

	query := `INSERT INTO triage_runs (` + runColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	ON CONFLICT (id) DO UPDATE SET
		source            = EXCLUDED.source,
		status            = EXCLUDED.status,
		reason            = EXCLUDED.reason,
		today             = EXCLUDED.today,
		completed_at      = EXCLUDED.completed_at,
		duration_s        = EXCLUDED.duration_s,
		input_rows        = EXCLUDED.input_rows,
		clean_rows        = EXCLUDED.clean_rows,
		dirty_rows        = EXCLUDED.dirty_rows,
		out_of_scope_rows = EXCLUDED.out_of_scope_rows,
		overflow_rows     = EXCLUDED.overflow_rows,
		flaws             = EXCLUDED.flaws,
		brief             = EXCLUDED.brief,
		brief_model       = EXCLUDED.brief_model,
		tokens_in         = EXCLUDED.tokens_in,
		tokens_out        = EXCLUDED.tokens_out,
		notified          = EXCLUDED.notified,
		publish_error     = EXCLUDED.publish_error`

	_, err = tx.Exec(ctx, query,
		r.ID, r.Source, string(r.Status), r.Reason, r.Today, r.CreatedAt, completedAt, r.Duration,
		r.InputRows, r.CleanRows, r.DirtyRows, r.OutOfScopeRows, r.Overflow, flawsJSON,
		r.Brief, r.BriefModel, r.TokensIn, r.TokensOut, r.Notified, r.PublishError,
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// replaceTables rewrites the run's stored tables to match r.
func replaceTables(ctx context.Context, tx pgx.Tx, r *triage.Run) error {
	if _, err := tx.Exec(ctx, `DELETE FROM run_tables WHERE run_id = $1`, r.ID); err != nil {
		return fmt.Errorf("delete tables: %w", err)
	}

	tables := map[string]*table.Table{
		string(triage.PartitionClean):      r.Clean,
		string(triage.PartitionDirty):      r.Dirty,
		string(triage.PartitionOutOfScope): r.OutOfScope,
		rawPartition:                       r.Raw,
	}
	for name, tb := range tables {
		if tb == nil {
			continue
		}
		data, err := json.Marshal(tb)
		if err != nil {
			return fmt.Errorf("marshal %s table: %w", name, err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO run_tables (run_id, partition, row_count, data) VALUES ($1, $2, $3, $4)`,
			r.ID, name, tb.Len(), data,
		)
		if err != nil {
			return fmt.Errorf("insert %s table: %w", name, err)
		}
	}
	return nil
}

// loadTables reads the stored tables back onto r.
func (s *Store) loadTables(ctx context.Context, r *triage.Run) error {
	rows, err := s.pool.Query(ctx,
		`SELECT partition, data FROM run_tables WHERE run_id = $1`, r.ID)
	if err != nil {
		return fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name string
			data []byte
		)
		if err := rows.Scan(&name, &data); err != nil {
			return fmt.Errorf("scan table: %w", err)
		}
		tb := &table.Table{}
		if err := json.Unmarshal(data, tb); err != nil {
			return fmt.Errorf("unmarshal %s table: %w", name, err)
		}
		switch name {
		case string(triage.PartitionClean):
			r.Clean = tb
		case string(triage.PartitionDirty):
			r.Dirty = tb
		case string(triage.PartitionOutOfScope):
			r.OutOfScope = tb
		case rawPartition:
			r.Raw = tb
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate tables: %w", err)
	}
	return nil
}

// scanRun scans a single triage_runs row (without tables).
// Returns (nil, nil) when no row is found.
func scanRun(row pgx.Row) (*triage.Run, error) {
	var (
		r           triage.Run
		status      string
		flawsJSON   []byte
		completedAt *time.Time
	)

	err := row.Scan(
		&r.ID, &r.Source, &status, &r.Reason, &r.Today, &r.CreatedAt, &completedAt, &r.Duration,
		&r.InputRows, &r.CleanRows, &r.DirtyRows, &r.OutOfScopeRows, &r.Overflow, &flawsJSON,
		&r.Brief, &r.BriefModel, &r.TokensIn, &r.TokensOut, &r.Notified, &r.PublishError,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Status = triage.Status(status)
	r.Today = r.Today.UTC()
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}

	if err := json.Unmarshal(flawsJSON, &r.Flaws); err != nil {
		return nil, fmt.Errorf("unmarshal flaws: %w", err)
	}
	if len(r.Flaws) == 0 {
		r.Flaws = nil
	}

	return &r, nil
}
