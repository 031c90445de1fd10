package triage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/grantscout/internal/table"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu     sync.Mutex
	runs   map[string]*Run
	putErr error
	getErr error
	puts   int
}

func newMockStore() *mockStore {
	return &mockStore{runs: make(map[string]*Run)}
}

func (m *mockStore) Get(_ context.Context, id string) (*Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	r, ok := m.runs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (m *mockStore) Put(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.puts++
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *mockStore) List(_ context.Context, limit int) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type mockBriefer struct {
	brief *Brief
	err   error
}

func (m *mockBriefer) Brief(_ context.Context, _ *table.Table) (*Brief, error) {
	return m.brief, m.err
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []*Run
	err  error
}

func (m *mockNotifier) Send(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, r)
	return m.err
}

func fixedClock() time.Time { return time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC) }

func scoredTable(t *testing.T) *table.Table {
	t.Helper()
	bad := cleanOpp("late")
	bad.deadline = "2025-01-01"
	oos := cleanOpp("irrelevant")
	oos.rel = 0.0
	return buildTable(t, cleanOpp("good"), bad, oos)
}

// waitForRun polls the store until cond holds for the run or the deadline passes.
func waitForRun(t *testing.T, store *mockStore, id string, cond func(*Run) bool) *Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, ok, _ := store.Get(context.Background(), id)
		if ok && cond(r) {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not reach expected state within deadline")
	return nil
}

func TestSubmit_Complete(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := NewService(store, nil, log.Nop(), WithClock(fixedClock))

	run, err := svc.Submit(context.Background(), &Request{Source: "test", Table: scoredTable(t)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if run.Status != StatusComplete {
		t.Errorf("status = %q, want %q", run.Status, StatusComplete)
	}
	if run.InputRows != 3 || run.CleanRows != 1 || run.DirtyRows != 1 || run.OutOfScopeRows != 1 {
		t.Errorf("rows = %d -> %d/%d/%d, want 3 -> 1/1/1", run.InputRows, run.CleanRows, run.DirtyRows, run.OutOfScopeRows)
	}
	if run.Flaws[FlawDeadlinePassed] != 1 {
		t.Errorf("flaws = %v, want one deadline_passed", run.Flaws)
	}
	if !run.Today.Equal(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("today = %v, want 2025-06-15", run.Today)
	}

	stored, ok, err := store.Get(context.Background(), run.ID)
	if err != nil || !ok {
		t.Fatalf("stored run missing: ok=%v err=%v", ok, err)
	}
	if stored.Clean == nil || stored.Clean.Len() != 1 {
		t.Error("stored run should carry the Clean table")
	}
}

func TestSubmit_TodayOverride(t *testing.T) {
	t.Parallel()

	svc := NewService(newMockStore(), nil, log.Nop(), WithClock(fixedClock))

	// 2025-01-01 deadline is still open when today is 2024-12-31
	run, err := svc.Submit(context.Background(), &Request{
		Table: scoredTable(t),
		Today: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.CleanRows != 2 || run.DirtyRows != 0 {
		t.Errorf("clean=%d dirty=%d, want 2/0", run.CleanRows, run.DirtyRows)
	}
}

func TestSubmit_ClockDecidesDeadlines(t *testing.T) {
	t.Parallel()

	// every deadline in scoredTable has passed by 2026-01-02
	later := func() time.Time { return time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC) }
	svc := NewService(newMockStore(), nil, log.Nop(), WithClock(later))

	run, err := svc.Submit(context.Background(), &Request{Table: scoredTable(t)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.CleanRows != 0 || run.DirtyRows != 2 || run.OutOfScopeRows != 1 {
		t.Errorf("clean=%d dirty=%d oos=%d, want 0/2/1", run.CleanRows, run.DirtyRows, run.OutOfScopeRows)
	}
	if run.Flaws[FlawDeadlinePassed] != 2 {
		t.Errorf("flaws = %v, want two deadline_passed", run.Flaws)
	}
	if !run.Today.Equal(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("today = %v, want 2026-01-02", run.Today)
	}
}

func TestSubmit_Unscored(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := NewService(store, nil, log.Nop(), WithClock(fixedClock))

	raw := table.New(ColGrantName, ColRelevance)
	_ = raw.AppendRow("X", 5.0)

	run, err := svc.Submit(context.Background(), &Request{Table: raw})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.Status != StatusUnscored {
		t.Errorf("status = %q, want %q", run.Status, StatusUnscored)
	}
	if !strings.Contains(run.Reason, ColFit) || !strings.Contains(run.Reason, ColEase) {
		t.Errorf("reason = %q, want missing columns named", run.Reason)
	}
	if run.Raw == nil || run.Raw.Len() != 1 {
		t.Error("unscored run should keep the raw table")
	}
	if run.Clean != nil {
		t.Error("unscored run must not carry partitions")
	}
	if store.puts != 1 {
		t.Errorf("puts = %d, want 1", store.puts)
	}
}

func TestSubmit_NilTable(t *testing.T) {
	t.Parallel()

	svc := NewService(newMockStore(), nil, log.Nop(), WithClock(fixedClock))
	if _, err := svc.Submit(context.Background(), &Request{}); !errors.Is(err, ErrNilTable) {
		t.Errorf("err = %v, want ErrNilTable", err)
	}
	if _, err := svc.Submit(context.Background(), nil); !errors.Is(err, ErrNilTable) {
		t.Errorf("err = %v, want ErrNilTable", err)
	}
}

func TestSubmit_StoreError(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.putErr = errors.New("db down")
	svc := NewService(store, nil, log.Nop(), WithClock(fixedClock))

	_, err := svc.Submit(context.Background(), &Request{Table: scoredTable(t)})
	if err == nil {
		t.Fatal("expected error from store")
	}
	if !strings.Contains(err.Error(), "db down") {
		t.Errorf("error = %q, want wrapped store error", err)
	}
}

func TestSubmit_PublishesBriefAndNotification(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	briefer := &mockBriefer{brief: &Brief{Text: "one strong lead", Model: "test-model", TokensIn: 120, TokensOut: 40}}
	notifier := &mockNotifier{}
	svc := NewService(store, nil, log.Nop(), WithClock(fixedClock), WithBriefer(briefer), WithNotifier(notifier))

	run, err := svc.Submit(context.Background(), &Request{Table: scoredTable(t)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForRun(t, store, run.ID, func(r *Run) bool { return r.Notified })
	if got.Brief != "one strong lead" {
		t.Errorf("brief = %q, want %q", got.Brief, "one strong lead")
	}
	if got.BriefModel != "test-model" || got.TokensIn != 120 || got.TokensOut != 40 {
		t.Errorf("brief metadata = %q/%d/%d", got.BriefModel, got.TokensIn, got.TokensOut)
	}
	if got.PublishError != "" {
		t.Errorf("publish error = %q, want empty", got.PublishError)
	}
	if got.CleanRows != 1 {
		t.Error("publish must not change triage results")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.sent) != 1 || notifier.sent[0].Brief != "one strong lead" {
		t.Error("notifier should receive the run with its brief")
	}
}

func TestSubmit_PublishFailuresRecorded(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := NewService(store, nil, log.Nop(), WithClock(fixedClock),
		WithBriefer(&mockBriefer{err: errors.New("rate limited")}),
		WithNotifier(&mockNotifier{err: errors.New("webhook 500")}),
	)

	run, err := svc.Submit(context.Background(), &Request{Table: scoredTable(t)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForRun(t, store, run.ID, func(r *Run) bool { return r.PublishError != "" })
	if !strings.Contains(got.PublishError, "rate limited") || !strings.Contains(got.PublishError, "webhook 500") {
		t.Errorf("publish error = %q, want both failures", got.PublishError)
	}
	if got.Status != StatusComplete || got.CleanRows != 1 {
		t.Error("publish failures must not change the run status or results")
	}
}

func TestPublish_MissingRunSkipped(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	notifier := &mockNotifier{}
	store := newMockStore()
	svc := NewService(store, nil, log.Nop(), WithClock(fixedClock),
		WithBriefer(&mockBriefer{brief: &Brief{Text: "unused"}}),
		WithNotifier(notifier),
		WithMetrics(m),
	)

	svc.publish(context.Background(), "gone")

	if got := testutil.ToFloat64(m.PublishTotal.WithLabelValues("fetch", "error")); got != 1 {
		t.Errorf("fetch errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PublishTotal.WithLabelValues("brief", "success")); got != 0 {
		t.Errorf("brief published = %v, want 0", got)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.sent) != 0 {
		t.Errorf("notifications = %d, want 0", len(notifier.sent))
	}
	if store.puts != 0 {
		t.Errorf("puts = %d, want 0", store.puts)
	}
}

func TestGet_Passthrough(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.runs["r-1"] = &Run{ID: "r-1", Status: StatusComplete}
	svc := NewService(store, nil, log.Nop(), WithClock(fixedClock))

	got, ok, err := svc.Get(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || got.ID != "r-1" {
		t.Errorf("Get = %v, %v; want r-1", got, ok)
	}

	_, ok, err = svc.Get(context.Background(), "missing")
	if err != nil || ok {
		t.Errorf("Get(missing) = ok=%v err=%v, want false/nil", ok, err)
	}
}

func TestList_ReturnsSummaries(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := NewService(store, nil, log.Nop(), WithClock(fixedClock))
	for range 3 {
		if _, err := svc.Submit(context.Background(), &Request{Table: scoredTable(t)}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	runs, err := svc.List(context.Background(), 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	for _, r := range runs {
		if r.Clean != nil || r.Dirty != nil || r.OutOfScope != nil {
			t.Error("List should strip tables")
		}
		if r.CleanRows != 1 {
			t.Errorf("summary CleanRows = %d, want 1", r.CleanRows)
		}
	}
}

func TestSubmit_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	svc := NewService(newMockStore(), NewEngine(m.Hooks()), log.Nop(), WithClock(fixedClock), WithMetrics(m))

	if _, err := svc.Submit(context.Background(), &Request{Table: scoredTable(t)}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.Submit(context.Background(), &Request{Table: table.New(ColGrantName)}); err != nil {
		t.Fatalf("Submit unscored: %v", err)
	}

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues(string(StatusComplete))); got != 1 {
		t.Errorf("runs complete = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UnscoredTables); got != 1 {
		t.Errorf("unscored = %v, want 1", got)
	}
	for _, p := range Partitions {
		if got := testutil.ToFloat64(m.RowsTotal.WithLabelValues(string(p))); got != 1 {
			t.Errorf("rows %s = %v, want 1", p, got)
		}
	}
	if got := testutil.ToFloat64(m.FatalFlaws.WithLabelValues(string(FlawDeadlinePassed))); got != 1 {
		t.Errorf("deadline flaws = %v, want 1", got)
	}
}

func TestSubmit_RecordsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	svc := NewService(newMockStore(), nil, log.Nop(), WithClock(fixedClock))
	if _, err := svc.Submit(context.Background(), &Request{Table: scoredTable(t)}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	spans := exporter.GetSpans()
	var found bool
	for _, s := range spans {
		if s.Name != "triage.Submit" {
			continue
		}
		found = true
		attrs := map[string]int64{}
		for _, kv := range s.Attributes {
			attrs[string(kv.Key)] = kv.Value.AsInt64()
		}
		if attrs["grantscout.run.clean"] != 1 || attrs["grantscout.run.input_rows"] != 3 {
			t.Errorf("span attributes = %v", attrs)
		}
	}
	if !found {
		t.Fatal("expected triage.Submit span")
	}
}
