package triage

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/linnemanlabs/grantscout/internal/table"
)

var testToday = time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)

var testColumns = []string{ColGrantName, ColSponsor, ColLink, ColDeadline, ColMatch, ColRelevance, ColFit, ColEase}

// opp is one input row in testColumns order.
type opp struct {
	name, sponsor, link any
	deadline, match     any
	rel, fit, ease      any
}

func cleanOpp(name string) opp {
	return opp{
		name: name, sponsor: "Y", link: "Z",
		deadline: "2025-12-31", match: "20%",
		rel: 5.0, fit: 4.0, ease: 5.0,
	}
}

func buildTable(t *testing.T, opps ...opp) *table.Table {
	t.Helper()
	tb := table.New(testColumns...)
	for _, o := range opps {
		if err := tb.AppendRow(o.name, o.sponsor, o.link, o.deadline, o.match, o.rel, o.fit, o.ease); err != nil {
			t.Fatalf("AppendRow: %v", err)
		}
	}
	return tb
}

func names(t *testing.T, tb *table.Table) []string {
	t.Helper()
	out := make([]string, tb.Len())
	for i := range out {
		v, _ := tb.Value(i, ColGrantName)
		out[i] = table.FormatCell(v)
	}
	return out
}

func run(t *testing.T, in *table.Table) *Outcome {
	t.Helper()
	out, err := NewEngine(EngineHooks{}).Run(in, testToday)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out
}

func TestTriage_ScenarioA_SingleCleanRow(t *testing.T) {
	t.Parallel()

	clean, dirty, oos, err := Triage(buildTable(t, cleanOpp("X")), testToday)
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if clean.Len() != 1 || dirty.Len() != 0 || oos.Len() != 0 {
		t.Fatalf("sizes = %d/%d/%d, want 1/0/0", clean.Len(), dirty.Len(), oos.Len())
	}

	score, _ := clean.Value(0, ColWeightedScore)
	if score != 20.0 {
		t.Errorf("Weighted Score = %v, want 20", score)
	}
	rank, _ := clean.Value(0, ColRank)
	if rank != 1 {
		t.Errorf("Rank = %v, want 1", rank)
	}
	if cols := clean.Columns(); cols[0] != ColRank {
		t.Errorf("first column = %q, want %q", cols[0], ColRank)
	}
}

func TestTriage_ScenarioB_ZeroRelevanceIsOutOfScope(t *testing.T) {
	t.Parallel()

	o := cleanOpp("X")
	o.rel = 0.0
	clean, dirty, oos, err := Triage(buildTable(t, o), testToday)
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if clean.Len() != 0 || dirty.Len() != 0 || oos.Len() != 1 {
		t.Fatalf("sizes = %d/%d/%d, want 0/0/1", clean.Len(), dirty.Len(), oos.Len())
	}
	score, _ := oos.Value(0, ColWeightedScore)
	if score != 0.0 {
		t.Errorf("Weighted Score = %v, want 0", score)
	}
	if oos.Has(ColRank) {
		t.Error("Out-of-Scope must not carry Rank")
	}
}

func TestTriage_ScenarioC_HighMatchIsDirty(t *testing.T) {
	t.Parallel()

	o := cleanOpp("X")
	o.match = "40%"
	out := run(t, buildTable(t, o))
	if out.Clean.Len() != 0 || out.Dirty.Len() != 1 {
		t.Fatalf("clean=%d dirty=%d, want 0/1", out.Clean.Len(), out.Dirty.Len())
	}
	if out.Flaws[FlawMatchTooHigh] != 1 {
		t.Errorf("match flaw count = %d, want 1", out.Flaws[FlawMatchTooHigh])
	}
	if out.Dirty.Has(ColRank) {
		t.Error("Dirty must not carry Rank")
	}
}

func TestTriage_ScenarioD_OverflowMovesToDirty(t *testing.T) {
	t.Parallel()

	var opps []opp
	for i := range 25 {
		o := cleanOpp(fmt.Sprintf("G%02d", i))
		o.rel = float64(i + 1) // distinct scores, ascending in input order
		opps = append(opps, o)
	}
	out := run(t, buildTable(t, opps...))

	if out.Clean.Len() != CleanLimit {
		t.Fatalf("clean = %d, want %d", out.Clean.Len(), CleanLimit)
	}
	if out.Dirty.Len() != 5 {
		t.Fatalf("dirty = %d, want 5", out.Dirty.Len())
	}
	if out.Overflow != 5 {
		t.Errorf("Overflow = %d, want 5", out.Overflow)
	}

	got := names(t, out.Clean)
	for i, name := range got {
		want := fmt.Sprintf("G%02d", 24-i)
		if name != want {
			t.Errorf("clean[%d] = %q, want %q", i, name, want)
		}
		rank, _ := out.Clean.Value(i, ColRank)
		if rank != i+1 {
			t.Errorf("clean[%d] rank = %v, want %d", i, rank, i+1)
		}
	}

	wantDirty := []string{"G04", "G03", "G02", "G01", "G00"}
	for i, name := range names(t, out.Dirty) {
		if name != wantDirty[i] {
			t.Errorf("dirty[%d] = %q, want %q", i, name, wantDirty[i])
		}
	}
}

func TestTriage_DirtyOrderOverflowThenFatal(t *testing.T) {
	t.Parallel()

	var opps []opp
	fatal := cleanOpp("fatal-first")
	fatal.match = "50"
	opps = append(opps, fatal)
	for i := range 21 {
		opps = append(opps, cleanOpp(fmt.Sprintf("c%02d", i)))
	}
	fatal2 := cleanOpp("fatal-last")
	fatal2.deadline = "2020-01-01"
	opps = append(opps, fatal2)

	out := run(t, buildTable(t, opps...))

	// all candidates tie, so stable order keeps c00..c19 in Clean and c20 overflows
	got := names(t, out.Dirty)
	want := []string{"c20", "fatal-first", "fatal-last"}
	if len(got) != len(want) {
		t.Fatalf("dirty = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dirty[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if c := names(t, out.Clean); c[0] != "c00" || c[19] != "c19" {
		t.Errorf("clean order not stable: first=%q last=%q", c[0], c[19])
	}
}

func TestTriage_StableTies(t *testing.T) {
	t.Parallel()

	a, b, c := cleanOpp("a"), cleanOpp("b"), cleanOpp("c")
	b.rel = 5.0
	c.rel = 5.0
	a.rel = 1.0
	out := run(t, buildTable(t, a, b, c))

	got := names(t, out.Clean)
	want := []string{"b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("clean[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTriage_DeadlineBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		deadline  any
		wantFatal bool
	}{
		{"today", "2025-06-15", false},
		{"today as time with later clock", time.Date(2025, 6, 15, 23, 59, 0, 0, time.UTC), false},
		{"yesterday", "2025-06-14", true},
		{"yesterday us format", "06/14/2025", true},
		{"tomorrow", "2025-06-16", false},
		{"null", nil, false},
		{"unparseable", "rolling", false},
		{"blank", "  ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := cleanOpp("X")
			o.deadline = tt.deadline
			out := run(t, buildTable(t, o))
			gotFatal := out.Dirty.Len() == 1
			if gotFatal != tt.wantFatal {
				t.Errorf("fatal = %v, want %v", gotFatal, tt.wantFatal)
			}
		})
	}
}

func TestTriage_TodayTimeOfDayIgnored(t *testing.T) {
	t.Parallel()

	o := cleanOpp("X")
	o.deadline = "2025-06-15"
	late := time.Date(2025, 6, 15, 23, 59, 59, 0, time.UTC)
	clean, _, _, err := Triage(buildTable(t, o), late)
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if clean.Len() != 1 {
		t.Error("deadline on the same calendar day as today must not be fatal")
	}
}

func TestTriage_DeadlineParsedOnOutput(t *testing.T) {
	t.Parallel()

	o := cleanOpp("X")
	o.deadline = "12/31/2025"
	out := run(t, buildTable(t, o))

	v, _ := out.Clean.Value(0, ColDeadline)
	d, ok := v.(time.Time)
	if !ok {
		t.Fatalf("Deadline = %T, want time.Time", v)
	}
	if !d.Equal(time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Deadline = %v, want 2025-12-31", d)
	}

	o.deadline = "soon"
	out = run(t, buildTable(t, o))
	v, _ = out.Clean.Value(0, ColDeadline)
	if v != nil {
		t.Errorf("unparseable Deadline = %v, want nil", v)
	}
}

func TestTriage_SpreadsheetDeadlinesFlagged(t *testing.T) {
	t.Parallel()

	passed := []any{
		"2025-01-05 17:00",
		"2025-1-5",
		"1/5/2025 5:00 PM",
		"January 5th, 2025",
		20250105.0,
	}
	var opps []opp
	for i, d := range passed {
		o := cleanOpp(fmt.Sprintf("late-%d", i))
		o.deadline = d
		opps = append(opps, o)
	}
	upcoming := cleanOpp("upcoming")
	upcoming.deadline = 20251231.0
	opps = append(opps, upcoming)

	out := run(t, buildTable(t, opps...))
	if got := names(t, out.Clean); len(got) != 1 || got[0] != "upcoming" {
		t.Errorf("clean = %v, want [upcoming]", got)
	}
	if out.Dirty.Len() != len(passed) {
		t.Fatalf("dirty rows = %d, want %d", out.Dirty.Len(), len(passed))
	}
	if got := out.Flaws[FlawDeadlinePassed]; got != len(passed) {
		t.Errorf("deadline flaws = %d, want %d", got, len(passed))
	}
	want := time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)
	for i := 0; i < out.Dirty.Len(); i++ {
		v, _ := out.Dirty.Value(i, ColDeadline)
		if d, ok := v.(time.Time); !ok || !d.Equal(want) {
			t.Errorf("dirty[%d] Deadline = %v, want %v", i, v, want)
		}
	}
}

func TestTriage_MatchThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		match     any
		wantFatal bool
	}{
		{"32.9%", false},
		{"33", true},
		{"33%", true},
		{33.0, true},
		{"Var", false},
		{"Var.", false},
		{"variable", false},
		{"", false},
		{nil, false},
		{"n/a", false},
		{"1,000", true},
		{"40 %", true},
		{" 40 % ", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.match), func(t *testing.T) {
			t.Parallel()
			o := cleanOpp("X")
			o.match = tt.match
			out := run(t, buildTable(t, o))
			if got := out.Dirty.Len() == 1; got != tt.wantFatal {
				t.Errorf("match %v fatal = %v, want %v", tt.match, got, tt.wantFatal)
			}
		})
	}
}

func TestTriage_MissingRequiredField(t *testing.T) {
	t.Parallel()

	for _, field := range []string{"name", "sponsor", "link"} {
		t.Run(field, func(t *testing.T) {
			t.Parallel()
			o := cleanOpp("X")
			switch field {
			case "name":
				o.name = nil
			case "sponsor":
				o.sponsor = nil
			case "link":
				o.link = math.NaN()
			}
			out := run(t, buildTable(t, o))
			if out.Dirty.Len() != 1 {
				t.Fatalf("dirty = %d, want 1", out.Dirty.Len())
			}
			if out.Flaws[FlawMissingField] != 1 {
				t.Errorf("missing-field count = %d, want 1", out.Flaws[FlawMissingField])
			}
		})
	}
}

func TestTriage_AbsentRequiredColumnIsNotFatal(t *testing.T) {
	t.Parallel()

	in := table.New(ColGrantName, ColRelevance, ColFit, ColEase)
	if err := in.AppendRow("only name", 3.0, 3.0, 5.0); err != nil {
		t.Fatal(err)
	}
	clean, dirty, _, err := Triage(in, testToday)
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if clean.Len() != 1 || dirty.Len() != 0 {
		t.Errorf("clean=%d dirty=%d, want 1/0: absent Sponsor/Link columns must not be fatal", clean.Len(), dirty.Len())
	}
	if clean.Has(ColSponsor) || clean.Has(ColLink) {
		t.Error("absent columns must not be added to the output")
	}
}

func TestTriage_ZeroRelevanceBypassesFatal(t *testing.T) {
	t.Parallel()

	o := cleanOpp("X")
	o.rel = "not a number"
	o.match = "90%"
	o.name = nil
	out := run(t, buildTable(t, o))
	if out.OutOfScope.Len() != 1 || out.Dirty.Len() != 0 {
		t.Errorf("oos=%d dirty=%d, want 1/0", out.OutOfScope.Len(), out.Dirty.Len())
	}
	if out.Fatal != 0 {
		t.Errorf("Fatal = %d, want 0 (out-of-scope rows are not counted)", out.Fatal)
	}
}

func TestTriage_ScoreCoercion(t *testing.T) {
	t.Parallel()

	o := cleanOpp("X")
	o.rel = " 4 "
	o.fit = "2.5"
	o.ease = "easy"
	out := run(t, buildTable(t, o))

	// ease coerces to 0, so the score is 0 but relevance is non-zero: still a candidate
	if out.Clean.Len() != 1 {
		t.Fatalf("clean = %d, want 1", out.Clean.Len())
	}
	for col, want := range map[string]float64{ColRelevance: 4, ColFit: 2.5, ColEase: 0, ColWeightedScore: 0} {
		v, _ := out.Clean.Value(0, col)
		if v != want {
			t.Errorf("%s = %v, want %v", col, v, want)
		}
	}
}

func TestTriage_AbsentScoreColumnsCoerceToZero(t *testing.T) {
	t.Parallel()

	in := table.New(ColGrantName)
	if err := in.AppendRow("X"); err != nil {
		t.Fatal(err)
	}
	clean, dirty, oos, err := Triage(in, testToday)
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if oos.Len() != 1 || clean.Len()+dirty.Len() != 0 {
		t.Errorf("sizes = %d/%d/%d, want 0/0/1", clean.Len(), dirty.Len(), oos.Len())
	}
	for _, c := range append(ScoreColumns, ColWeightedScore, ColDeadline) {
		if !oos.Has(c) {
			t.Errorf("output missing column %q", c)
		}
	}
}

func TestTriage_NaNScoreSortsLast(t *testing.T) {
	t.Parallel()

	a, b := cleanOpp("inf-times-zero"), cleanOpp("plain")
	a.rel = "inf"
	a.ease = 0.0
	b.rel = 1.0
	out := run(t, buildTable(t, a, b))

	got := names(t, out.Clean)
	if len(got) != 2 || got[0] != "plain" {
		t.Errorf("clean order = %v, want plain first", got)
	}
}

func TestTriage_CleanupHelperColumns(t *testing.T) {
	t.Parallel()

	in := table.New(append(testColumns, colFatal, colMatchNumeric)...)
	o := cleanOpp("X")
	if err := in.AppendRow(o.name, o.sponsor, o.link, o.deadline, o.match, o.rel, o.fit, o.ease, true, 99.0); err != nil {
		t.Fatal(err)
	}
	clean, dirty, oos, err := Triage(in, testToday)
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	for name, tb := range map[string]*table.Table{"clean": clean, "dirty": dirty, "oos": oos} {
		if tb.Has(colFatal) || tb.Has(colMatchNumeric) {
			t.Errorf("%s carries a helper column: %v", name, tb.Columns())
		}
		if !tb.Has(ColWeightedScore) {
			t.Errorf("%s missing %q", name, ColWeightedScore)
		}
	}
	if clean.Len() != 1 {
		t.Errorf("input helper values must not influence triage, clean = %d", clean.Len())
	}
}

func TestTriage_InputRankReplacedInClean(t *testing.T) {
	t.Parallel()

	in := table.New(append([]string{ColRelevance, ColFit, ColEase}, ColRank)...)
	_ = in.AppendRow(1.0, 1.0, 5.0, 99)
	_ = in.AppendRow(5.0, 5.0, 5.0, 42)

	clean, _, _, err := Triage(in, testToday)
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	cols := clean.Columns()
	if cols[0] != ColRank {
		t.Fatalf("first column = %q, want Rank", cols[0])
	}
	count := 0
	for _, c := range cols {
		if c == ColRank {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Rank columns = %d, want 1", count)
	}
	r0, _ := clean.Value(0, ColRank)
	r1, _ := clean.Value(1, ColRank)
	if r0 != 1 || r1 != 2 {
		t.Errorf("ranks = %v,%v want 1,2", r0, r1)
	}
}

func TestTriage_InputNotModified(t *testing.T) {
	t.Parallel()

	in := buildTable(t, cleanOpp("X"))
	before := in.Columns()
	if _, _, _, err := Triage(in, testToday); err != nil {
		t.Fatal(err)
	}
	after := in.Columns()
	if len(before) != len(after) {
		t.Fatalf("input columns changed: %v -> %v", before, after)
	}
	v, _ := in.Value(0, ColDeadline)
	if v != "2025-12-31" {
		t.Errorf("input Deadline = %v, want untouched string", v)
	}
}

func TestTriage_EmptyTable(t *testing.T) {
	t.Parallel()

	clean, dirty, oos, err := Triage(table.New(testColumns...), testToday)
	if err != nil {
		t.Fatalf("Triage: %v", err)
	}
	if clean.Len()+dirty.Len()+oos.Len() != 0 {
		t.Error("expected three empty tables")
	}
	if !clean.Has(ColRank) || !clean.Has(ColWeightedScore) {
		t.Errorf("empty Clean should still carry the output schema, got %v", clean.Columns())
	}
}

func TestTriage_NilTable(t *testing.T) {
	t.Parallel()

	if _, _, _, err := Triage(nil, testToday); err != ErrNilTable {
		t.Errorf("err = %v, want ErrNilTable", err)
	}
}

// TestTriage_PartitionInvariants checks totality, disjointness, the relevance
// and fatal invariants and rank monotonicity over a mixed input.
func TestTriage_PartitionInvariants(t *testing.T) {
	t.Parallel()

	var opps []opp
	for i := range 60 {
		o := cleanOpp(fmt.Sprintf("r%02d", i))
		o.rel = float64(i % 6)
		o.fit = float64((i * 7) % 6)
		o.ease = float64((i * 3) % 6)
		switch i % 5 {
		case 1:
			o.match = "45%"
		case 2:
			o.deadline = "2024-01-01"
		case 3:
			o.sponsor = nil
		}
		opps = append(opps, o)
	}
	in := buildTable(t, opps...)
	out := run(t, in)

	if got := out.Clean.Len() + out.Dirty.Len() + out.OutOfScope.Len(); got != in.Len() {
		t.Fatalf("partition sizes sum to %d, want %d", got, in.Len())
	}

	seen := map[string]string{}
	for part, tb := range map[string]*table.Table{"clean": out.Clean, "dirty": out.Dirty, "oos": out.OutOfScope} {
		for _, n := range names(t, tb) {
			if prev, dup := seen[n]; dup {
				t.Errorf("row %s in both %s and %s", n, prev, part)
			}
			seen[n] = part
		}
	}

	for i, o := range opps {
		name := fmt.Sprintf("r%02d", i)
		fatal := i%5 == 1 || i%5 == 2 || i%5 == 3
		switch {
		case o.rel == 0.0:
			if seen[name] != "oos" {
				t.Errorf("%s relevance 0 in %s, want oos", name, seen[name])
			}
		case fatal:
			if seen[name] != "dirty" {
				t.Errorf("%s fatal in %s, want dirty", name, seen[name])
			}
		default:
			if seen[name] == "oos" {
				t.Errorf("%s relevant non-fatal in oos", name)
			}
		}
	}

	prev := math.Inf(1)
	for i := range out.Clean.Len() {
		v, _ := out.Clean.Value(i, ColWeightedScore)
		s := v.(float64)
		if s > prev {
			t.Errorf("clean rank %d score %v > previous %v", i+1, s, prev)
		}
		prev = s
	}
}

func TestEngine_Hooks(t *testing.T) {
	t.Parallel()

	flaws := map[Flaw]int{}
	var done *CompleteEvent
	e := NewEngine(EngineHooks{
		OnFlaw:     func(f Flaw) { flaws[f]++ },
		OnComplete: func(ev *CompleteEvent) { done = ev },
	})

	bad := cleanOpp("bad")
	bad.match = "50%"
	bad.deadline = "2020-01-01"
	oos := cleanOpp("oos")
	oos.rel = 0.0
	oos.match = "50%"

	if _, err := e.Run(buildTable(t, cleanOpp("ok"), bad, oos), testToday); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if flaws[FlawMatchTooHigh] != 1 || flaws[FlawDeadlinePassed] != 1 {
		t.Errorf("flaws = %v, want one match and one deadline", flaws)
	}
	if done == nil {
		t.Fatal("OnComplete not called")
	}
	if done.Input != 3 || done.Clean != 1 || done.Dirty != 1 || done.OutOfScope != 1 {
		t.Errorf("complete event = %+v", *done)
	}
}

func TestMissingScoreColumns(t *testing.T) {
	t.Parallel()

	tb := table.New(ColRelevance, ColGrantName)
	got := MissingScoreColumns(tb)
	if len(got) != 2 || got[0] != ColFit || got[1] != ColEase {
		t.Errorf("missing = %v, want [%s %s]", got, ColFit, ColEase)
	}
	if HasScoreColumns(tb) {
		t.Error("HasScoreColumns = true, want false")
	}
	if !HasScoreColumns(table.New(ScoreColumns...)) {
		t.Error("HasScoreColumns = false for full table")
	}
	if len(MissingScoreColumns(nil)) != 3 {
		t.Error("nil table should miss all score columns")
	}
}
