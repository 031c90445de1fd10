package triage

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/linnemanlabs/grantscout/internal/table"
)

// Column names the engine reads or writes.
const (
	ColGrantName     = "Grant Name"
	ColSponsor       = "Sponsor"
	ColLink          = "Link"
	ColDeadline      = "Deadline"
	ColMatch         = "Match %"
	ColRelevance     = "Relevance"
	ColFit           = "EQORE Fit"
	ColEase          = "Ease of Use"
	ColWeightedScore = "Weighted Score"
	ColRank          = "Rank"

	// helper columns that must never reach an output table
	colFatal        = "fatal"
	colMatchNumeric = "MatchNumeric"
)

const (
	// CleanLimit caps the Clean shortlist.
	CleanLimit = 20

	// MatchCap is the cost-share percentage at or above which a record is fatal.
	MatchCap = 33.0
)

// ScoreColumns are the three manually scored columns.
var ScoreColumns = []string{ColRelevance, ColFit, ColEase}

// RequiredFields must be non-null on every row when the column exists.
var RequiredFields = []string{ColGrantName, ColSponsor, ColLink}

// ErrNilTable is returned when triage is asked to run without an input table.
var ErrNilTable = errors.New("triage: nil input table")

// Flaw names one fatal defect.
type Flaw string

const (
	FlawDeadlinePassed Flaw = "deadline_passed"
	FlawMatchTooHigh   Flaw = "match_too_high"
	FlawMissingField   Flaw = "missing_field"
)

// Flaws lists every flaw kind.
var Flaws = []Flaw{FlawDeadlinePassed, FlawMatchTooHigh, FlawMissingField}

// Outcome is the result of one engine run.
type Outcome struct {
	Clean      *table.Table
	Dirty      *table.Table
	OutOfScope *table.Table

	// Overflow counts non-fatal candidates moved to Dirty past the Clean cap.
	Overflow int

	// Fatal counts relevant rows with at least one flaw.
	Fatal int

	// Flaws counts each flaw kind over relevant fatal rows. A row with two
	// flaws counts once for each.
	Flaws map[Flaw]int

	Duration time.Duration
}

// CompleteEvent is passed to EngineHooks.OnComplete.
type CompleteEvent struct {
	Input      int
	Clean      int
	Dirty      int
	OutOfScope int
	Overflow   int
	Duration   float64
}

// EngineHooks are optional callbacks fired during a run. Nil hooks are skipped.
type EngineHooks struct {
	OnFlaw     func(flaw Flaw)
	OnComplete func(e *CompleteEvent)
}

// Engine splits an opportunity table into Clean, Dirty and Out-of-Scope sets.
// It holds no per-run state and is safe for concurrent use.
type Engine struct {
	hooks EngineHooks
}

// NewEngine creates an engine that reports to hooks.
func NewEngine(hooks EngineHooks) *Engine {
	return &Engine{hooks: hooks}
}

// Triage runs the pipeline with no hooks and returns the three partitions.
func Triage(in *table.Table, today time.Time) (clean, dirty, outOfScope *table.Table, err error) {
	out, err := (&Engine{}).Run(in, today)
	if err != nil {
		return nil, nil, nil, err
	}
	return out.Clean, out.Dirty, out.OutOfScope, nil
}

// HasScoreColumns reports whether t carries all three score columns.
func HasScoreColumns(t *table.Table) bool {
	return len(MissingScoreColumns(t)) == 0
}

// MissingScoreColumns returns the score columns absent from t.
func MissingScoreColumns(t *table.Table) []string {
	var missing []string
	for _, c := range ScoreColumns {
		if t == nil || !t.Has(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

type assessment struct {
	relevance float64
	score     float64
	flaws     []Flaw
}

func (a assessment) fatal() bool { return len(a.flaws) > 0 }

// Run triages in against the calendar day of today. The input table is not
// modified.
func (e *Engine) Run(in *table.Table, today time.Time) (*Outcome, error) {
	if in == nil {
		return nil, ErrNilTable
	}
	start := time.Now()

	df := in.Clone()
	df.DropColumn(colFatal)
	df.DropColumn(colMatchNumeric)

	day := Day(today)
	hasMatch := df.Has(ColMatch)
	for _, c := range ScoreColumns {
		df.AddColumn(c)
	}
	df.AddColumn(ColWeightedScore)
	df.AddColumn(ColDeadline)

	rows := make([]assessment, df.Len())
	for i := range rows {
		a := &rows[i]

		rel := scoreAt(df, i, ColRelevance)
		fit := scoreAt(df, i, ColFit)
		ease := scoreAt(df, i, ColEase)
		a.relevance = rel
		a.score = rel * fit * (ease / 5)
		df.Set(i, ColRelevance, rel)
		df.Set(i, ColFit, fit)
		df.Set(i, ColEase, ease)
		df.Set(i, ColWeightedScore, a.score)

		raw, _ := df.Value(i, ColDeadline)
		if d, ok := ParseDeadline(raw); ok {
			df.Set(i, ColDeadline, d)
			if d.Before(day) {
				a.flaws = append(a.flaws, FlawDeadlinePassed)
			}
		} else {
			df.Set(i, ColDeadline, nil)
		}

		if hasMatch {
			m, _ := df.Value(i, ColMatch)
			if pct, ok := ParseMatch(m); ok && pct >= MatchCap {
				a.flaws = append(a.flaws, FlawMatchTooHigh)
			}
		}

		for _, c := range RequiredFields {
			if v, ok := df.Value(i, c); ok && table.IsNull(v) {
				a.flaws = append(a.flaws, FlawMissingField)
				break
			}
		}
	}

	out := &Outcome{Flaws: make(map[Flaw]int, len(Flaws))}
	var oos, candidates, fatal []int
	for i, a := range rows {
		switch {
		case a.relevance == 0:
			oos = append(oos, i)
		case a.fatal():
			fatal = append(fatal, i)
			out.Fatal++
			for _, f := range a.flaws {
				out.Flaws[f]++
				if e.hooks.OnFlaw != nil {
					e.hooks.OnFlaw(f)
				}
			}
		default:
			candidates = append(candidates, i)
		}
	}

	sort.SliceStable(candidates, func(x, y int) bool {
		return scoreBefore(rows[candidates[x]].score, rows[candidates[y]].score)
	})

	n := min(len(candidates), CleanLimit)
	out.Overflow = len(candidates) - n

	out.Clean = df.Subset(candidates[:n])
	ranks := make([]any, n)
	for i := range ranks {
		ranks[i] = i + 1
	}
	// InsertColumn only fails on a length mismatch, which ranks cannot have.
	_ = out.Clean.InsertColumn(0, ColRank, ranks)

	dirty := make([]int, 0, out.Overflow+len(fatal))
	dirty = append(dirty, candidates[n:]...)
	dirty = append(dirty, fatal...)
	out.Dirty = df.Subset(dirty)
	out.OutOfScope = df.Subset(oos)

	out.Duration = time.Since(start)
	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(&CompleteEvent{
			Input:      in.Len(),
			Clean:      out.Clean.Len(),
			Dirty:      out.Dirty.Len(),
			OutOfScope: out.OutOfScope.Len(),
			Overflow:   out.Overflow,
			Duration:   out.Duration.Seconds(),
		})
	}
	return out, nil
}

func scoreAt(t *table.Table, row int, col string) float64 {
	v, _ := t.Value(row, col)
	return ParseScore(v)
}

// scoreBefore orders scores descending with NaN last.
func scoreBefore(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	return a > b
}
