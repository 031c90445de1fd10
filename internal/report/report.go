// Package report renders read-only summaries of a Clean table.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/linnemanlabs/grantscout/internal/table"
	"github.com/linnemanlabs/grantscout/internal/triage"
)

// Default entry counts.
const (
	OnePagerMax = 5
	DeckMax     = 50
)

// Output file names.
const (
	OnePagerFile = "OnePager.md"
	DeckFile     = "Deck.md"
)

// Title heads every rendered report.
const Title = "EQORE Top Opportunities"

// Entry is one shortlisted opportunity.
type Entry struct {
	Rank  int
	Name  string
	Score float64
	// ScoreText is the score as it appears in the table.
	ScoreText string
}

// Shortlist returns the first limit rows of clean. clean must carry Rank,
// Grant Name and Weighted Score.
func Shortlist(clean *table.Table, limit int) ([]Entry, error) {
	if clean == nil {
		return nil, triage.ErrNilTable
	}
	for _, c := range []string{triage.ColRank, triage.ColGrantName, triage.ColWeightedScore} {
		if !clean.Has(c) {
			return nil, fmt.Errorf("clean table has no %q column", c)
		}
	}

	n := max(min(clean.Len(), limit), 0)
	out := make([]Entry, 0, n)
	for i := range n {
		rank, _ := clean.Value(i, triage.ColRank)
		name, _ := clean.Value(i, triage.ColGrantName)
		score, _ := clean.Value(i, triage.ColWeightedScore)
		out = append(out, Entry{
			Rank:      int(triage.ParseScore(rank)),
			Name:      table.FormatCell(name),
			Score:     triage.ParseScore(score),
			ScoreText: table.FormatCell(score),
		})
	}
	return out, nil
}

// OnePager renders the top limit entries as a short Markdown page.
func OnePager(clean *table.Table, limit int) (string, error) {
	entries, err := Shortlist(clean, limit)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("# " + Title + "\n\n")
	if len(entries) == 0 {
		b.WriteString("_No eligible opportunities._\n")
		return b.String(), nil
	}
	for _, e := range entries {
		fmt.Fprintf(&b, "%s\n", e.Line())
	}
	return b.String(), nil
}

// Line renders "<rank>. <name> (Score: <score to one decimal>)".
func (e Entry) Line() string {
	return fmt.Sprintf("%d. %s (Score: %s)", e.Rank, e.Name, strconv.FormatFloat(e.Score, 'f', 1, 64))
}

// Deck renders the top limit entries as a Markdown slide outline, one slide per
// "---" separator.
func Deck(clean *table.Table, limit int) (string, error) {
	entries, err := Shortlist(clean, limit)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("# EQORE Funding Deck\n\nAuto-generated deck\n\n---\n\n")
	b.WriteString("## Top Opportunities\n\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%d. %s (%s)\n", e.Rank, e.Name, e.ScoreText)
	}
	return b.String(), nil
}

// WriteOnePager renders the one-pager into dir and returns its path.
func WriteOnePager(dir string, clean *table.Table, limit int) (string, error) {
	s, err := OnePager(clean, limit)
	if err != nil {
		return "", err
	}
	return writeText(filepath.Join(dir, OnePagerFile), s)
}

// WriteDeck renders the deck into dir and returns its path.
func WriteDeck(dir string, clean *table.Table, limit int) (string, error) {
	s, err := Deck(clean, limit)
	if err != nil {
		return "", err
	}
	return writeText(filepath.Join(dir, DeckFile), s)
}

func writeText(path, s string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, []byte(s), 0o644); err != nil { //nolint:gosec // report output is meant to be shared
		return "", fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return path, nil
}
