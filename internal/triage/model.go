package triage

import (
	"time"

	"github.com/linnemanlabs/grantscout/internal/table"
)

// Status tracks how a run ended.
type Status string

const (
	// StatusComplete means the table was triaged
	StatusComplete Status = "complete"

	// StatusUnscored means the table lacked score columns and was kept raw
	StatusUnscored Status = "unscored"
)

// Partition names one of the three output sets.
type Partition string

const (
	PartitionClean      Partition = "clean"
	PartitionDirty      Partition = "dirty"
	PartitionOutOfScope Partition = "out_of_scope"
)

// Partitions lists the output sets in report order.
var Partitions = []Partition{PartitionClean, PartitionDirty, PartitionOutOfScope}

// Run is one submitted table and what became of it.
type Run struct {
	ID             string       `json:"id"`
	Source         string       `json:"source,omitempty"`
	Status         Status       `json:"status"`
	Reason         string       `json:"reason,omitempty"`
	Today          time.Time    `json:"today"`
	CreatedAt      time.Time    `json:"created_at"`
	CompletedAt    time.Time    `json:"completed_at,omitempty"`
	Duration       float64      `json:"duration_seconds,omitempty"`
	InputRows      int          `json:"input_rows"`
	CleanRows      int          `json:"clean_rows"`
	DirtyRows      int          `json:"dirty_rows"`
	OutOfScopeRows int          `json:"out_of_scope_rows"`
	Overflow       int          `json:"overflow_rows"`
	Flaws          map[Flaw]int `json:"flaws,omitempty"`

	Clean      *table.Table `json:"clean,omitempty"`
	Dirty      *table.Table `json:"dirty,omitempty"`
	OutOfScope *table.Table `json:"out_of_scope,omitempty"`
	Raw        *table.Table `json:"raw,omitempty"`

	Brief        string `json:"brief,omitempty"`
	BriefModel   string `json:"brief_model,omitempty"`
	TokensIn     int    `json:"tokens_in,omitempty"`
	TokensOut    int    `json:"tokens_out,omitempty"`
	Notified     bool   `json:"notified,omitempty"`
	PublishError string `json:"publish_error,omitempty"`
}

// Table returns the partition table for p, or nil for unknown partitions and
// unscored runs.
func (r *Run) Table(p Partition) *table.Table {
	switch p {
	case PartitionClean:
		return r.Clean
	case PartitionDirty:
		return r.Dirty
	case PartitionOutOfScope:
		return r.OutOfScope
	}
	return nil
}

// Summary is a run without its tables, for listings.
func (r *Run) Summary() *Run {
	cp := *r
	cp.Clean, cp.Dirty, cp.OutOfScope, cp.Raw = nil, nil, nil, nil
	return &cp
}
