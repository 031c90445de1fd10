package triage

import (
	"context"

	"github.com/linnemanlabs/grantscout/internal/table"
)

// Brief is a short narrative written over the top of a Clean table.
type Brief struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
}

// Briefer writes a Brief for a Clean table. Implementations are LLM backed.
type Briefer interface {
	Brief(ctx context.Context, clean *table.Table) (*Brief, error)
}

// Notifier publishes a finished run somewhere people will see it.
type Notifier interface {
	Send(ctx context.Context, run *Run) error
}
