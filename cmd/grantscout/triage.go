package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/grantscout/internal/report"
	"github.com/linnemanlabs/grantscout/internal/tablefile"
	"github.com/linnemanlabs/grantscout/internal/triage"
)

// triageOptions are the inputs of one pipeline run.
type triageOptions struct {
	in       string
	out      string
	today    string
	onePager bool
	deck     bool
}

func (o *triageOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.in, "in", "data/master.csv", "scored master table (.csv, .tsv or .tab)")
	f.StringVar(&o.out, "out", "outputs", "output directory")
	f.StringVar(&o.today, "today", "", "evaluation date YYYY-MM-DD (default: today)")
	f.BoolVar(&o.onePager, "onepager", false, "also render "+report.OnePagerFile)
	f.BoolVar(&o.deck, "deck", false, "also render "+report.DeckFile)
}

func newTriageCmd(a *app) *cobra.Command {
	var o triageOptions
	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Score a master table and split it into Clean, Dirty and Out-of-Scope",
		Long: `Reads the scored master, computes Weighted Score, drops fatal rows,
ranks the top 20 into CleanTable.csv and writes the rest to DirtyTable.csv and
OutOfScope.csv, plus Master_Scored.csv and a Tables.xlsx workbook.

A master without the Relevance, EQORE Fit and Ease of Use columns is copied to
GrantsRaw.csv unchanged and the command exits successfully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTriage(cmd.Context(), a.logger, cmd.OutOrStdout(), o)
		},
	}
	o.bind(cmd)
	return cmd
}

func runTriage(ctx context.Context, L log.Logger, w io.Writer, o triageOptions) error {
	today := time.Now()
	if o.today != "" {
		d, err := time.Parse(time.DateOnly, o.today)
		if err != nil {
			return fmt.Errorf("invalid --today %q: want YYYY-MM-DD", o.today)
		}
		today = d
	}

	tb, err := tablefile.ReadFile(o.in)
	if err != nil {
		return err
	}

	if missing := triage.MissingScoreColumns(tb); len(missing) > 0 {
		path, err := tablefile.WriteRaw(o.out, tb)
		if err != nil {
			return err
		}
		L.Warn(ctx, "table not scored, kept raw", "in", o.in, "missing", missing)
		fmt.Fprintf(w, "Missing scoring columns (%s); wrote %s\n", strings.Join(missing, ", "), path)
		return nil
	}

	res, err := triage.NewEngine(triage.EngineHooks{}).Run(tb, today)
	if err != nil {
		return err
	}

	paths, err := tablefile.WriteOutputs(o.out, res.Clean, res.Dirty, res.OutOfScope)
	if err != nil {
		return err
	}

	L.Info(ctx, "triage complete",
		"in", o.in,
		"today", triage.Day(today).Format(time.DateOnly),
		"rows", tb.Len(),
		"clean", res.Clean.Len(),
		"dirty", res.Dirty.Len(),
		"out_of_scope", res.OutOfScope.Len(),
		"overflow", res.Overflow,
		"fatal", res.Fatal,
	)
	fmt.Fprintf(w, "Clean %d, Dirty %d, Out-of-Scope %d\n", res.Clean.Len(), res.Dirty.Len(), res.OutOfScope.Len())
	for _, p := range paths {
		fmt.Fprintf(w, "wrote %s\n", p)
	}

	// renderers are optional; failures are reported and never abort the run
	if o.deck {
		renderOptional(ctx, L, w, "deck", func() (string, error) {
			return report.WriteDeck(o.out, res.Clean, report.DeckMax)
		})
	}
	if o.onePager {
		renderOptional(ctx, L, w, "one-pager", func() (string, error) {
			return report.WriteOnePager(o.out, res.Clean, report.OnePagerMax)
		})
	}
	return nil
}

func renderOptional(ctx context.Context, L log.Logger, w io.Writer, what string, render func() (string, error)) {
	path, err := render()
	if err != nil {
		L.Warn(ctx, "optional renderer failed", "renderer", what, "error", err)
		fmt.Fprintf(w, "Warning: could not build %s (%v)\n", what, err)
		return
	}
	fmt.Fprintf(w, "wrote %s\n", path)
}
