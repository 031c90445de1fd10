package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/grantscout/internal/catalog"
	"github.com/linnemanlabs/grantscout/internal/master"
	"github.com/linnemanlabs/grantscout/internal/table"
	"github.com/linnemanlabs/grantscout/internal/tablefile"
)

type prepareOptions struct {
	query     catalog.Query
	masterOut string
	rawOut    string
	summary   bool
	aliases   string
	endpoint  string
	rate      float64
}

func newPrepareCmd(a *app) *cobra.Command {
	var o prepareOptions
	cmd := &cobra.Command{
		Use:   "prepare <keyword>",
		Short: "Fetch opportunities from Grants.gov and build a scoring master",
		Long: `Searches the Grants.gov catalog for keyword, writes the raw fetch
(auto-named data/grants_raw_<slug>.csv unless --raw-out is given), then builds
the scoring master from it.

Filter flags accept comma or pipe separated codes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.query.Keyword = args[0]
			return runPrepare(cmd.Context(), a.logger, cmd.OutOrStdout(), o)
		},
	}

	f := cmd.Flags()
	f.IntVar(&o.query.Max, "max", 50, "maximum records to pull")
	f.StringVar(&o.query.Statuses, "status", "", "statuses, e.g. posted,forecasted,closed,archived")
	f.StringVar(&o.query.Agencies, "agency", "", "agency or sub-agency codes")
	f.StringVar(&o.query.ALN, "cfda", "", "assistance listing (CFDA) numbers")
	f.StringVar(&o.query.Eligibility, "eligibility", "", "eligibility codes")
	f.StringVar(&o.query.Instruments, "instrument", "", "funding instrument codes (G,CA,O,PC)")
	f.StringVar(&o.query.Categories, "category", "", "funding category codes (e.g. EN,ST)")
	f.StringVar(&o.masterOut, "master-out", "data/master.csv", "path for the scoring master")
	f.StringVar(&o.rawOut, "raw-out", "", "path for the raw fetch (default: auto-named under data/)")
	f.BoolVar(&o.summary, "summary", false, "write the curated summary columns instead of raw API fields")
	f.StringVar(&o.aliases, "aliases", "", "YAML file with extra header aliases")
	f.StringVar(&o.endpoint, "endpoint", catalog.DefaultEndpoint, "Grants.gov search2 endpoint")
	f.Float64Var(&o.rate, "rate", 2, "catalog page requests per second (0 = unlimited)")
	_ = f.MarkHidden("endpoint")

	return cmd
}

func runPrepare(ctx context.Context, L log.Logger, w io.Writer, o prepareOptions) error {
	aliases, err := loadAliases(o.aliases)
	if err != nil {
		return err
	}

	client := catalog.New(L, catalog.WithEndpoint(o.endpoint), catalog.WithRate(o.rate, 1))
	opps, err := client.Search(ctx, o.query)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	var raw *table.Table
	if o.summary {
		raw = catalog.SummaryTable(opps)
	} else {
		raw = catalog.RawTable(opps)
	}

	rawOut := o.rawOut
	if rawOut == "" {
		rawOut = master.RawOutPath(o.query.Keyword, o.summary)
	}
	if err := tablefile.WriteFile(rawOut, raw); err != nil {
		return err
	}
	fmt.Fprintf(w, "Wrote raw fetch with %d rows to %s\n", raw.Len(), rawOut)

	// the master is built from the file just written, like a hand-edited fetch would be
	fromDisk, err := tablefile.ReadFile(rawOut)
	if err != nil {
		return err
	}
	tmpl, err := master.Template(fromDisk, aliases)
	if err != nil {
		return err
	}
	if err := tablefile.WriteFile(o.masterOut, tmpl); err != nil {
		return err
	}

	L.Info(ctx, "scoring master prepared",
		"keyword", o.query.Keyword,
		"hits", len(opps),
		"raw_out", rawOut,
		"master_out", o.masterOut,
	)
	fmt.Fprintf(w, "Wrote scoring master with %d rows to %s\n", tmpl.Len(), o.masterOut)
	return nil
}
