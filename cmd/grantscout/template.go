package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/grantscout/internal/master"
	"github.com/linnemanlabs/grantscout/internal/tablefile"
)

func newTemplateCmd(a *app) *cobra.Command {
	var outFile, aliasFile string
	cmd := &cobra.Command{
		Use:   "template <input>",
		Short: "Build a scoring master from a raw opportunity table",
		Long: `Normalizes headers, maps known aliases to the canonical column names,
adds blank Relevance, EQORE Fit, Ease of Use and Match % columns, and orders
the columns for manual scoring.

Without --outfile the master is written to data/master.csv for grants_raw*
inputs and data/master_<stem>.csv otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outFile
			if out == "" {
				out = master.DefaultOutPath(args[0])
			}
			return runTemplate(cmd.Context(), a.logger, cmd.OutOrStdout(), args[0], out, aliasFile)
		},
	}
	cmd.Flags().StringVar(&outFile, "outfile", "", "output path (.csv, .tsv or .tab)")
	cmd.Flags().StringVar(&aliasFile, "aliases", "", "YAML file with extra header aliases")
	return cmd
}

func runTemplate(ctx context.Context, L log.Logger, w io.Writer, in, out, aliasFile string) error {
	aliases, err := loadAliases(aliasFile)
	if err != nil {
		return err
	}

	raw, err := tablefile.ReadFile(in)
	if err != nil {
		return err
	}
	tmpl, err := master.Template(raw, aliases)
	if err != nil {
		return err
	}
	if err := tablefile.WriteFile(out, tmpl); err != nil {
		return err
	}

	L.Info(ctx, "scoring master written", "in", in, "out", out, "rows", tmpl.Len())
	fmt.Fprintf(w, "Wrote scoring master with %d rows to %s\n", tmpl.Len(), out)
	return nil
}

// loadAliases returns the default aliases when path is empty.
func loadAliases(path string) (master.Aliases, error) {
	if path == "" {
		return master.DefaultAliases, nil
	}
	return master.LoadAliases(path)
}
