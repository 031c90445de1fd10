// Package master turns a fetched opportunity table into a scoring master:
// canonical headers, the columns triage needs, and a stable column order.
package master

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/grantscout/internal/table"
	"github.com/linnemanlabs/grantscout/internal/triage"
)

// Extra master columns that are not read by triage.
const (
	ColOpenDate = "Open Date"
	ColStatus   = "Status"
)

// PreferredOrder leads the master's columns. Remaining columns follow in
// their input order.
var PreferredOrder = []string{
	triage.ColGrantName,
	triage.ColSponsor,
	triage.ColLink,
	ColOpenDate,
	triage.ColDeadline,
	ColStatus,
	triage.ColRelevance,
	triage.ColFit,
	triage.ColEase,
	triage.ColMatch,
}

// DefaultAliases maps alternative headers (catalog summary and raw API field
// names) to the canonical column names.
var DefaultAliases = map[string]string{
	"Grant name":   triage.ColGrantName,
	"Sponsor org":  triage.ColSponsor,
	"App deadline": triage.ColDeadline,
	"OpenDate":     ColOpenDate,
	"Close Date":   triage.ColDeadline,
	"title":        triage.ColGrantName,
	"agency":       triage.ColSponsor,
	"closeDate":    triage.ColDeadline,
	"openDate":     ColOpenDate,
	"oppStatus":    ColStatus,
}

// Aliases maps alternative header -> canonical name.
type Aliases map[string]string

// aliasFile is the YAML layout accepted by LoadAliases:
//
//	aliases:
//	  Funder: Sponsor
//	  Due: Deadline
type aliasFile struct {
	Aliases map[string]string `yaml:"aliases"`
}

// LoadAliases reads extra aliases from a YAML file and merges them over
// DefaultAliases.
func LoadAliases(path string) (Aliases, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alias file: %w", err)
	}
	var f aliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse alias file %s: %w", filepath.Base(path), err)
	}

	out := make(Aliases, len(DefaultAliases)+len(f.Aliases))
	for k, v := range DefaultAliases {
		out[k] = v
	}
	for k, v := range f.Aliases {
		k, v = CleanHeader(k), CleanHeader(v)
		if k == "" || v == "" {
			return nil, fmt.Errorf("alias file %s: empty alias or target", filepath.Base(path))
		}
		out[k] = v
	}
	return out, nil
}

// CleanHeader applies NFKC normalization and trims surrounding space, so
// full-width letters and non-breaking spaces from spreadsheet exports match.
func CleanHeader(h string) string {
	return strings.TrimSpace(norm.NFKC.String(h))
}

// NormalizeHeaders cleans every header and renames aliased headers to their
// canonical name. An alias is only applied when the canonical column is absent,
// and only the first alias seen for a target wins. A nil aliases map uses
// DefaultAliases. t is modified in place.
func NormalizeHeaders(t *table.Table, aliases Aliases) error {
	if aliases == nil {
		aliases = DefaultAliases
	}
	for _, c := range t.Columns() {
		clean := CleanHeader(c)
		if clean == c || t.Has(clean) {
			continue
		}
		if err := t.RenameColumn(c, clean); err != nil {
			return err
		}
	}
	for _, c := range t.Columns() {
		target, ok := aliases[c]
		if !ok || t.Has(target) {
			continue
		}
		if err := t.RenameColumn(c, target); err != nil {
			return err
		}
	}
	return nil
}

// Template returns a scoring master built from in: normalized headers, the
// required and score columns present (null where added), and PreferredOrder
// leading. in is not modified.
func Template(in *table.Table, aliases Aliases) (*table.Table, error) {
	t := in.Clone()
	if err := NormalizeHeaders(t, aliases); err != nil {
		return nil, fmt.Errorf("normalize headers: %w", err)
	}
	for _, c := range []string{triage.ColGrantName, triage.ColSponsor, triage.ColLink, triage.ColDeadline} {
		t.AddColumn(c)
	}
	for _, c := range []string{triage.ColRelevance, triage.ColFit, triage.ColEase, triage.ColMatch} {
		t.AddColumn(c)
	}
	t.Reorder(PreferredOrder)
	return t, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s and collapses every run of other characters to "-".
func Slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// DefaultOutPath returns where a master built from input is written when no
// path is given: data/master.csv for grants_raw* inputs, otherwise
// data/master_<stem>.csv.
func DefaultOutPath(input string) string {
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	if strings.HasPrefix(stem, "grants_raw") {
		return filepath.Join("data", "master.csv")
	}
	return filepath.Join("data", "master_"+stem+".csv")
}

// RawOutPath returns the auto-named path for a raw catalog fetch.
func RawOutPath(keyword string, summary bool) string {
	kind := "raw_"
	if summary {
		kind = "summary_"
	}
	return filepath.Join("data", "grants_"+kind+Slug(keyword)+".csv")
}
