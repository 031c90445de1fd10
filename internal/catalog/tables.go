package catalog

import (
	"strings"

	"github.com/linnemanlabs/grantscout/internal/table"
)

// Summary table column names.
var summaryColumns = []string{
	"Grant Name", "Sponsor", "Link", "Open Date", "Deadline", "Status", "Opportunity Number",
}

// rawColumns mirror the API field names.
var rawColumns = []string{
	"id", "number", "title", "agencyCode", "agency", "openDate", "closeDate", "oppStatus", "docType", "alnist",
}

// SummaryTable converts hits to the curated columns a scoring master starts from.
func SummaryTable(opps []Opportunity) *table.Table {
	t := table.New(summaryColumns...)
	for i := range opps {
		o := &opps[i]
		// AppendRow only fails on a cell count mismatch.
		_ = t.AppendRow(
			cell(o.Title), cell(o.Sponsor()), cell(o.Link()),
			cell(o.OpenDate), cell(o.CloseDate), cell(o.Status), cell(o.Number),
		)
	}
	return t
}

// RawTable converts hits to a table keyed by API field name.
func RawTable(opps []Opportunity) *table.Table {
	t := table.New(rawColumns...)
	for i := range opps {
		o := &opps[i]
		_ = t.AppendRow(
			cell(o.ID), cell(o.Number), cell(o.Title), cell(o.AgencyCode), cell(o.Sponsor()),
			cell(o.OpenDate), cell(o.CloseDate), cell(o.Status), cell(o.DocType),
			cell(strings.Join(o.ALNs, "|")),
		)
	}
	return t
}

func cell(s string) any {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return s
}
