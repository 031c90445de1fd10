package scoreapi

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/grantscout/internal/tablefile"
	"github.com/linnemanlabs/grantscout/internal/triage"
)

func (a *API) handleGetTable(w http.ResponseWriter, r *http.Request) {
	p := triage.Partition(chi.URLParam(r, "partition"))
	if !slices.Contains(triage.Partitions, p) {
		writeError(w, http.StatusNotFound, "unknown partition")
		return
	}

	run, ok := a.lookupRun(w, r)
	if !ok {
		return
	}
	tb := run.Table(p)
	if tb == nil {
		writeError(w, http.StatusNotFound, "run has no "+string(p)+" table")
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, tb)
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+run.ID+"_"+string(p)+`.csv"`)
		if err := tablefile.Write(w, tb, ','); err != nil {
			a.logger.Error(r.Context(), err, "failed to write csv", "id", run.ID, "partition", string(p))
		}
	default:
		writeError(w, http.StatusBadRequest, "format must be json or csv")
	}
}
