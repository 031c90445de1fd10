package scoreapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/grantscout/internal/table"
	"github.com/linnemanlabs/grantscout/internal/tablefile"
	"github.com/linnemanlabs/grantscout/internal/triage"
)

const defaultSource = "api"

// errUnsupportedMedia marks a request body in a format the API cannot read.
var errUnsupportedMedia = errors.New("unsupported content type")

func (a *API) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var today time.Time
	if s := q.Get("today"); s != "" {
		d, err := time.Parse(time.DateOnly, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "today must be YYYY-MM-DD")
			return
		}
		today = d
	}
	source := q.Get("source")
	if source == "" {
		source = defaultSource
	}

	tb, err := decodeTable(r)
	if err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, errUnsupportedMedia):
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
		default:
			writeError(w, http.StatusBadRequest, "invalid table: "+err.Error())
		}
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("grantscout.run.source", source),
		attribute.Int("grantscout.run.input_rows", tb.Len()),
	)

	run, err := a.svc.Submit(r.Context(), &triage.Request{Source: source, Table: tb, Today: today})
	if err != nil {
		if errors.Is(err, triage.ErrNilTable) {
			writeError(w, http.StatusBadRequest, "missing table")
			return
		}
		a.logger.Error(r.Context(), err, "failed to submit run", "source", source)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	span.SetAttributes(attribute.String("grantscout.run.id", run.ID))
	w.Header().Set("Location", "/api/v1/runs/"+run.ID)

	if run.Status == triage.StatusUnscored {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   run.Reason,
			"missing": triage.MissingScoreColumns(tb),
			"run":     run.Summary(),
		})
		return
	}

	writeJSON(w, http.StatusCreated, run.Summary())
}

// decodeTable reads the request body as a JSON table or delimited text,
// chosen by Content-Type. An absent Content-Type is read as JSON.
func decodeTable(r *http.Request) (*table.Table, error) {
	mt := "application/json"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		parsed, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errUnsupportedMedia, ct)
		}
		mt = parsed
	}

	switch mt {
	case "application/json":
		var tb table.Table
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&tb); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("empty body")
			}
			return nil, err
		}
		return &tb, nil
	case "text/csv":
		return tablefile.Read(r.Body, ',')
	case "text/tab-separated-values":
		return tablefile.Read(r.Body, '\t')
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedMedia, mt)
	}
}
