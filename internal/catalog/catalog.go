// Package catalog searches the Grants.gov opportunity catalog.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultEndpoint is the Grants.gov search2 API.
const DefaultEndpoint = "https://api.grants.gov/v1/api/search2"

// DetailURL is the public page for an opportunity ID.
const DetailURL = "https://www.grants.gov/search-results-detail/"

// PageSize is the largest page the API serves.
const PageSize = 100

// Query selects opportunities. Filter fields accept comma or pipe separated
// codes.
type Query struct {
	Keyword     string
	Max         int
	Statuses    string // forecasted, posted, closed, archived
	Agencies    string
	ALN         string // assistance listing (CFDA) numbers
	Eligibility string
	Instruments string // G, CA, O, PC
	Categories  string
}

// Opportunity is one search hit.
type Opportunity struct {
	ID         string   `json:"id"`
	Number     string   `json:"number"`
	Title      string   `json:"title"`
	AgencyCode string   `json:"agencyCode"`
	Agency     string   `json:"agency"`
	AgencyName string   `json:"agencyName"`
	OpenDate   string   `json:"openDate"`
	CloseDate  string   `json:"closeDate"`
	Status     string   `json:"oppStatus"`
	DocType    string   `json:"docType"`
	ALNs       []string `json:"alnist"`
}

// Sponsor returns the best available agency name.
func (o *Opportunity) Sponsor() string {
	switch {
	case o.AgencyName != "":
		return o.AgencyName
	case o.Agency != "":
		return o.Agency
	}
	return o.AgencyCode
}

// Link returns the Grants.gov detail page URL.
func (o *Opportunity) Link() string {
	if o.ID == "" {
		return ""
	}
	return DetailURL + o.ID
}

type searchRequest struct {
	Keyword            string `json:"keyword,omitempty"`
	Rows               int    `json:"rows"`
	StartRecordNum     int    `json:"startRecordNum"`
	OppStatuses        string `json:"oppStatuses,omitempty"`
	Agencies           string `json:"agencies,omitempty"`
	ALN                string `json:"aln,omitempty"`
	Eligibilities      string `json:"eligibilities,omitempty"`
	FundingInstruments string `json:"fundingInstruments,omitempty"`
	FundingCategories  string `json:"fundingCategories,omitempty"`
}

type searchResponse struct {
	ErrorCode int    `json:"errorcode"`
	Msg       string `json:"msg"`
	Data      struct {
		HitCount int           `json:"hitCount"`
		OppHits  []Opportunity `json:"oppHits"`
	} `json:"data"`
}

// Client calls the search2 API.
type Client struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides DefaultEndpoint.
func WithEndpoint(u string) Option { return func(c *Client) { c.endpoint = u } }

// WithHTTPClient replaces the default traced client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// WithRate sets the page request rate. Zero or negative disables pacing.
func WithRate(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// New creates a catalog client. It paces page requests at two per second.
func New(logger log.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	c := &Client{
		endpoint: DefaultEndpoint,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(2), 1),
		logger:  logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Search pages through the catalog until q.Max hits are collected or the
// results run out.
func (c *Client) Search(ctx context.Context, q Query) ([]Opportunity, error) {
	if q.Max <= 0 {
		return nil, errors.New("max records must be positive")
	}

	base := searchRequest{
		Keyword:            strings.TrimSpace(q.Keyword),
		OppStatuses:        PipeList(q.Statuses),
		Agencies:           PipeList(q.Agencies),
		ALN:                PipeList(q.ALN),
		Eligibilities:      PipeList(q.Eligibility),
		FundingInstruments: PipeList(q.Instruments),
		FundingCategories:  PipeList(q.Categories),
	}

	var out []Opportunity
	for len(out) < q.Max {
		if err := c.limiter.Wait(ctx); err != nil {
			return out, err
		}

		req := base
		req.StartRecordNum = len(out)
		req.Rows = min(PageSize, q.Max-len(out))

		resp, err := c.page(ctx, &req)
		if err != nil {
			return out, err
		}
		hits := resp.Data.OppHits
		c.logger.Info(ctx, "catalog page",
			"start", req.StartRecordNum,
			"rows", req.Rows,
			"hits", len(hits),
			"hit_count", resp.Data.HitCount,
		)

		if len(hits) > q.Max-len(out) {
			hits = hits[:q.Max-len(out)]
		}
		out = append(out, hits...)
		if len(hits) < req.Rows || len(out) >= resp.Data.HitCount {
			break
		}
	}
	return out, nil
}

func (c *Client) page(ctx context.Context, sr *searchRequest) (*searchResponse, error) {
	body, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("marshal search: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog search failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("catalog returned %d: %s", resp.StatusCode, truncate(string(data), 512))
	}

	var out searchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.ErrorCode != 0 {
		return nil, fmt.Errorf("catalog error %d: %s", out.ErrorCode, out.Msg)
	}
	return &out, nil
}

// PipeList normalizes a comma or pipe separated list to the API's pipe form,
// dropping blanks.
func PipeList(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' })
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "|")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
