// Package slack posts triage run summaries to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/grantscout/internal/report"
	"github.com/linnemanlabs/grantscout/internal/triage"
)

const (
	maxBriefLen = 3000
	httpTimeout = 10 * time.Second

	// DefaultTopN is the shortlist length when no option overrides it.
	DefaultTopN = 5
)

// Notifier sends run summaries to a Slack webhook.
type Notifier struct {
	webhookURL string
	topN       int
	client     *http.Client
	logger     log.Logger
}

var _ triage.Notifier = (*Notifier)(nil)

// Option configures a Notifier.
type Option func(*Notifier)

// WithTopN sets how many Clean rows are listed in the message.
func WithTopN(n int) Option {
	return func(no *Notifier) {
		if n > 0 {
			no.topN = n
		}
	}
}

// WithHTTPClient replaces the default traced client.
func WithHTTPClient(c *http.Client) Option {
	return func(no *Notifier) { no.client = c }
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	n := &Notifier{
		webhookURL: webhookURL,
		topN:       DefaultTopN,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Send posts a run summary to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, run *triage.Run) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(run, n.topN)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "run_id", run.ID, "clean", run.CleanRows)
	return nil
}

func buildMessage(r *triage.Run, topN int) map[string]any {
	blocks := []map[string]any{
		headerBlock(r),
		{"type": "divider"},
		fieldsBlock(r),
		{"type": "divider"},
		shortlistBlock(r, topN),
	}
	if r.Brief != "" {
		blocks = append(blocks, briefBlock(r))
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(r))
	return map[string]any{"blocks": blocks}
}

func headerBlock(r *triage.Run) map[string]any {
	title := fmt.Sprintf("%s %s: %d eligible", statusEmoji(r), report.Title, r.CleanRows)
	if r.Status == triage.StatusUnscored {
		title = fmt.Sprintf("%s Triage skipped: table not scored", statusEmoji(r))
	}

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": title,
		},
	}
}

func fieldsBlock(r *triage.Run) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Input rows:* %d", r.InputRows)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Clean:* %d", r.CleanRows)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Dirty:* %d", r.DirtyRows)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Out of scope:* %d", r.OutOfScopeRows)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Overflow:* %d", r.Overflow)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Fatal flaws:* %s", flawSummary(r.Flaws))},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func shortlistBlock(r *triage.Run, topN int) map[string]any {
	var text string
	switch {
	case r.Status == triage.StatusUnscored:
		text = fmt.Sprintf("_%s_", r.Reason)
	case r.Clean == nil || r.Clean.Len() == 0:
		text = "_No eligible opportunities._"
	default:
		entries, err := report.Shortlist(r.Clean, topN)
		if err != nil {
			text = fmt.Sprintf("_Shortlist unavailable: %s_", err)
			break
		}
		lines := make([]string, len(entries))
		for i, e := range entries {
			lines[i] = escape(e.Line())
		}
		text = strings.Join(lines, "\n")
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Shortlist*\n\n%s", text),
		},
	}
}

func briefBlock(r *triage.Run) map[string]any {
	heading := "*Brief*"
	if r.BriefModel != "" {
		heading = fmt.Sprintf("*Brief* (%s)", shortModel(r.BriefModel))
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("%s\n\n%s", heading, truncate(r.Brief, maxBriefLen)),
		},
	}
}

func contextBlock(r *triage.Run) map[string]any {
	day := r.Today
	if day.IsZero() {
		day = r.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("grantscout • run %s • %s", r.ID, day.UTC().Format(time.DateOnly)),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func statusEmoji(r *triage.Run) string {
	switch {
	case r.Status == triage.StatusUnscored:
		return "\U0001f534" // red circle
	case r.CleanRows == 0:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func flawSummary(flaws map[triage.Flaw]int) string {
	var parts []string
	for _, f := range triage.Flaws {
		if c := flaws[f]; c > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", f, c))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// escape encodes the characters Slack reserves for links and mentions.
func escape(s string) string { return escaper.Replace(s) }

// dateModelRe matches model names ending with a YYYYMMDD date suffix.
var dateModelRe = regexp.MustCompile(`-\d{8}$`)

func shortModel(model string) string {
	return dateModelRe.ReplaceAllString(model, "")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
