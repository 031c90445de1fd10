package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
)

// Config adds grantscout server configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	MaxUploadKB           int
	DatabaseURL           string
	DBMaxConns            int
	DBSlowQueryMillis     int
	ClaudeAPIKey          string
	ClaudeModel           string
	BriefTopN             int
	SlackWebhookURL       string
	ShortlistN            int
}

// maxShortlist is the Clean cap.
const maxShortlist = 20

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "comma-separated bearer tokens for /api/v1 (empty = no auth)")
	fs.IntVar(&c.MaxUploadKB, "max-upload-kb", 4096, "maximum submitted table size in KiB (1..65536)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum PostgreSQL pool connections (0 = pgxpool default)")
	fs.IntVar(&c.DBSlowQueryMillis, "db-slow-query-ms", 0, "only log successful queries slower than this many milliseconds (0 = log all)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for Claude run briefs (empty = no briefs)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model used for run briefs")
	fs.IntVar(&c.BriefTopN, "brief-top-n", 5, "Clean opportunities included in the brief (1..20)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for run notifications")
	fs.IntVar(&c.ShortlistN, "shortlist-n", 5, "shortlist lines included in notifications (1..20)")
}

// APITokens returns the configured bearer tokens, trimmed, empties dropped.
func (c *Config) APITokens() []string {
	var out []string
	for _, t := range strings.Split(c.APIToken, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.MaxUploadKB <= 0 || c.MaxUploadKB > 65536 {
		errs = append(errs, fmt.Errorf("invalid MAX_UPLOAD_KB %d (must be 1..65536)", c.MaxUploadKB))
	}

	if c.DatabaseURL != "" {
		u, err := url.Parse(c.DatabaseURL)
		if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			errs = append(errs, errors.New("DATABASE_URL must be a postgres:// or postgresql:// URL"))
		}
	}
	if c.DBMaxConns < 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..1000)", c.DBMaxConns))
	}
	if c.DBSlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.DBSlowQueryMillis))
	}

	// Claude model is required once briefs are enabled
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}
	if c.BriefTopN <= 0 || c.BriefTopN > maxShortlist {
		errs = append(errs, fmt.Errorf("invalid BRIEF_TOP_N %d (must be 1..%d)", c.BriefTopN, maxShortlist))
	}

	if c.SlackWebhookURL != "" {
		u, err := url.Parse(c.SlackWebhookURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, errors.New("SLACK_WEBHOOK_URL must be an http(s) URL"))
		}
	}
	if c.ShortlistN <= 0 || c.ShortlistN > maxShortlist {
		errs = append(errs, fmt.Errorf("invalid SHORTLIST_N %d (must be 1..%d)", c.ShortlistN, maxShortlist))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
