// Package claude writes run briefs with the Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/grantscout/internal/report"
	"github.com/linnemanlabs/grantscout/internal/table"
	"github.com/linnemanlabs/grantscout/internal/triage"
)

// DefaultTopN is how many Clean rows go into a brief when no option overrides it.
const DefaultTopN = 5

const (
	defaultMaxTokens = 1024
	defaultTimeout   = 120 * time.Second
)

// EmptyBrief is returned for an empty Clean table. No API call is made.
const EmptyBrief = "No eligible opportunities this run."

const systemPrompt = `You write short funding briefs for a small engineering firm.
You are given the top-ranked grant opportunities from a scored shortlist.
Write two or three plain paragraphs: which opportunity to pursue first and why,
what the deadlines imply for the next few weeks, and anything that looks weak.
Do not invent facts that are not in the list. No headings, no bullet lists.`

// Client implements triage.Briefer with the Anthropic SDK.
type Client struct {
	client    anthropic.Client
	model     string
	topN      int
	maxTokens int64
}

var _ triage.Briefer = (*Client)(nil)

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	topN      int
	maxTokens int64
	sdkOpts   []option.RequestOption
}

// WithTopN sets how many Clean rows the brief covers.
func WithTopN(n int) Option {
	return func(c *clientConfig) {
		if n > 0 {
			c.topN = n
		}
	}
}

// WithMaxTokens caps the length of the generated brief.
func WithMaxTokens(n int64) Option {
	return func(c *clientConfig) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithBaseURL points the client at a different API host.
func WithBaseURL(u string) Option {
	return func(c *clientConfig) { c.sdkOpts = append(c.sdkOpts, option.WithBaseURL(u)) }
}

// WithMaxRetries overrides the SDK retry count.
func WithMaxRetries(n int) Option {
	return func(c *clientConfig) { c.sdkOpts = append(c.sdkOpts, option.WithMaxRetries(n)) }
}

// New creates a Claude briefer for the given API key and model name.
func New(apiKey, model string, opts ...Option) *Client {
	cc := clientConfig{topN: DefaultTopN, maxTokens: defaultMaxTokens}
	for _, o := range opts {
		o(&cc)
	}
	sdkOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(defaultTimeout),
	}, cc.sdkOpts...)

	return &Client{
		client:    anthropic.NewClient(sdkOpts...),
		model:     model,
		topN:      cc.topN,
		maxTokens: cc.maxTokens,
	}
}

// Brief writes a narrative over the first topN rows of clean.
func (c *Client) Brief(ctx context.Context, clean *table.Table) (*triage.Brief, error) {
	if clean == nil {
		return nil, triage.ErrNilTable
	}
	if clean.Len() == 0 {
		return &triage.Brief{Text: EmptyBrief}, nil
	}

	prompt, err := buildPrompt(clean, c.topN)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}

	b := fromSDKResponse(msg)
	if b.Model == "" {
		b.Model = c.model
	}
	if b.Text == "" {
		return nil, fmt.Errorf("claude returned no text (stop reason %q)", msg.StopReason)
	}
	return b, nil
}

// buildPrompt lists the shortlisted rows with the fields a reader needs to
// judge them.
func buildPrompt(clean *table.Table, topN int) (string, error) {
	entries, err := report.Shortlist(clean, topN)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Top %d of %d shortlisted opportunities:\n\n", len(entries), clean.Len())
	for i, e := range entries {
		b.WriteString(e.Line())
		for _, col := range []string{triage.ColSponsor, triage.ColDeadline, triage.ColMatch, triage.ColLink} {
			v, ok := clean.Value(i, col)
			if !ok || table.IsNull(v) {
				continue
			}
			fmt.Fprintf(&b, "\n   %s: %s", col, table.FormatCell(v))
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// fromSDKResponse joins the text blocks of msg and copies its usage.
func fromSDKResponse(msg *anthropic.Message) *triage.Brief {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			parts = append(parts, strings.TrimSpace(block.Text))
		}
	}
	return &triage.Brief{
		Text:      strings.Join(parts, "\n\n"),
		Model:     string(msg.Model),
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
	}
}
