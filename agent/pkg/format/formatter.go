// Package format renders successful query results as Markdown.
package format

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/prompts"
)

const (
	DefaultMaxDisplayRows = 20
	DefaultLLMThreshold   = 100

	maxCellWidth     = 100
	insightRows      = 5
	fullFormatRows   = 10
	insightMaxTokens = 300
	formatMaxTokens  = 1024
)

// openings are the table headers used per intent. %d is the row count.
var openings = map[workflow.Intent]string{
	workflow.IntentDataRetrieval: "Here are the results:",
	workflow.IntentFiltering:     "I found **%d** records matching your criteria:",
	workflow.IntentSorting:       "Here are the results sorted as requested:",
	workflow.IntentAggregation:   "Here's the summary:",
	workflow.IntentJoining:       "Here are the combined results:",
}

// Config configures a Formatter.
type Config struct {
	Logger         *slog.Logger
	Generator      workflow.Generator // Optional, LLM paths are skipped when nil
	Prompts        *prompts.Prompts
	MaxDisplayRows int  // Rows rendered in tables (default 20)
	EnableInsights bool // Add LLM insights to aggregation and join results
	LLMThreshold   int  // Results with this many rows or more skip insights (default 100)
}

// Formatter picks a rendering strategy from the question's intent:
// a plain table for simple lookups, a table plus LLM insight for
// aggregations and joins, and a full LLM answer for everything else.
type Formatter struct {
	cfg Config
	log *slog.Logger
}

// New creates a Formatter.
func New(cfg Config) (*Formatter, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxDisplayRows <= 0 {
		cfg.MaxDisplayRows = DefaultMaxDisplayRows
	}
	if cfg.LLMThreshold <= 0 {
		cfg.LLMThreshold = DefaultLLMThreshold
	}
	if cfg.Generator != nil && cfg.Prompts == nil {
		p, err := prompts.Load("")
		if err != nil {
			return nil, fmt.Errorf("failed to load prompts: %w", err)
		}
		cfg.Prompts = p
	}
	return &Formatter{cfg: cfg, log: cfg.Logger}, nil
}

// Format renders in.Result. It only returns an error when ctx is done.
func (f *Formatter) Format(ctx context.Context, in workflow.FormatInput) (*workflow.FormattedResponse, error) {
	res := in.Result
	if res == nil {
		res = &workflow.ExecutionResult{Success: true}
	}

	switch in.Intent {
	case workflow.IntentDataRetrieval, workflow.IntentFiltering, workflow.IntentSorting:
		return f.tableResponse(res, in.Intent), nil

	case workflow.IntentAggregation, workflow.IntentJoining:
		if !f.cfg.EnableInsights || f.cfg.Generator == nil || res.Count == 0 || res.Count >= f.cfg.LLMThreshold {
			return f.tableResponse(res, in.Intent), nil
		}
		return f.hybridResponse(ctx, in, res)

	default:
		if f.cfg.Generator == nil {
			return f.tableResponse(res, workflow.IntentUnknown), nil
		}
		return f.llmResponse(ctx, in, res)
	}
}

func (f *Formatter) tableResponse(res *workflow.ExecutionResult, intent workflow.Intent) *workflow.FormattedResponse {
	md := Table(res, intent, f.cfg.MaxDisplayRows)
	if res.Count > 0 {
		md += Summary(res.Count, intent)
	}
	return &workflow.FormattedResponse{
		Markdown:     md,
		FormatMethod: workflow.FormatMethodPython,
	}
}

func (f *Formatter) hybridResponse(ctx context.Context, in workflow.FormatInput, res *workflow.ExecutionResult) (*workflow.FormattedResponse, error) {
	var table, insight string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		table = Table(res, in.Intent, f.cfg.MaxDisplayRows)
		return nil
	})
	g.Go(func() error {
		text, err := f.cfg.Generator.Generate(gctx, workflow.GenerateRequest{
			Prompt:      f.render(f.cfg.Prompts.Insight, in, res, insightRows),
			Temperature: 0.3,
			MaxTokens:   insightMaxTokens,
		})
		if err != nil {
			// Insights are optional
			f.log.Warn("format: insight generation failed", "error", err)
			return nil
		}
		insight = strings.TrimSpace(text)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if insight == "" {
		return &workflow.FormattedResponse{
			Markdown:     table + Summary(res.Count, in.Intent),
			FormatMethod: workflow.FormatMethodPython,
		}, nil
	}
	return &workflow.FormattedResponse{
		Markdown:      table + "\n\n### Insights\n\n" + insight,
		FormatMethod:  workflow.FormatMethodHybrid,
		HasLLMSummary: true,
	}, nil
}

func (f *Formatter) llmResponse(ctx context.Context, in workflow.FormatInput, res *workflow.ExecutionResult) (*workflow.FormattedResponse, error) {
	text, err := f.cfg.Generator.Generate(ctx, workflow.GenerateRequest{
		Prompt:      f.render(f.cfg.Prompts.Format, in, res, fullFormatRows),
		Temperature: 0.5,
		MaxTokens:   formatMaxTokens,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		f.log.Warn("format: llm formatting failed, falling back to table", "error", err)
		return f.tableResponse(res, workflow.IntentUnknown), nil
	}
	return &workflow.FormattedResponse{
		Markdown:      strings.TrimSpace(text),
		FormatMethod:  workflow.FormatMethodLLM,
		HasLLMSummary: true,
	}, nil
}

func (f *Formatter) render(tmpl string, in workflow.FormatInput, res *workflow.ExecutionResult, sampleRows int) string {
	sample := res.Rows
	if len(sample) > sampleRows {
		sample = sample[:sampleRows]
	}
	rowsJSON, err := json.MarshalIndent(sample, "", "  ")
	if err != nil {
		rowsJSON = []byte("[]")
	}
	return prompts.Render(tmpl, map[string]string{
		"QUESTION": in.Question,
		"SQL":      in.SQL,
		"COUNT":    strconv.Itoa(res.Count),
		"ROWS":     string(rowsJSON),
	})
}

// Table renders res as a Markdown table preceded by an intent-specific
// opening line. At most maxRows rows are shown.
func Table(res *workflow.ExecutionResult, intent workflow.Intent, maxRows int) string {
	opening, ok := openings[intent]
	if !ok {
		opening = "Query results:"
	}
	if strings.Contains(opening, "%d") {
		opening = fmt.Sprintf(opening, res.Count)
	}

	var sb strings.Builder
	sb.WriteString(opening)
	sb.WriteString("\n\n")

	if res.Count == 0 {
		sb.WriteString("No results found.")
		return sb.String()
	}
	if len(res.Columns) == 0 {
		fmt.Fprintf(&sb, "Query returned %d rows but no column information available.", res.Count)
		return sb.String()
	}

	sb.WriteString("| " + strings.Join(res.Columns, " | ") + " |\n")
	sb.WriteString("|" + strings.Repeat("---|", len(res.Columns)) + "\n")

	shown := min(maxRows, len(res.Rows))
	for _, row := range res.Rows[:shown] {
		cells := make([]string, len(res.Columns))
		for i, col := range res.Columns {
			cells[i] = Cell(row[col])
		}
		sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	if res.Count > shown {
		fmt.Fprintf(&sb, "\n*Showing %d of %d results*\n", shown, res.Count)
	}
	return sb.String()
}

// Cell renders one table cell, escaping pipes and truncating long values.
func Cell(v any) string {
	s := workflow.FormatValue(v)
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", `\|`)
	if r := []rune(s); len(r) > maxCellWidth {
		s = string(r[:maxCellWidth-3]) + "..."
	}
	return s
}

// Summary is the one-line summary appended to table responses.
func Summary(count int, intent workflow.Intent) string {
	switch intent {
	case workflow.IntentAggregation:
		return fmt.Sprintf("\n**Summary:** Query returned %d aggregated %s.", count, plural(count, "result", "results"))
	case workflow.IntentFiltering:
		return fmt.Sprintf("\n**Summary:** %d %s your filters.", count, plural(count, "record matches", "records match"))
	default:
		return fmt.Sprintf("\n**Summary:** %d %s returned.", count, plural(count, "row", "rows"))
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
