package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/prompts"
)

const (
	sqlResponseSchema = `{
  "sql": "string - the complete SQL query",
  "explanation": "string - brief explanation of what the query does"
}`
	correctionResponseSchema = `{
  "sql": "string - the corrected SQL query",
  "explanation": "string - what was wrong and how it was fixed"
}`

	correctionTemperature = 0.3
)

type sqlResponse struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
}

// Correction is the context for one correction attempt.
type Correction struct {
	Question  string
	FailedSQL string
	Error     string
	Schema    string
	History   []workflow.Message
	Attempt   int
}

// Corrector rewrites a failed query. Each call makes exactly one generation
// request; retries are bounded by the engine.
type Corrector struct {
	gen        workflow.Generator
	prompts    *prompts.Prompts
	maxRetries int
}

// NewCorrector creates a Corrector.
func NewCorrector(gen workflow.Generator, p *prompts.Prompts, maxRetries int) *Corrector {
	return &Corrector{gen: gen, prompts: p, maxRetries: maxRetries}
}

// Correct returns a replacement SQL candidate and its explanation.
func (c *Corrector) Correct(ctx context.Context, in Correction) (string, string, error) {
	prompt := prompts.Render(c.prompts.Correct, map[string]string{
		"SCHEMA":       in.Schema,
		"HISTORY":      c.gen.FormatConversationHistory(in.History),
		"QUESTION":     in.Question,
		"FAILED_SQL":   in.FailedSQL,
		"ERROR":        in.Error,
		"ATTEMPT":      strconv.Itoa(in.Attempt),
		"MAX_ATTEMPTS": strconv.Itoa(c.maxRetries),
	})

	var resp sqlResponse
	if err := c.gen.GenerateStructured(ctx, workflow.StructuredRequest{
		SystemPrompt: c.prompts.SystemCorrect,
		Prompt:       prompt,
		Schema:       correctionResponseSchema,
		Temperature:  correctionTemperature,
	}, &resp); err != nil {
		return "", "", err
	}

	sql := workflow.CleanSQL(resp.SQL)
	if sql == "" {
		return "", "", fmt.Errorf("%w: corrected query is empty", workflow.ErrMalformedOutput)
	}
	return sql, resp.Explanation, nil
}
