package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/malbeclabs/sqlpilot/agent/pkg/sqlguard"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/prompts"
)

const (
	intentTemperature   = 0.3
	generateTemperature = 0.2

	// maxPromptExamples is how many ranked examples are shown to the model.
	maxPromptExamples = 3

	intentResponseSchema = `{
  "intent": "string - one of data_retrieval, aggregation, filtering, sorting, joining, unknown",
  "confidence": "number between 0 and 1",
  "details": "string - detected columns, conditions, and ordering"
}`
)

type intentResponse struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Details    string  `json:"details"`
}

func (e *Engine) loadContext(ctx context.Context, s *workflow.State) (workflow.Update, error) {
	history := []workflow.Message{}
	if s.ConversationID != "" {
		msgs, err := e.cfg.History.GetMessages(ctx, s.ConversationID, e.cfg.MaxConversationMessages)
		switch {
		case err != nil && ctx.Err() != nil:
			return workflow.Update{}, ctx.Err()
		case err != nil:
			e.log.Warn("workflow: failed to load conversation history, continuing without it", "conversation_id", s.ConversationID, "error", err)
		case msgs != nil:
			history = msgs
		}
	}
	return workflow.Update{ConversationHistory: history}, nil
}

func (e *Engine) analyzeIntent(ctx context.Context, s *workflow.State) (workflow.Update, error) {
	prompt := prompts.Render(e.prompts.Intent, map[string]string{
		"HISTORY":  e.cfg.Generator.FormatConversationHistory(s.ConversationHistory),
		"QUESTION": s.Question,
	})

	var resp intentResponse
	err := e.cfg.Generator.GenerateStructured(ctx, workflow.StructuredRequest{
		Prompt:      prompt,
		Schema:      intentResponseSchema,
		Temperature: intentTemperature,
		MaxTokens:   512,
	}, &resp)
	if err != nil {
		if ctx.Err() != nil {
			return workflow.Update{}, ctx.Err()
		}
		// Intent only tunes prompts and formatting.
		e.log.Warn("workflow: intent classification failed", "error", err)
		return workflow.Update{Intent: workflow.Ptr(workflow.IntentUnknown)}, nil
	}

	intent := workflow.ParseIntent(strings.ToLower(strings.TrimSpace(resp.Intent)))
	e.log.Debug("workflow: classified intent", "intent", intent, "confidence", resp.Confidence)
	return workflow.Update{
		Intent:        &intent,
		IntentDetails: workflow.Ptr(strings.TrimSpace(resp.Details)),
	}, nil
}

func (e *Engine) retrieveSchema(ctx context.Context, s *workflow.State) (workflow.Update, error) {
	info, err := e.cfg.Schema.LoadSchema(ctx)
	if err != nil {
		return workflow.Update{}, &StageError{
			Stage: workflow.StageRetrieveSchema,
			Kind:  workflow.ErrorKindSchemaUnavailable,
			Err:   fmt.Errorf("failed to load schema: %w", err),
		}
	}
	text, err := e.cfg.Schema.SchemaAsText(ctx)
	if err != nil {
		return workflow.Update{}, &StageError{
			Stage: workflow.StageRetrieveSchema,
			Kind:  workflow.ErrorKindSchemaUnavailable,
			Err:   fmt.Errorf("failed to load schema: %w", err),
		}
	}
	return workflow.Update{Schema: &text, SchemaInfo: info}, nil
}

func (e *Engine) searchHistory(ctx context.Context, s *workflow.State) (workflow.Update, error) {
	pool, err := e.cfg.History.GetSuccessfulQueries(ctx, e.cfg.HistoryPoolSize, s.ConversationID)
	if err != nil {
		if ctx.Err() != nil {
			return workflow.Update{}, ctx.Err()
		}
		e.log.Warn("workflow: failed to load query history, continuing without examples", "error", err)
		return workflow.Update{SimilarExamples: []workflow.Example{}}, nil
	}
	examples := workflow.RankExamples(s.Question, pool, workflow.RankOptions{
		TopK:          e.cfg.TopK,
		MinSimilarity: e.cfg.MinSimilarity,
	})
	e.log.Debug("workflow: ranked examples", "pool", len(pool), "kept", len(examples))
	return workflow.Update{SimilarExamples: examples}, nil
}

func (e *Engine) generateSQL(ctx context.Context, s *workflow.State) (workflow.Update, error) {
	intent := s.Intent
	if intent == "" {
		intent = workflow.IntentUnknown
	}
	prompt := prompts.Render(e.prompts.Generate, map[string]string{
		"SCHEMA":   s.Schema,
		"HISTORY":  e.cfg.Generator.FormatConversationHistory(s.ConversationHistory),
		"EXAMPLES": formatExamples(s.SimilarExamples),
		"INTENT":   string(intent),
		"QUESTION": s.Question,
	})

	var resp sqlResponse
	err := e.cfg.Generator.GenerateStructured(ctx, workflow.StructuredRequest{
		SystemPrompt: e.prompts.SystemGenerate,
		Prompt:       prompt,
		Schema:       sqlResponseSchema,
		Temperature:  generateTemperature,
		MaxTokens:    e.cfg.MaxTokens,
	}, &resp)
	if err != nil {
		return workflow.Update{}, &StageError{
			Stage: workflow.StageGenerateSQL,
			Kind:  workflow.ErrorKindGeneration,
			Err:   fmt.Errorf("failed to generate SQL: %w", err),
		}
	}

	sql := workflow.CleanSQL(resp.SQL)
	if sql == "" {
		return workflow.Update{}, &StageError{
			Stage: workflow.StageGenerateSQL,
			Kind:  workflow.ErrorKindGeneration,
			Err:   fmt.Errorf("failed to generate SQL: %w: empty query", workflow.ErrMalformedOutput),
		}
	}
	e.log.Info("workflow: generated SQL", "sql", sql)
	return workflow.Update{
		GeneratedSQL:   &sql,
		SQLExplanation: workflow.Ptr(strings.TrimSpace(resp.Explanation)),
	}, nil
}

func formatExamples(examples []workflow.Example) string {
	if len(examples) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Here are some similar examples:\n\n")
	for i, ex := range examples[:min(len(examples), maxPromptExamples)] {
		fmt.Fprintf(&sb, "Example %d:\nQuestion: %s\nSQL: %s\n\n", i+1, ex.Question, ex.SQL)
	}
	return sb.String()
}

func (e *Engine) validateSQL(ctx context.Context, s *workflow.State) (workflow.Update, error) {
	res := e.validator.Validate(s.GeneratedSQL)
	u := workflow.Update{Validation: &res}
	if !res.Valid {
		u.ErrorMessage = workflow.Ptr(sqlguard.Summary(res))
		u.ErrorKind = workflow.Ptr(sqlguard.Classify(res))
		e.log.Info("workflow: SQL rejected", "sql", s.GeneratedSQL, "errors", res.Errors)
	}
	return u, nil
}

func (e *Engine) executeSQL(ctx context.Context, s *workflow.State) (workflow.Update, error) {
	return workflow.Update{Execution: e.executor.Execute(ctx, s.GeneratedSQL)}, nil
}

func (e *Engine) correctError(ctx context.Context, s *workflow.State) (workflow.Update, error) {
	retry := s.RetryCount + 1
	errMsg := "Unknown error"
	if s.Execution != nil && s.Execution.Error != "" {
		errMsg = s.Execution.Error
	}
	u := workflow.Update{
		RetryCount:   &retry,
		ErrorMessage: &errMsg,
		ErrorKind:    workflow.Ptr(workflow.ErrorKindForExecution(s.Execution)),
	}

	if retry >= e.cfg.MaxRetries {
		// The fail edge is taken next; a correction would never run.
		u.ErrorKind = workflow.Ptr(workflow.ErrorKindRetryExhausted)
		e.log.Info("workflow: retries exhausted", "retry_count", retry, "error", errMsg)
		return u, nil
	}

	sql, explanation, err := e.corrector.Correct(ctx, Correction{
		Question:  s.Question,
		FailedSQL: s.GeneratedSQL,
		Error:     errMsg,
		Schema:    s.Schema,
		History:   s.ConversationHistory,
		Attempt:   retry,
	})
	if err != nil {
		return u, &StageError{
			Stage: workflow.StageCorrectError,
			Kind:  workflow.ErrorKindGeneration,
			Err:   fmt.Errorf("failed to correct SQL: %w", err),
		}
	}
	e.log.Info("workflow: corrected SQL", "retry_count", retry, "sql", sql)
	u.GeneratedSQL = &sql
	u.SQLExplanation = &explanation
	return u, nil
}

func (e *Engine) saveSuccess(ctx context.Context, s *workflow.State) (workflow.Update, error) {
	var u workflow.Update
	if e.formatter != nil {
		formatted, err := e.formatter.Format(ctx, workflow.FormatInput{
			Question: s.Question,
			SQL:      s.GeneratedSQL,
			Intent:   s.Intent,
			Result:   s.Execution,
		})
		switch {
		case err != nil && ctx.Err() != nil:
			return workflow.Update{}, ctx.Err()
		case err != nil:
			e.log.Warn("workflow: failed to format response", "error", err)
		default:
			u.FormattedResponse = formatted
		}
	}

	count := 0
	if s.Execution != nil {
		count = s.Execution.Count
	}
	content := fmt.Sprintf("SQL: %s\nReturned %d rows", s.GeneratedSQL, count)
	extras := &workflow.MessageExtras{
		SQL:        s.GeneratedSQL,
		Intent:     s.Intent,
		RowCount:   count,
		RetryCount: s.RetryCount,
	}
	if u.FormattedResponse != nil {
		content = u.FormattedResponse.Markdown
		extras.FormatMethod = string(u.FormattedResponse.FormatMethod)
	}

	e.saveTurn(ctx, s, content, extras)
	e.saveRecord(ctx, workflow.QueryRecord{
		ConversationID: s.ConversationID,
		Question:       s.Question,
		SQL:            s.GeneratedSQL,
		Intent:         s.Intent,
		Success:        true,
		RowCount:       count,
		RetryCount:     s.RetryCount,
	})
	return u, nil
}

func (e *Engine) fail(ctx context.Context, s *workflow.State) (workflow.Update, error) {
	msg := s.ErrorMessage
	if msg == "" {
		msg = "Unknown error"
	}
	kind := s.ErrorKind
	if kind == "" {
		kind = workflow.ErrorKindRetryExhausted
		if s.Validation != nil && !s.Validation.Valid {
			kind = sqlguard.Classify(*s.Validation)
		}
	}

	e.saveTurn(ctx, s, fmt.Sprintf("Failed after %d attempts: %s", s.RetryCount, msg), &workflow.MessageExtras{
		SQL:        s.GeneratedSQL,
		Intent:     s.Intent,
		RetryCount: s.RetryCount,
		Error:      msg,
		ErrorKind:  string(kind),
	})
	// Failed attempts are recorded but never enter the few-shot pool.
	e.saveRecord(ctx, workflow.QueryRecord{
		ConversationID: s.ConversationID,
		Question:       s.Question,
		SQL:            s.GeneratedSQL,
		Intent:         s.Intent,
		Success:        false,
		RetryCount:     s.RetryCount,
		Error:          msg,
	})

	return workflow.Update{ErrorMessage: &msg, ErrorKind: &kind}, nil
}

// saveTurn persists the question and the assistant's answer. Failures are
// logged; the run has already produced its result.
func (e *Engine) saveTurn(ctx context.Context, s *workflow.State, content string, extras *workflow.MessageExtras) {
	if s.ConversationID == "" {
		return
	}
	if err := e.cfg.History.SaveMessage(ctx, s.ConversationID, workflow.RoleUser, s.Question, nil); err != nil {
		e.log.Error("workflow: failed to save user message", "conversation_id", s.ConversationID, "error", err)
		return
	}
	if err := e.cfg.History.SaveMessage(ctx, s.ConversationID, workflow.RoleAssistant, content, extras); err != nil {
		e.log.Error("workflow: failed to save assistant message", "conversation_id", s.ConversationID, "error", err)
	}
}

func (e *Engine) saveRecord(ctx context.Context, rec workflow.QueryRecord) {
	if err := e.cfg.History.SaveQueryRecord(ctx, rec); err != nil {
		e.log.Error("workflow: failed to save query record", "conversation_id", rec.ConversationID, "error", err)
	}
}
