package workflow

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Stage is a node of the workflow topology. Values are the names used on the wire.
type Stage string

const (
	StageLoadContext    Stage = "loading_conversation"
	StageAnalyzeIntent  Stage = "analyzing_intent"
	StageRetrieveSchema Stage = "retrieving_schema"
	StageSearchHistory  Stage = "searching_history"
	StageGenerateSQL    Stage = "generating_sql"
	StageValidateSQL    Stage = "validating_sql"
	StageExecuteSQL     Stage = "executing_sql"
	StageCorrectError   Stage = "correcting_error"
	StageSaveSuccess    Stage = "completed"
	StageFail           Stage = "failed"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	return s == StageSaveSuccess || s == StageFail
}

var stageMessages = map[Stage]string{
	StageLoadContext:    "Loading conversation history...",
	StageAnalyzeIntent:  "Analyzing your question...",
	StageRetrieveSchema: "Retrieving database schema...",
	StageSearchHistory:  "Finding similar past queries...",
	StageGenerateSQL:    "Generating SQL query...",
	StageValidateSQL:    "Validating SQL query...",
	StageExecuteSQL:     "Executing query...",
	StageCorrectError:   "SQL error detected, attempting to fix...",
	StageSaveSuccess:    "Query completed successfully!",
	StageFail:           "Failed to process your request.",
}

var stageIcons = map[Stage]string{
	StageLoadContext:    "💬",
	StageAnalyzeIntent:  "🔍",
	StageRetrieveSchema: "📊",
	StageSearchHistory:  "🔎",
	StageGenerateSQL:    "⚙️",
	StageValidateSQL:    "✅",
	StageExecuteSQL:     "▶️",
	StageCorrectError:   "🔧",
	StageSaveSuccess:    "🎉",
	StageFail:           "❌",
}

// Message returns the human-readable progress message for the stage.
func (s Stage) Message() string {
	if m, ok := stageMessages[s]; ok {
		return m
	}
	return "Processing..."
}

// Icon returns the display icon for the stage, or "" if it has none.
func (s Stage) Icon() string {
	return stageIcons[s]
}

// ErrStateComplete is returned when an update is applied to a finished run.
var ErrStateComplete = errors.New("workflow state is complete")

// State is the accumulator threaded through every stage of one request.
// It is owned by a single run and must not be shared.
type State struct {
	ConversationID      string
	Question            string
	ConversationHistory []Message
	Intent              Intent
	IntentDetails       string
	Schema              string
	SchemaInfo          *Schema
	SimilarExamples     []Example
	GeneratedSQL        string
	SQLExplanation      string
	Validation          *ValidationResult
	Execution           *ExecutionResult
	RetryCount          int
	ErrorMessage        string
	ErrorKind           ErrorKind
	FormattedResponse   *FormattedResponse
	CurrentStage        Stage
	IsComplete          bool
}

// NewState returns the initial state for a question.
func NewState(conversationID, question string) *State {
	return &State{
		ConversationID: conversationID,
		Question:       question,
	}
}

// Update is a partial state produced by one stage. Nil pointers and nil
// slices leave the corresponding field untouched; a non-nil empty slice clears it.
type Update struct {
	Stage               Stage
	ConversationHistory []Message
	Intent              *Intent
	IntentDetails       *string
	Schema              *string
	SchemaInfo          *Schema
	SimilarExamples     []Example
	GeneratedSQL        *string
	SQLExplanation      *string
	Validation          *ValidationResult
	Execution           *ExecutionResult
	RetryCount          *int
	ErrorMessage        *string
	ErrorKind           *ErrorKind
	FormattedResponse   *FormattedResponse
	Complete            bool
}

// Apply merges u into s key by key.
func (s *State) Apply(u Update) error {
	if s.IsComplete {
		return ErrStateComplete
	}
	if u.RetryCount != nil && *u.RetryCount < s.RetryCount {
		return fmt.Errorf("retry count cannot decrease from %d to %d", s.RetryCount, *u.RetryCount)
	}
	if u.Stage != "" {
		s.CurrentStage = u.Stage
	}
	if u.ConversationHistory != nil {
		s.ConversationHistory = u.ConversationHistory
	}
	if u.Intent != nil {
		s.Intent = *u.Intent
	}
	if u.IntentDetails != nil {
		s.IntentDetails = *u.IntentDetails
	}
	if u.Schema != nil {
		s.Schema = *u.Schema
	}
	if u.SchemaInfo != nil {
		s.SchemaInfo = u.SchemaInfo
	}
	if u.SimilarExamples != nil {
		s.SimilarExamples = u.SimilarExamples
	}
	if u.GeneratedSQL != nil {
		s.GeneratedSQL = *u.GeneratedSQL
	}
	if u.SQLExplanation != nil {
		s.SQLExplanation = *u.SQLExplanation
	}
	if u.Validation != nil {
		s.Validation = u.Validation
	}
	if u.Execution != nil {
		s.Execution = u.Execution
	}
	if u.RetryCount != nil {
		s.RetryCount = *u.RetryCount
	}
	if u.ErrorMessage != nil {
		s.ErrorMessage = *u.ErrorMessage
	}
	if u.ErrorKind != nil {
		s.ErrorKind = *u.ErrorKind
	}
	if u.FormattedResponse != nil {
		s.FormattedResponse = u.FormattedResponse
	}
	if u.Complete {
		s.IsComplete = true
	}
	return nil
}

// Clone returns a copy of s whose slices and results are independent of s.
// Row maps are copied one level deep; SchemaInfo is read-only and shared.
func (s *State) Clone() *State {
	c := *s
	c.ConversationHistory = slices.Clone(s.ConversationHistory)
	c.SimilarExamples = slices.Clone(s.SimilarExamples)
	if s.Validation != nil {
		v := *s.Validation
		v.Errors = slices.Clone(s.Validation.Errors)
		c.Validation = &v
	}
	if s.Execution != nil {
		e := *s.Execution
		e.Columns = slices.Clone(s.Execution.Columns)
		if s.Execution.Rows != nil {
			e.Rows = make([]map[string]any, len(s.Execution.Rows))
			for i, row := range s.Execution.Rows {
				e.Rows[i] = maps.Clone(row)
			}
		}
		c.Execution = &e
	}
	if s.FormattedResponse != nil {
		f := *s.FormattedResponse
		c.FormattedResponse = &f
	}
	return &c
}

// Ptr returns a pointer to v. It keeps Update literals short.
func Ptr[T any](v T) *T {
	return &v
}
