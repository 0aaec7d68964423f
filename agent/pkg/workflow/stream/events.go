// Package stream turns workflow steps into the ordered event stream sent to
// clients.
package stream

import (
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
)

// Event names.
const (
	EventConversationID      = "conversation_id"
	EventStage               = "stage"
	EventConversationHistory = "conversation_history"
	EventIntent              = "intent"
	EventSchema              = "schema"
	EventSimilarExamples     = "similar_examples"
	EventSQL                 = "sql"
	EventValidation          = "validation"
	EventResult              = "result"
	EventError               = "error"
	EventFormattedResponse   = "formatted_response"
	EventComplete            = "complete"
)

const (
	completeSuccessMessage = "Query completed successfully!"
	completeFailureMessage = "Query failed"
)

// Event is one named event with a JSON-serializable payload.
type Event struct {
	Name string
	Data any
}

type ConversationIDPayload struct {
	ConversationID string `json:"conversationId"`
}

type StagePayload struct {
	Stage   workflow.Stage `json:"stage"`
	Message string         `json:"message"`
	Icon    string         `json:"icon,omitempty"`
}

type ConversationHistoryPayload struct {
	Count    int                `json:"count"`
	Messages []workflow.Message `json:"messages"`
}

type IntentPayload struct {
	Intent  workflow.Intent `json:"intent"`
	Details string          `json:"details,omitempty"`
}

type SchemaPayload struct {
	Tables        []workflow.Table        `json:"tables"`
	Relationships []workflow.Relationship `json:"relationships,omitempty"`
}

type SimilarExamplesPayload struct {
	Count    int                `json:"count"`
	Examples []workflow.Example `json:"examples"`
}

type SQLPayload struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation,omitempty"`
}

type ValidationPayload struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

type ResultPayload struct {
	Rows    []map[string]any `json:"rows"`
	Count   int              `json:"count"`
	Columns []string         `json:"columns,omitempty"`
}

type ErrorPayload struct {
	Error      string `json:"error"`
	RetryCount int    `json:"retryCount"`
}

// CompletePayload ends a stream. On failure it carries the last attempted
// SQL and the error kind.
type CompletePayload struct {
	Success   bool               `json:"success"`
	Message   string             `json:"message,omitempty"`
	SQL       string             `json:"sql,omitempty"`
	ErrorKind workflow.ErrorKind `json:"errorKind,omitempty"`
	Error     string             `json:"error,omitempty"`
}
