package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/prompts"
)

// Context keys for workflow tracing
type ctxKeyConversationID struct{}
type ctxKeyWorkflowID struct{}

// ContextWithWorkflowIDs adds conversation and workflow IDs to a context for tracing.
func ContextWithWorkflowIDs(ctx context.Context, conversationID, workflowID string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyConversationID{}, conversationID)
	ctx = context.WithValue(ctx, ctxKeyWorkflowID{}, workflowID)
	return ctx
}

// ConversationIDFromContext extracts the conversation ID from context, if present.
func ConversationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyConversationID{}).(string)
	return id, ok
}

// WorkflowIDFromContext extracts the workflow ID from context, if present.
func WorkflowIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyWorkflowID{}).(string)
	return id, ok
}

const (
	DefaultMaxRetries              = 3
	DefaultQueryTimeout            = 30 * time.Second
	DefaultMaxRows                 = 1000
	DefaultMaxConversationMessages = 10
	DefaultHistoryPoolSize         = 100
	DefaultTopK                    = 5
	DefaultMinSimilarity           = 0.3
	DefaultMaxTokens               = 2048
)

// Config holds the configuration for the workflow.
type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Generator Generator
	History   HistoryRepository
	Schema    SchemaProvider
	Querier   Querier
	Validator Validator         // Optional, the engine falls back to the default SQL guard
	Formatter ResponseFormatter // Optional, a plain summary is used when nil
	Prompts   *prompts.Prompts  // Optional, embedded prompts are loaded when nil

	MaxRetries              int           // Max correction attempts (default 3)
	QueryTimeout            time.Duration // Hard wall-clock limit per query (default 30s)
	MaxRows                 int           // LIMIT appended to queries without one (default 1000)
	MaxConversationMessages int           // Recent messages loaded as context (default 10)
	HistoryPoolSize         int           // Successful queries considered for few-shot retrieval (default 100)
	TopK                    int           // Few-shot examples kept after ranking (default 5)
	MinSimilarity           float64       // Similarity threshold for few-shot examples (default 0.3)
	MaxTokens               int64
}

// Validate checks required collaborators and fills in defaults.
func (cfg *Config) Validate() error {
	if cfg.Generator == nil {
		return errors.New("generator is required")
	}
	if cfg.History == nil {
		return errors.New("history repository is required")
	}
	if cfg.Schema == nil {
		return errors.New("schema provider is required")
	}
	if cfg.Querier == nil {
		return errors.New("querier is required")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.MaxRows == 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.MaxConversationMessages == 0 {
		cfg.MaxConversationMessages = DefaultMaxConversationMessages
	}
	if cfg.HistoryPoolSize == 0 {
		cfg.HistoryPoolSize = DefaultHistoryPoolSize
	}
	if cfg.TopK == 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MinSimilarity == 0 {
		cfg.MinSimilarity = DefaultMinSimilarity
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return nil
}

var (
	// ErrEmptyResponse is returned by a Generator when the model produced no text.
	ErrEmptyResponse = errors.New("empty response from model")
	// ErrMalformedOutput is returned by a Generator when structured output could not be decoded.
	ErrMalformedOutput = errors.New("malformed structured output")
	// ErrConversationNotFound is returned by a ConversationStore for unknown conversation IDs.
	ErrConversationNotFound = errors.New("conversation not found")
)

// GenerateRequest is a free-text generation call.
type GenerateRequest struct {
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int64 // 0 uses the generator default
}

// StructuredRequest is a generation call whose output is decoded into a Go value.
// Schema describes the expected JSON object and is appended to the prompt.
type StructuredRequest struct {
	SystemPrompt string
	Prompt       string
	Schema       string
	Temperature  float64
	MaxTokens    int64
}

// Generator is the interface for interacting with an LLM.
// Implementations must surface failures as errors and never return empty text silently.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	// GenerateStructured decodes the model's JSON answer into out.
	GenerateStructured(ctx context.Context, req StructuredRequest, out any) error
	// FormatConversationHistory renders history for inclusion in a prompt.
	FormatConversationHistory(history []Message) string
}

// HistoryRepository is the persistence the workflow needs: conversation turns
// and the few-shot pool of past queries.
type HistoryRepository interface {
	ConversationExists(ctx context.Context, id string) (bool, error)
	CreateConversation(ctx context.Context, id string) error
	SaveMessage(ctx context.Context, conversationID, role, content string, extras *MessageExtras) error
	// GetMessages returns up to limit most recent messages in chronological order.
	GetMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	SaveQueryRecord(ctx context.Context, rec QueryRecord) error
	// GetSuccessfulQueries returns the most recent successful queries, optionally
	// excluding one conversation.
	GetSuccessfulQueries(ctx context.Context, limit int, excludeConversationID string) ([]QueryRecord, error)
}

// ConversationStore extends HistoryRepository with the read paths used by the API.
type ConversationStore interface {
	HistoryRepository
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
}

// SchemaProvider retrieves database schema information.
type SchemaProvider interface {
	LoadSchema(ctx context.Context) (*Schema, error)
	// SchemaAsText returns the schema rendered for prompts.
	SchemaAsText(ctx context.Context) (string, error)
}

// Querier executes SQL queries.
type Querier interface {
	// Query executes a SQL query. Database errors may be reported either as
	// the returned error or in QueryResult.Error.
	Query(ctx context.Context, sql string) (QueryResult, error)
}

// Validator checks a SQL statement against the safety policy.
type Validator interface {
	Validate(sql string) ValidationResult
}

// ResponseFormatter renders a successful execution for the user.
type ResponseFormatter interface {
	Format(ctx context.Context, in FormatInput) (*FormattedResponse, error)
}

// QueryResult holds the raw result of a query execution.
type QueryResult struct {
	SQL     string
	Columns []string
	Rows    []map[string]any
	Count   int
	Error   string
}

// Role of a conversation message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	ID        int64          `json:"id,omitempty"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Extras    *MessageExtras `json:"extras,omitempty"`
	CreatedAt time.Time      `json:"createdAt,omitzero"`
}

// MessageExtras is structured metadata stored alongside an assistant message.
type MessageExtras struct {
	SQL          string `json:"sql,omitempty"`
	Intent       Intent `json:"intent,omitempty"`
	RowCount     int    `json:"rowCount,omitempty"`
	RetryCount   int    `json:"retryCount,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorKind    string `json:"errorKind,omitempty"`
	FormatMethod string `json:"formatMethod,omitempty"`
}

// Conversation is a conversation summary.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages,omitempty"`
}

// QueryRecord is a persisted query attempt. Successful records form the few-shot pool.
type QueryRecord struct {
	ConversationID string    `json:"conversationId,omitempty"`
	Question       string    `json:"question"`
	SQL            string    `json:"sql"`
	Intent         Intent    `json:"intent,omitempty"`
	Success        bool      `json:"success"`
	RowCount       int       `json:"rowCount,omitempty"`
	RetryCount     int       `json:"retryCount,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt,omitzero"`
}

// Example is a ranked few-shot example.
type Example struct {
	Question   string  `json:"question"`
	SQL        string  `json:"sql"`
	Intent     Intent  `json:"intent,omitempty"`
	Similarity float64 `json:"similarityScore"`
}

// Intent is the classified kind of question.
type Intent string

const (
	IntentDataRetrieval Intent = "data_retrieval"
	IntentAggregation   Intent = "aggregation"
	IntentFiltering     Intent = "filtering"
	IntentSorting       Intent = "sorting"
	IntentJoining       Intent = "joining"
	IntentUnknown       Intent = "unknown"
)

// ParseIntent maps a model-provided label to a known Intent.
func ParseIntent(s string) Intent {
	switch i := Intent(s); i {
	case IntentDataRetrieval, IntentAggregation, IntentFiltering, IntentSorting, IntentJoining:
		return i
	default:
		return IntentUnknown
	}
}

// ValidationResult is the outcome of a safety check. Errors is nil when Valid.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ExecErrorKind classifies an execution failure.
type ExecErrorKind string

const (
	ExecErrorTimeout   ExecErrorKind = "timeout"
	ExecErrorExecution ExecErrorKind = "execution_error"
)

// ExecutionResult is the outcome of running a query. Faults are reported here, never as errors.
type ExecutionResult struct {
	Success   bool             `json:"success"`
	Rows      []map[string]any `json:"rows,omitempty"`
	Count     int              `json:"count"`
	Columns   []string         `json:"columns,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind ExecErrorKind    `json:"errorType,omitempty"`
}

// ErrorKind tags user-visible failures.
type ErrorKind string

const (
	ErrorKindParse             ErrorKind = "parse_error"
	ErrorKindPolicyViolation   ErrorKind = "policy_violation"
	ErrorKindExecutionTimeout  ErrorKind = "execution_timeout"
	ErrorKindExecutionFault    ErrorKind = "execution_fault"
	ErrorKindGeneration        ErrorKind = "generation_failure"
	ErrorKindRetryExhausted    ErrorKind = "retry_exhausted"
	ErrorKindSchemaUnavailable ErrorKind = "schema_unavailable"
)

// ErrorKindForExecution maps an execution failure to its error kind.
func ErrorKindForExecution(r *ExecutionResult) ErrorKind {
	if r != nil && r.ErrorKind == ExecErrorTimeout {
		return ErrorKindExecutionTimeout
	}
	return ErrorKindExecutionFault
}

// FormatMethod records how a response was rendered.
type FormatMethod string

const (
	FormatMethodPython FormatMethod = "python"
	FormatMethodHybrid FormatMethod = "hybrid"
	FormatMethodLLM    FormatMethod = "llm"
)

// FormattedResponse is the user-facing rendering of a successful query.
type FormattedResponse struct {
	Markdown      string       `json:"markdown"`
	FormatMethod  FormatMethod `json:"formatMethod"`
	HasLLMSummary bool         `json:"hasLlmSummary"`
}

// FormatInput is what a ResponseFormatter needs to render a result.
type FormatInput struct {
	Question string
	SQL      string
	Intent   Intent
	Result   *ExecutionResult
}
