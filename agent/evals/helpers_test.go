//go:build evals

package evals_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sqlpilot/agent/pkg/format"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/engine"
	"github.com/malbeclabs/sqlpilot/api/querier"
)

func init() {
	possiblePaths := []string{".env", filepath.Join("..", "..", ".env")}

	for _, path := range possiblePaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}
}

func requireAPIKey(t *testing.T) {
	t.Helper()
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		t.Skip("ANTHROPIC_API_KEY not set, skipping eval test")
	}
}

func getDebugLevel() (int, bool) {
	debugLevel := 0
	switch os.Getenv("DEBUG") {
	case "1", "true", "TRUE":
		debugLevel = 1
	case "2":
		debugLevel = 2
	}
	return debugLevel, debugLevel > 0
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}

func testLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// memHistory is an in-memory workflow.HistoryRepository.
type memHistory struct {
	mu            sync.Mutex
	conversations map[string]bool
	messages      map[string][]workflow.Message
	records       []workflow.QueryRecord
}

func newMemHistory() *memHistory {
	return &memHistory{
		conversations: map[string]bool{},
		messages:      map[string][]workflow.Message{},
	}
}

func (h *memHistory) ConversationExists(ctx context.Context, id string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conversations[id], nil
}

func (h *memHistory) CreateConversation(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conversations[id] = true
	return nil
}

func (h *memHistory) SaveMessage(ctx context.Context, conversationID, role, content string, extras *workflow.MessageExtras) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[conversationID] = append(h.messages[conversationID], workflow.Message{
		Role:      role,
		Content:   content,
		Extras:    extras,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (h *memHistory) GetMessages(ctx context.Context, conversationID string, limit int) ([]workflow.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

func (h *memHistory) SaveQueryRecord(ctx context.Context, rec workflow.QueryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *memHistory) GetSuccessfulQueries(ctx context.Context, limit int, excludeConversationID string) ([]workflow.QueryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []workflow.QueryRecord
	for _, rec := range slices.Backward(h.records) {
		if !rec.Success || (excludeConversationID != "" && rec.ConversationID == excludeConversationID) {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type demoSchemaSource struct{}

func (demoSchemaSource) FetchSchema(ctx context.Context) (*workflow.Schema, error) {
	return querier.DemoSchema(), nil
}

// evalHarness runs questions end to end against the demo store.
type evalHarness struct {
	engine  *engine.Engine
	history *memHistory
	querier *querier.SQLite
	debug   int
}

func newEvalHarness(t *testing.T) *evalHarness {
	t.Helper()
	debugLevel, debug := getDebugLevel()

	db, err := querier.OpenSQLite(filepath.Join(t.TempDir(), "target.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, querier.SeedDemo(t.Context(), db))

	log := testLogger(debug)
	gen := workflow.NewAnthropicGenerator(workflow.AnthropicConfig{
		Model: string(anthropic.ModelClaudeHaiku4_5), // Use Haiku for faster/cheaper eval tests
	})
	formatter, err := format.New(format.Config{Logger: log, Generator: gen, EnableInsights: true})
	require.NoError(t, err)

	history := newMemHistory()
	q := querier.NewSQLite(db)
	eng, err := engine.New(&workflow.Config{
		Logger:    log,
		Generator: gen,
		History:   history,
		Schema:    workflow.NewCachedSchemaProvider(demoSchemaSource{}),
		Querier:   q,
		Formatter: formatter,
	})
	require.NoError(t, err)

	return &evalHarness{engine: eng, history: history, querier: q, debug: debugLevel}
}

// ask runs question in conversationID, starting a new conversation when it is empty.
func (h *evalHarness) ask(t *testing.T, conversationID, question string) *workflow.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Minute)
	defer cancel()

	convID, err := h.engine.StartConversation(ctx, conversationID)
	require.NoError(t, err)

	obs := engine.ObserverFunc(func(ctx context.Context, step engine.Step) error {
		switch {
		case h.debug == 1:
			t.Logf("stage %s err=%v", step.Stage, step.Err)
		case h.debug > 1:
			t.Logf("stage %s err=%v sql=%s", step.Stage, step.Err, truncate(step.State.GeneratedSQL, 500))
		}
		return nil
	})

	state, err := h.engine.Run(ctx, workflow.NewState(convID, question), obs)
	require.NoError(t, err)
	return state
}

// Expectation is a fact the evaluator must find in the response.
type Expectation struct {
	Description   string
	ExpectedValue string
	Rationale     string
}

// evaluateResponse asks Haiku whether response answers question and meets every expectation.
func evaluateResponse(t *testing.T, ctx context.Context, question, response string, expectations ...Expectation) (bool, error) {
	var expectationsSection string
	if len(expectations) > 0 {
		var lines []string
		for i, exp := range expectations {
			line := fmt.Sprintf("%d. %s: %s", i+1, exp.Description, exp.ExpectedValue)
			if exp.Rationale != "" {
				line += fmt.Sprintf(" (%s)", exp.Rationale)
			}
			lines = append(lines, line)
		}
		expectationsSection = fmt.Sprintf(`
CRITICAL - Expectations to verify (ALL must be present):
%s

If ALL expectations are met, respond with "YES" even if the response contains additional relevant information.
Only respond with "NO" if one or more expectations are NOT met.
`, strings.Join(lines, "\n"))
	}

	evalPrompt := fmt.Sprintf(`You are evaluating whether an AI agent's response correctly handles a user's question.

Question: %s

Agent's Response:
%s
%s
IMPORTANT:
- The agent queries an internal database. The expectations above define the CORRECT values. Do NOT fact-check against external knowledge.
- Additional relevant context beyond the expectations is ACCEPTABLE.

Respond with only "YES" or "NO" followed by a brief explanation.`, question, response, expectationsSection)

	evaluator := workflow.NewAnthropicGenerator(workflow.AnthropicConfig{
		Model:     string(anthropic.ModelClaudeHaiku4_5),
		MaxTokens: 1024,
	})
	verdict, err := evaluator.Generate(ctx, workflow.GenerateRequest{
		SystemPrompt: "You are a test evaluator. Respond with YES or NO followed by a brief explanation.",
		Prompt:       evalPrompt,
	})
	if err != nil {
		return false, fmt.Errorf("evaluation API call failed: %w", err)
	}

	text := strings.TrimSpace(verdict)
	upper := strings.ToUpper(text)
	switch {
	case strings.HasPrefix(upper, "YES"):
		t.Logf("Evaluation (PASS): %s", strings.TrimLeft(text[3:], ":-\t "))
		return true, nil
	case strings.HasPrefix(upper, "NO"):
		t.Logf("Evaluation (FAIL): %s", strings.TrimLeft(text[2:], ":-\t "))
		return false, nil
	}

	t.Logf("Evaluation response was unclear: %s", text)
	return false, nil
}
