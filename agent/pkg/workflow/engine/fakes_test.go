package engine_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
)

// fakeGenerator answers intent requests with a fixed intent and SQL requests
// from a queue. The last queued SQL is repeated once the queue is drained.
type fakeGenerator struct {
	mu          sync.Mutex
	intent      string
	intentErr   error
	sqls        []string
	generateErr error
	correctErr  error

	intentCalls   int
	generateCalls int
	correctCalls  int
	prompts       []string
}

func (g *fakeGenerator) Generate(ctx context.Context, req workflow.GenerateRequest) (string, error) {
	return "", errors.New("unexpected free-text generation")
}

func (g *fakeGenerator) GenerateStructured(ctx context.Context, req workflow.StructuredRequest, out any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, req.Prompt)

	switch {
	case strings.Contains(req.Schema, `"intent"`):
		g.intentCalls++
		if g.intentErr != nil {
			return g.intentErr
		}
		return workflow.DecodeStructured(fmt.Sprintf(`{"intent": %q, "confidence": 0.9, "details": "all columns"}`, g.intent), out)
	case strings.Contains(req.Prompt, "Failed SQL query"):
		g.correctCalls++
		if g.correctErr != nil {
			return g.correctErr
		}
	default:
		g.generateCalls++
		if g.generateErr != nil {
			return g.generateErr
		}
	}

	sql := g.sqls[0]
	if len(g.sqls) > 1 {
		g.sqls = g.sqls[1:]
	}
	return workflow.DecodeStructured(fmt.Sprintf(`{"sql": %q, "explanation": "test"}`, sql), out)
}

func (g *fakeGenerator) FormatConversationHistory(history []workflow.Message) string {
	return workflow.FormatTranscript(history)
}

type savedMessage struct {
	ConversationID string
	Role           string
	Content        string
	Extras         *workflow.MessageExtras
}

type fakeHistory struct {
	mu            sync.Mutex
	conversations map[string]bool
	messages      []savedMessage
	records       []workflow.QueryRecord
	getErr        error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{conversations: map[string]bool{}}
}

func (h *fakeHistory) ConversationExists(ctx context.Context, id string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conversations[id], nil
}

func (h *fakeHistory) CreateConversation(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conversations[id] = true
	return nil
}

func (h *fakeHistory) SaveMessage(ctx context.Context, conversationID, role, content string, extras *workflow.MessageExtras) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, savedMessage{ConversationID: conversationID, Role: role, Content: content, Extras: extras})
	return nil
}

func (h *fakeHistory) GetMessages(ctx context.Context, conversationID string, limit int) ([]workflow.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.getErr != nil {
		return nil, h.getErr
	}
	var out []workflow.Message
	for _, m := range h.messages {
		if m.ConversationID == conversationID {
			out = append(out, workflow.Message{Role: m.Role, Content: m.Content, Extras: m.Extras})
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (h *fakeHistory) SaveQueryRecord(ctx context.Context, rec workflow.QueryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *fakeHistory) GetSuccessfulQueries(ctx context.Context, limit int, excludeConversationID string) ([]workflow.QueryRecord, error) {
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

type fakeSchema struct {
	err error
}

var productsSchema = &workflow.Schema{
	Tables: []workflow.Table{{
		Name: "products",
		Columns: []workflow.Column{
			{Name: "id", Type: "INTEGER", PrimaryKey: true},
			{Name: "name", Type: "TEXT"},
			{Name: "price", Type: "REAL"},
			{Name: "category", Type: "TEXT"},
			{Name: "stock", Type: "INTEGER"},
		},
	}},
}

func (f *fakeSchema) LoadSchema(ctx context.Context) (*workflow.Schema, error) {
	if f.err != nil {
		return nil, f.err
	}
	return productsSchema, nil
}

func (f *fakeSchema) SchemaAsText(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return productsSchema.Text(), nil
}

type fakeQuerier struct {
	mu        sync.Mutex
	QueryFunc func(n int, sql string) (workflow.QueryResult, error)
	calls     []string
}

func (q *fakeQuerier) Query(ctx context.Context, sql string) (workflow.QueryResult, error) {
	q.mu.Lock()
	q.calls = append(q.calls, sql)
	n := len(q.calls)
	q.mu.Unlock()
	return q.QueryFunc(n, sql)
}

func (q *fakeQuerier) Calls() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.calls)
}

func fiveProducts(int, string) (workflow.QueryResult, error) {
	rows := make([]map[string]any, 5)
	for i := range rows {
		rows[i] = map[string]any{"id": int64(i + 1), "name": fmt.Sprintf("p%d", i+1), "price": 10.0, "category": "c", "stock": int64(3)}
	}
	return workflow.QueryResult{Columns: []string{"id", "name", "price", "category", "stock"}, Rows: rows}, nil
}

type fakeFormatter struct{}

func (fakeFormatter) Format(ctx context.Context, in workflow.FormatInput) (*workflow.FormattedResponse, error) {
	return &workflow.FormattedResponse{
		Markdown:     fmt.Sprintf("Found %d rows", in.Result.Count),
		FormatMethod: workflow.FormatMethodPython,
	}, nil
}
