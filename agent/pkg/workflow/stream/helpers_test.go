package stream_test

import (
	"context"
	"sync"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/engine"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/stream"
)

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

func rows(n int) *workflow.ExecutionResult {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"id": int64(i + 1)}
	}
	return &workflow.ExecutionResult{Success: true, Rows: out, Count: n, Columns: []string{"id"}}
}

func setupUpdates(sql string) []workflow.Update {
	return []workflow.Update{
		{Stage: workflow.StageLoadContext, ConversationHistory: []workflow.Message{}},
		{Stage: workflow.StageAnalyzeIntent, Intent: workflow.Ptr(workflow.IntentDataRetrieval)},
		{Stage: workflow.StageRetrieveSchema, Schema: workflow.Ptr(productsSchema.Text()), SchemaInfo: productsSchema},
		{Stage: workflow.StageSearchHistory, SimilarExamples: []workflow.Example{}},
		{Stage: workflow.StageGenerateSQL, GeneratedSQL: workflow.Ptr(sql)},
	}
}

func successUpdates() []workflow.Update {
	return append(setupUpdates("SELECT * FROM products"),
		workflow.Update{Stage: workflow.StageValidateSQL, Validation: &workflow.ValidationResult{Valid: true}},
		workflow.Update{Stage: workflow.StageExecuteSQL, Execution: rows(5)},
		workflow.Update{Stage: workflow.StageSaveSuccess, Complete: true, FormattedResponse: &workflow.FormattedResponse{
			Markdown: "Here are the results:", FormatMethod: workflow.FormatMethodPython,
		}},
	)
}

func policyViolationUpdates() []workflow.Update {
	msg := "Validation failed: Only SELECT statements are allowed; Blocked keywords found: DROP"
	return append(setupUpdates("DROP TABLE products"),
		workflow.Update{
			Stage:        workflow.StageValidateSQL,
			Validation:   &workflow.ValidationResult{Valid: false, Errors: []string{"Only SELECT statements are allowed", "Blocked keywords found: DROP"}},
			ErrorMessage: &msg,
			ErrorKind:    workflow.Ptr(workflow.ErrorKindPolicyViolation),
		},
		workflow.Update{Stage: workflow.StageFail, Complete: true},
	)
}

func correctionUpdates() []workflow.Update {
	return append(setupUpdates("SELECT colour FROM products"),
		workflow.Update{Stage: workflow.StageValidateSQL, Validation: &workflow.ValidationResult{Valid: true}},
		workflow.Update{Stage: workflow.StageExecuteSQL, Execution: &workflow.ExecutionResult{
			Error: "no such column: colour", ErrorKind: workflow.ExecErrorExecution,
		}},
		workflow.Update{
			Stage:        workflow.StageCorrectError,
			RetryCount:   workflow.Ptr(1),
			ErrorMessage: workflow.Ptr("no such column: colour"),
			GeneratedSQL: workflow.Ptr("SELECT category FROM products"),
		},
		workflow.Update{Stage: workflow.StageValidateSQL, Validation: &workflow.ValidationResult{Valid: true}},
		workflow.Update{Stage: workflow.StageExecuteSQL, Execution: rows(3)},
		workflow.Update{Stage: workflow.StageSaveSuccess, Complete: true},
	)
}

// stepsFor applies updates to a fresh state the way the engine does and
// returns the resulting steps.
func stepsFor(updates []workflow.Update) []engine.Step {
	s := workflow.NewState("conv-1", "Show me all products")
	steps := make([]engine.Step, 0, len(updates))
	for _, u := range updates {
		if err := s.Apply(u); err != nil {
			panic(err)
		}
		steps = append(steps, engine.Step{Stage: u.Stage, Update: u, State: s.Clone()})
	}
	return steps
}

// scriptedRunner replays updates through an observer. When gate is set, it
// waits for a value before each step after the first.
type scriptedRunner struct {
	updates []workflow.Update
	gate    chan struct{}
	err     error

	mu        sync.Mutex
	cancelled bool
}

func (r *scriptedRunner) Run(ctx context.Context, s *workflow.State, obs engine.Observer) (*workflow.State, error) {
	for i, u := range r.updates {
		if i > 0 && r.gate != nil {
			select {
			case <-r.gate:
			case <-ctx.Done():
				r.markCancelled()
				return s, ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			r.markCancelled()
			return s, err
		}
		if err := s.Apply(u); err != nil {
			return s, err
		}
		if err := obs.Observe(ctx, engine.Step{Stage: u.Stage, Update: u, State: s.Clone()}); err != nil {
			r.markCancelled()
			return s, err
		}
	}
	return s, r.err
}

func (r *scriptedRunner) markCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
}

func (r *scriptedRunner) wasCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

type recordingSink struct {
	mu         sync.Mutex
	events     []stream.Event
	heartbeats int
	failOn     string
	sendErr    error
}

func (s *recordingSink) Send(ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && ev.Name == s.failOn {
		return s.sendErr
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *recordingSink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return names(s.events)
}

func (s *recordingSink) Heartbeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

func names(events []stream.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Name
	}
	return out
}

func count(events []stream.Event, name string) int {
	n := 0
	for _, ev := range events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func find(events []stream.Event, name string) []any {
	var out []any
	for _, ev := range events {
		if ev.Name == name {
			out = append(out, ev.Data)
		}
	}
	return out
}
