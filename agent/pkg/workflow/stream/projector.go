package stream

import (
	"slices"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/engine"
)

// lastEmitted holds the last value sent for each deduplicated field.
type lastEmitted struct {
	stage    workflow.Stage
	intent   workflow.Intent
	schema   string
	examples []workflow.Example
	sql      string
}

// Projector converts engine steps into events. Stage, intent, schema,
// examples, and SQL are sent only when they change; validation and
// execution outcomes are sent on every visit. A Projector serves one stream
// and is not safe for concurrent use.
type Projector struct {
	last        lastEmitted
	started     bool
	historySent bool
	done        bool
}

// NewProjector creates a Projector.
func NewProjector() *Projector {
	return &Projector{}
}

// Start returns the conversation_id event. It must be called before Project
// and only the first call produces an event.
func (p *Projector) Start(conversationID string) []Event {
	if p.started {
		return nil
	}
	p.started = true
	return []Event{{Name: EventConversationID, Data: ConversationIDPayload{ConversationID: conversationID}}}
}

// Done reports whether the complete event has been produced.
func (p *Projector) Done() bool {
	return p.done
}

// Project returns the events for one step. After the complete event it
// returns nothing.
func (p *Projector) Project(step engine.Step) []Event {
	if p.done || step.State == nil {
		return nil
	}
	s := step.State
	var events []Event

	if s.CurrentStage != "" && s.CurrentStage != p.last.stage {
		events = append(events, Event{Name: EventStage, Data: StagePayload{
			Stage:   s.CurrentStage,
			Message: s.CurrentStage.Message(),
			Icon:    s.CurrentStage.Icon(),
		}})
		p.last.stage = s.CurrentStage
	}

	if step.Stage == workflow.StageLoadContext && !p.historySent {
		history := s.ConversationHistory
		if history == nil {
			history = []workflow.Message{}
		}
		events = append(events, Event{Name: EventConversationHistory, Data: ConversationHistoryPayload{
			Count:    len(history),
			Messages: history,
		}})
		p.historySent = true
	}

	if s.Intent != "" && s.Intent != p.last.intent {
		events = append(events, Event{Name: EventIntent, Data: IntentPayload{Intent: s.Intent, Details: s.IntentDetails}})
		p.last.intent = s.Intent
	}

	if s.Schema != "" && s.Schema != p.last.schema {
		payload := SchemaPayload{Tables: []workflow.Table{}}
		if s.SchemaInfo != nil {
			payload.Tables = s.SchemaInfo.Tables
			payload.Relationships = s.SchemaInfo.Relationships
		}
		events = append(events, Event{Name: EventSchema, Data: payload})
		p.last.schema = s.Schema
	}

	if len(s.SimilarExamples) > 0 && !slices.Equal(s.SimilarExamples, p.last.examples) {
		events = append(events, Event{Name: EventSimilarExamples, Data: SimilarExamplesPayload{
			Count:    len(s.SimilarExamples),
			Examples: s.SimilarExamples,
		}})
		p.last.examples = s.SimilarExamples
	}

	if s.GeneratedSQL != "" && s.GeneratedSQL != p.last.sql {
		events = append(events, Event{Name: EventSQL, Data: SQLPayload{SQL: s.GeneratedSQL, Explanation: s.SQLExplanation}})
		p.last.sql = s.GeneratedSQL
	}

	if v := step.Update.Validation; v != nil {
		events = append(events, Event{Name: EventValidation, Data: ValidationPayload{Valid: v.Valid, Errors: v.Errors}})
	}

	if r := step.Update.Execution; r != nil {
		if r.Success {
			rows := r.Rows
			if rows == nil {
				rows = []map[string]any{}
			}
			events = append(events, Event{Name: EventResult, Data: ResultPayload{Rows: rows, Count: r.Count, Columns: r.Columns}})
		} else {
			events = append(events, Event{Name: EventError, Data: ErrorPayload{Error: r.Error, RetryCount: s.RetryCount}})
		}
	}

	if step.Err != nil {
		events = append(events, Event{Name: EventError, Data: ErrorPayload{Error: step.Err.Error(), RetryCount: s.RetryCount}})
	}

	if f := step.Update.FormattedResponse; f != nil && f.Markdown != "" {
		events = append(events, Event{Name: EventFormattedResponse, Data: *f})
	}

	if s.IsComplete {
		events = append(events, p.complete(s))
	}
	return events
}

// Abort returns the events that end a stream whose run stopped before
// reaching a terminal stage.
func (p *Projector) Abort(s *workflow.State, err error) []Event {
	if p.done {
		return nil
	}
	p.done = true
	payload := CompletePayload{Success: false, Message: completeFailureMessage, Error: err.Error()}
	if s != nil {
		payload.SQL = s.GeneratedSQL
		payload.ErrorKind = s.ErrorKind
	}
	return []Event{
		{Name: EventError, Data: ErrorPayload{Error: err.Error(), RetryCount: retryCount(s)}},
		{Name: EventComplete, Data: payload},
	}
}

func (p *Projector) complete(s *workflow.State) Event {
	p.done = true
	if s.CurrentStage == workflow.StageSaveSuccess {
		return Event{Name: EventComplete, Data: CompletePayload{Success: true, Message: completeSuccessMessage}}
	}
	return Event{Name: EventComplete, Data: CompletePayload{
		Success:   false,
		Message:   completeFailureMessage,
		SQL:       s.GeneratedSQL,
		ErrorKind: s.ErrorKind,
		Error:     s.ErrorMessage,
	}}
}

func retryCount(s *workflow.State) int {
	if s == nil {
		return 0
	}
	return s.RetryCount
}
