// Package engine drives the text-to-SQL workflow: a fixed set of stages
// connected by a transition table, with a bounded correction loop between
// validation, execution, and correction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/malbeclabs/sqlpilot/agent/pkg/sqlguard"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/prompts"
)

// Step is what an Observer sees after each stage: the stage that ran, the
// partial update it produced, and a snapshot of the state after the merge.
// Err is set when the stage failed and the run was routed to the fail stage.
type Step struct {
	Stage  workflow.Stage
	Update workflow.Update
	State  *workflow.State
	Err    error
}

// Observer receives every step in order. Observe runs on the engine's
// goroutine, so a slow observer slows the run. Returning an error aborts it.
type Observer interface {
	Observe(ctx context.Context, step Step) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, step Step) error

func (f ObserverFunc) Observe(ctx context.Context, step Step) error {
	return f(ctx, step)
}

// StageError is a stage failure that ends the run in the fail stage.
type StageError struct {
	Stage workflow.Stage
	Kind  workflow.ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrStepLimit is returned if a run visits more stages than the retry bound allows.
var ErrStepLimit = errors.New("workflow exceeded step limit")

type stageFunc func(ctx context.Context, s *workflow.State) (workflow.Update, error)

type edgeFunc func(s *workflow.State) workflow.Stage

// Engine runs workflows. It is safe for concurrent use; every run owns its state.
type Engine struct {
	cfg       *workflow.Config
	log       *slog.Logger
	prompts   *prompts.Prompts
	validator workflow.Validator
	executor  *workflow.Executor
	corrector *Corrector
	formatter workflow.ResponseFormatter

	stages      map[workflow.Stage]stageFunc
	transitions map[workflow.Stage]edgeFunc
	maxSteps    int
}

// New creates an Engine from cfg. Missing optional collaborators are filled
// with defaults.
func New(cfg *workflow.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Prompts == nil {
		p, err := prompts.Load("")
		if err != nil {
			return nil, fmt.Errorf("failed to load prompts: %w", err)
		}
		cfg.Prompts = p
	}
	if cfg.Validator == nil {
		cfg.Validator = sqlguard.New()
	}

	e := &Engine{
		cfg:       cfg,
		log:       cfg.Logger,
		prompts:   cfg.Prompts,
		validator: cfg.Validator,
		executor:  workflow.NewExecutor(cfg),
		corrector: NewCorrector(cfg.Generator, cfg.Prompts, cfg.MaxRetries),
		formatter: cfg.Formatter,
	}

	e.stages = map[workflow.Stage]stageFunc{
		workflow.StageLoadContext:    e.loadContext,
		workflow.StageAnalyzeIntent:  e.analyzeIntent,
		workflow.StageRetrieveSchema: e.retrieveSchema,
		workflow.StageSearchHistory:  e.searchHistory,
		workflow.StageGenerateSQL:    e.generateSQL,
		workflow.StageValidateSQL:    e.validateSQL,
		workflow.StageExecuteSQL:     e.executeSQL,
		workflow.StageCorrectError:   e.correctError,
		workflow.StageSaveSuccess:    e.saveSuccess,
		workflow.StageFail:           e.fail,
	}

	e.transitions = map[workflow.Stage]edgeFunc{
		workflow.StageLoadContext:    always(workflow.StageAnalyzeIntent),
		workflow.StageAnalyzeIntent:  always(workflow.StageRetrieveSchema),
		workflow.StageRetrieveSchema: always(workflow.StageSearchHistory),
		workflow.StageSearchHistory:  always(workflow.StageGenerateSQL),
		workflow.StageGenerateSQL:    always(workflow.StageValidateSQL),
		workflow.StageValidateSQL: func(s *workflow.State) workflow.Stage {
			if s.Validation != nil && s.Validation.Valid {
				return workflow.StageExecuteSQL
			}
			return workflow.StageFail
		},
		workflow.StageExecuteSQL: func(s *workflow.State) workflow.Stage {
			if s.Execution != nil && s.Execution.Success {
				return workflow.StageSaveSuccess
			}
			return workflow.StageCorrectError
		},
		workflow.StageCorrectError: func(s *workflow.State) workflow.Stage {
			if s.RetryCount < cfg.MaxRetries {
				return workflow.StageValidateSQL
			}
			return workflow.StageFail
		},
	}

	// Five setup stages, three stages per attempt, one terminal stage.
	e.maxSteps = 5 + 3*(cfg.MaxRetries+1) + 1

	return e, nil
}

func always(next workflow.Stage) edgeFunc {
	return func(*workflow.State) workflow.Stage { return next }
}

// StartConversation returns id if it names an existing conversation, and
// otherwise creates a new conversation and returns its ID.
func (e *Engine) StartConversation(ctx context.Context, id string) (string, error) {
	if id != "" {
		exists, err := e.cfg.History.ConversationExists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to check conversation: %w", err)
		}
		if exists {
			return id, nil
		}
	}
	newID := uuid.NewString()
	if err := e.cfg.History.CreateConversation(ctx, newID); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return newID, nil
}

// Run drives s from the first stage to a terminal stage. obs may be nil.
// Stage failures do not return an error: they route the run to the fail
// stage. Run returns an error only when ctx is done, the observer aborts,
// or the state rejects an update.
func (e *Engine) Run(ctx context.Context, s *workflow.State, obs Observer) (*workflow.State, error) {
	ctx = workflow.ContextWithWorkflowIDs(ctx, s.ConversationID, uuid.NewString())

	stage := workflow.StageLoadContext
	for step := 0; ; step++ {
		if step >= e.maxSteps {
			return s, ErrStepLimit
		}
		if err := ctx.Err(); err != nil {
			return s, err
		}

		e.log.Debug("workflow: running stage", "stage", stage, "conversation_id", s.ConversationID, "retry_count", s.RetryCount)
		update, stageErr := e.stages[stage](ctx, s)
		if stageErr != nil {
			if err := ctx.Err(); err != nil {
				return s, err
			}
			update = withFailure(update, stage, stageErr)
			e.log.Warn("workflow: stage failed", "stage", stage, "error", stageErr)
		}
		update.Stage = stage
		if stage.Terminal() {
			update.Complete = true
		}

		if err := s.Apply(update); err != nil {
			return s, err
		}
		if obs != nil {
			if err := obs.Observe(ctx, Step{Stage: stage, Update: update, State: s.Clone(), Err: stageErr}); err != nil {
				return s, err
			}
		}

		if stage.Terminal() {
			e.log.Info("workflow: complete", "stage", stage, "conversation_id", s.ConversationID, "retry_count", s.RetryCount, "error_kind", s.ErrorKind)
			return s, nil
		}
		if stageErr != nil {
			stage = workflow.StageFail
			continue
		}
		stage = e.transitions[stage](s)
	}
}

func withFailure(u workflow.Update, stage workflow.Stage, err error) workflow.Update {
	kind := workflow.ErrorKindGeneration
	var se *StageError
	if errors.As(err, &se) && se.Kind != "" {
		kind = se.Kind
	}
	u.ErrorMessage = workflow.Ptr(err.Error())
	u.ErrorKind = workflow.Ptr(kind)
	return u
}
