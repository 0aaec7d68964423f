package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow/engine"
)

// DefaultHeartbeatInterval keeps idle connections open through proxies.
const DefaultHeartbeatInterval = 15 * time.Second

// Sink is the transport a Streamer writes to.
type Sink interface {
	Send(ev Event) error
	// Heartbeat writes a keep-alive that carries no event.
	Heartbeat() error
}

// Runner runs one workflow. *engine.Engine implements it.
type Runner interface {
	Run(ctx context.Context, s *workflow.State, obs engine.Observer) (*workflow.State, error)
}

// Metrics receives the outcome of every streamed run.
type Metrics interface {
	RecordWorkflow(outcome string, retries int, duration time.Duration)
}

// Config configures a Streamer.
type Config struct {
	Logger            *slog.Logger
	Clock             clockwork.Clock
	Runner            Runner
	Metrics           Metrics // Optional
	HeartbeatInterval time.Duration
}

// Streamer runs a workflow and forwards its events to a Sink. The engine
// runs on its own goroutine and hands over one step at a time, so it never
// gets more than one stage ahead of the client.
type Streamer struct {
	cfg Config
	log *slog.Logger
}

// NewStreamer creates a Streamer.
func NewStreamer(cfg Config) (*Streamer, error) {
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Streamer{cfg: cfg, log: cfg.Logger}, nil
}

type runResult struct {
	state *workflow.State
	err   error
}

// Stream answers question in conversationID, writing events to sink until the
// complete event has been sent. It returns an error if the sink fails or ctx
// is done first; the run is abandoned at its next stage boundary.
func (s *Streamer) Stream(ctx context.Context, conversationID, question string, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := s.cfg.Clock.Now()
	proj := NewProjector()
	if err := sendAll(sink, proj.Start(conversationID)); err != nil {
		return err
	}

	steps := make(chan engine.Step)
	done := make(chan runResult, 1)
	state := workflow.NewState(conversationID, question)

	go func() {
		observer := engine.ObserverFunc(func(ctx context.Context, step engine.Step) error {
			select {
			case steps <- step:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		st, err := s.cfg.Runner.Run(ctx, state, observer)
		done <- runResult{state: st, err: err}
	}()

	// abandon stops the run and waits for its goroutine to exit.
	abandon := func() {
		cancel()
		<-done
	}

	heartbeat := s.cfg.Clock.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case step := <-steps:
			if err := sendAll(sink, proj.Project(step)); err != nil {
				abandon()
				return fmt.Errorf("failed to send event: %w", err)
			}
			if proj.Done() {
				res := <-done
				s.record(res.state, start)
				return nil
			}

		case res := <-done:
			// The run ended without a terminal step.
			if err := ctx.Err(); err != nil {
				return err
			}
			s.log.Error("stream: workflow aborted", "conversation_id", conversationID, "error", res.err)
			s.record(res.state, start)
			runErr := res.err
			if runErr == nil {
				runErr = errors.New("workflow ended unexpectedly")
			}
			return sendAll(sink, proj.Abort(res.state, runErr))

		case <-heartbeat.Chan():
			if err := sink.Heartbeat(); err != nil {
				abandon()
				return fmt.Errorf("failed to send heartbeat: %w", err)
			}

		case <-ctx.Done():
			s.log.Info("stream: client disconnected", "conversation_id", conversationID)
			abandon()
			return ctx.Err()
		}
	}
}

func (s *Streamer) record(st *workflow.State, start time.Time) {
	if s.cfg.Metrics == nil || st == nil {
		return
	}
	outcome := "aborted"
	switch {
	case st.CurrentStage == workflow.StageSaveSuccess:
		outcome = "success"
	case st.CurrentStage == workflow.StageFail && st.ErrorKind != "":
		outcome = string(st.ErrorKind)
	case st.CurrentStage == workflow.StageFail:
		outcome = "failed"
	}
	s.cfg.Metrics.RecordWorkflow(outcome, st.RetryCount, s.cfg.Clock.Since(start))
}

func sendAll(sink Sink, events []Event) error {
	for _, ev := range events {
		if err := sink.Send(ev); err != nil {
			return err
		}
	}
	return nil
}
