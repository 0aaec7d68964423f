package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// limitPattern matches a LIMIT keyword anywhere in the query.
var limitPattern = regexp.MustCompile(`(?i)\bLIMIT\b`)

// Executor runs validated SQL against a Querier with a row cap and a hard
// timeout. Every outcome, including panics in the querier, is reported as an
// ExecutionResult.
type Executor struct {
	querier Querier
	log     *slog.Logger
	clock   clockwork.Clock
	maxRows int
	timeout time.Duration
}

// NewExecutor creates an executor from the querier and limits in cfg.
func NewExecutor(cfg *Config) *Executor {
	e := &Executor{
		querier: cfg.Querier,
		log:     cfg.Logger,
		clock:   cfg.Clock,
		maxRows: cfg.MaxRows,
		timeout: cfg.QueryTimeout,
	}
	if e.log == nil {
		e.log = slog.New(slog.DiscardHandler)
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.timeout <= 0 {
		e.timeout = DefaultQueryTimeout
	}
	return e
}

// EnsureLimit appends a LIMIT clause when the query has none.
// A trailing semicolon is removed either way.
func EnsureLimit(sql string, maxRows int) string {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")
	sql = strings.TrimSpace(sql)
	if maxRows > 0 && !limitPattern.MatchString(sql) {
		sql = fmt.Sprintf("%s LIMIT %d", sql, maxRows)
	}
	return sql
}

type queryOutcome struct {
	result QueryResult
	err    error
}

// Execute runs sql and never returns an error.
func (e *Executor) Execute(ctx context.Context, sql string) *ExecutionResult {
	sql = EnsureLimit(sql, e.maxRows)

	queryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := e.clock.NewTimer(e.timeout)
	defer timer.Stop()

	done := make(chan queryOutcome, 1)
	start := e.clock.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- queryOutcome{err: fmt.Errorf("query panicked: %v", r)}
			}
		}()
		res, err := e.querier.Query(queryCtx, sql)
		done <- queryOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return e.toResult(sql, out, e.clock.Since(start))
	case <-timer.Chan():
		e.log.Warn("executor: query timed out", "timeout", e.timeout, "sql", sql)
		return &ExecutionResult{
			Success:   false,
			Error:     fmt.Sprintf("Query execution timeout (>%ds)", int(e.timeout.Seconds())),
			ErrorKind: ExecErrorTimeout,
		}
	case <-ctx.Done():
		return &ExecutionResult{
			Success:   false,
			Error:     ctx.Err().Error(),
			ErrorKind: ExecErrorExecution,
		}
	}
}

func (e *Executor) toResult(sql string, out queryOutcome, elapsed time.Duration) *ExecutionResult {
	errMsg := out.result.Error
	if out.err != nil {
		errMsg = out.err.Error()
	}
	if errMsg != "" {
		e.log.Info("executor: query failed", "error", errMsg, "duration", elapsed)
		return &ExecutionResult{
			Success:   false,
			Error:     errMsg,
			ErrorKind: ExecErrorExecution,
		}
	}

	rows := out.result.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	SanitizeRows(rows)

	columns := []string{}
	if len(rows) > 0 {
		columns = out.result.Columns
		if len(columns) == 0 {
			columns = slices.Sorted(maps.Keys(rows[0]))
		}
	}

	e.log.Info("executor: query complete", "rows", len(rows), "duration", elapsed)
	return &ExecutionResult{
		Success: true,
		Rows:    rows,
		Count:   len(rows),
		Columns: columns,
	}
}
