// Package execution maintains the per-execution record: an ordered,
// monotonic sequence of step results terminated by a FINAL tool request or
// a fatal citation error.
//
// The Runner owns the orchestrator-side half of the step contract: it
// threads state between steps, injects resolved tool results before the
// next step runs, and hands the sealed span log to the citation engine on
// FINAL.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/0xfauzi/rlm-core/rlmcore/citation"
	"github.com/0xfauzi/rlm-core/rlmcore/config"
	"github.com/0xfauzi/rlm-core/rlmcore/executor"
	"github.com/0xfauzi/rlm-core/rlmcore/sandbox"
	"github.com/0xfauzi/rlm-core/rlmcore/spanlog"
)

// Terminal outcomes of an execution.
const (
	TerminalFinal          = "final"
	TerminalCitationFailed = "citation_failed"
	TerminalAborted        = "aborted"
)

// Execution is the record of one program execution across steps.
type Execution struct {
	ID        string                `json:"id"`
	SessionID string                `json:"session_id"`
	Steps     []executor.StepResult `json:"steps"`
	Citations []citation.SpanRef    `json:"citations,omitempty"`

	Terminated      bool       `json:"terminated"`
	TerminalOutcome string     `json:"terminal_outcome,omitempty"`
	Answer          string     `json:"answer,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	state    json.RawMessage
	resolved map[string]any
}

// New creates an Execution. An empty sessionID gets a generated one.
func New(sessionID string) *Execution {
	if sessionID == "" {
		sessionID = "sess_" + uuid.New().String()[:16]
	}
	return &Execution{
		ID:        "exec_" + uuid.New().String()[:16],
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
		state:     json.RawMessage(`{}`),
		resolved:  make(map[string]any),
	}
}

// State returns the JSON state that will flow into the next step.
func (e *Execution) State() json.RawMessage {
	return e.state
}

// SeedState replaces the initial state before any step has run. The value
// must be a JSON object.
func (e *Execution) SeedState(state json.RawMessage) error {
	if len(e.Steps) > 0 {
		return fmt.Errorf("execution %s has already started", e.ID)
	}
	if _, err := sandbox.DecodeState(state); err != nil {
		return err
	}
	e.state = state
	return nil
}

// ResolveTool records the resolved value for an enqueued tool request. The
// result is injected into the next step's state under the reserved key.
func (e *Execution) ResolveTool(handle string, result any) {
	e.resolved[handle] = result
}

// StepIndex returns the index of the next step to run.
func (e *Execution) StepIndex() int {
	return len(e.Steps)
}

func (e *Execution) seal(outcome string) {
	now := time.Now().UTC()
	e.Terminated = true
	e.TerminalOutcome = outcome
	e.CompletedAt = &now
}

// Logger interface for the runner.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Runner drives steps of an execution in order.
type Runner struct {
	executor  *executor.Executor
	citations *citation.Engine
	limits    config.LimitsProvider
	logger    Logger
}

// NewRunner creates a Runner. limits and logger may be nil.
func NewRunner(exec *executor.Executor, citations *citation.Engine, limits config.LimitsProvider, logger Logger) *Runner {
	if limits == nil {
		limits = config.NewStaticLimitsProvider(nil)
	}
	return &Runner{executor: exec, citations: citations, limits: limits, logger: logger}
}

// Step runs the next step of exec with programText. On FINAL it derives
// citations and seals the execution; an uncovered candidate fails the
// execution with UnseenSpan.
func (r *Runner) Step(ctx context.Context, exec *Execution, programText string, descriptor executor.ContextDescriptor) (executor.StepResult, error) {
	if exec.Terminated {
		return executor.StepResult{}, fmt.Errorf("execution %s is sealed", exec.ID)
	}
	if descriptor.SessionID == "" {
		descriptor.SessionID = exec.SessionID
	}

	req := executor.Request{
		ProgramText: programText,
		StateIn:     exec.state,
		Descriptor:  descriptor,
		ToolResults: exec.pendingResolved(),
		Limits:      r.limits.GetStepLimits(),
	}

	res := r.executor.RunStep(ctx, req)
	exec.Steps = append(exec.Steps, res)

	switch res.Outcome {
	case executor.OutcomeOK:
		exec.commitState(res.StateOut)

	case executor.OutcomeFinal:
		exec.commitState(res.StateOut)
		if err := r.finalize(ctx, exec, res); err != nil {
			return res, err
		}

	default:
		// Errors, rejections, and limits discard the step's state
		// mutation; the execution may continue with a new program.
		// Pending tool resolutions stay queued for that next step -
		// the failed step never durably observed them.
	}

	return res, nil
}

// finalize derives citations from the final step and seals the execution.
func (r *Runner) finalize(ctx context.Context, exec *Execution, res executor.StepResult) error {
	log := spanlog.NewLog(0)
	for _, entry := range res.SpanLog {
		if err := log.Append(entry); err != nil {
			return err
		}
	}
	log.Seal()

	refs, err := r.citations.Derive(ctx, log, res.Final.Spans)
	if err != nil {
		var unseen *citation.UnseenSpanError
		if errors.As(err, &unseen) {
			exec.seal(TerminalCitationFailed)
			if r.logger != nil {
				r.logger.Warn("execution_citation_failed",
					"execution_id", exec.ID,
					"doc_id", unseen.DocumentID,
					"start", unseen.Start,
					"end", unseen.End,
				)
			}
		}
		return err
	}

	exec.Citations = refs
	exec.Answer = res.Final.Answer
	exec.seal(TerminalFinal)

	if r.logger != nil {
		r.logger.Info("execution_finalized",
			"execution_id", exec.ID,
			"citations", len(refs),
			"steps", len(exec.Steps),
		)
	}
	return nil
}

// Abort seals a non-terminated execution without citations.
func (e *Execution) Abort() {
	if !e.Terminated {
		e.seal(TerminalAborted)
	}
}

// pendingResolved returns a copy of the pending tool results for injection.
// The pending set is cleared only by commitState: a step that fails discards
// its state mutation, so the injected results were never durably consumed
// and must be re-injected before the next step.
func (e *Execution) pendingResolved() map[string]any {
	if len(e.resolved) == 0 {
		return nil
	}
	out := make(map[string]any, len(e.resolved))
	for handle, result := range e.resolved {
		out[handle] = result
	}
	return out
}

// commitState replaces the execution state after a committed step. The state
// now carries the injected results under the reserved key, so the pending
// set is consumed.
func (e *Execution) commitState(state json.RawMessage) {
	e.state = state
	e.resolved = make(map[string]any)
}
