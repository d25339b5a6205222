// Package executor runs one validated step program inside the sandbox.
//
// RunStep is a pure function of (program_text, state_in, descriptor,
// limits) given a fixed canonical corpus: identical inputs produce
// byte-identical stdout, stderr, state_out, span log, and tool requests.
// Steps are single-threaded and run to completion or cap; the executor is
// reentrant and independent invocations share no mutable state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.starlark.net/starlark"

	"github.com/0xfauzi/rlm-core/rlmcore/artifact"
	"github.com/0xfauzi/rlm-core/rlmcore/config"
	"github.com/0xfauzi/rlm-core/rlmcore/observability"
	"github.com/0xfauzi/rlm-core/rlmcore/policy"
	"github.com/0xfauzi/rlm-core/rlmcore/sandbox"
	"github.com/0xfauzi/rlm-core/rlmcore/spanlog"
)

// ToolResultsKey is the reserved state key under which the orchestrator
// injects resolved tool results before a step runs.
const ToolResultsKey = "__tool_results__"

// Logger interface for the executor.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

var tracer = otel.Tracer("rlm-core/executor")

// Executor prepares and runs steps against a canonical reader. The reader
// is shared read-only; everything else is per-step.
type Executor struct {
	reader artifact.CanonicalReader
	logger Logger
}

// New creates an Executor. logger may be nil.
func New(reader artifact.CanonicalReader, logger Logger) *Executor {
	return &Executor{reader: reader, logger: logger}
}

// RunStep validates and executes one step program, returning its StepResult.
func (e *Executor) RunStep(ctx context.Context, req Request) StepResult {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "executor.run_step")
	defer span.End()

	res := e.runStep(ctx, req)
	res.DurationMS = int(time.Since(started).Milliseconds())

	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("span_entries", len(res.SpanLog)),
		attribute.Int("tool_requests", len(res.ToolRequests)),
	)
	observability.RecordStep(string(res.Outcome), res.DurationMS)
	observability.RecordSpanEntries(len(res.SpanLog))

	if e.logger != nil {
		e.logger.Info("step_completed",
			"session_id", req.Descriptor.SessionID,
			"outcome", string(res.Outcome),
			"span_entries", len(res.SpanLog),
			"tool_requests", len(res.ToolRequests),
			"duration_ms", res.DurationMS,
		)
	}
	return res
}

func (e *Executor) runStep(ctx context.Context, req Request) StepResult {
	limits := req.Limits
	if limits == nil {
		limits = config.DefaultStepLimits()
	}

	// 1. Static validation. Rejection precedes any side effect: no span
	// log, no state mutation.
	file, viol := policy.Validate(req.ProgramText)
	if viol != nil {
		observability.RecordPolicyRejection(string(viol.Code))
		return StepResult{
			Outcome:      OutcomePolicyReject,
			ToolRequests: []sandbox.ToolRequest{},
			Error: &ErrorInfo{
				Code:    string(viol.Code),
				Message: viol.Error(),
			},
		}
	}

	// 2. Boundary state validation.
	if limits.MaxStateBytes > 0 && len(req.StateIn) > limits.MaxStateBytes {
		return stepError("BadState", fmt.Sprintf("state_in exceeds %d bytes", limits.MaxStateBytes), "")
	}
	stateMap, err := sandbox.DecodeState(req.StateIn)
	if err != nil {
		return stepError("BadState", err.Error(), "")
	}

	// 3. Merge resolved tool results under the reserved key.
	resolved := map[string]any{}
	if prior, ok := stateMap[ToolResultsKey].(map[string]any); ok {
		for handle, result := range prior {
			resolved[handle] = result
		}
	}
	for handle, result := range req.ToolResults {
		resolved[handle] = result
	}
	if len(resolved) > 0 {
		stateMap[ToolResultsKey] = resolved
	}

	// 4. Fresh capabilities bound to the descriptor.
	docs := make([]sandbox.DocInfo, len(req.Descriptor.Documents))
	for i, docID := range req.Descriptor.Documents {
		exists, err := e.reader.Exists(ctx, docID)
		if err != nil {
			return stepError(errorCode(err), err.Error(), "")
		}
		if !exists {
			notFound := &sandbox.DocNotFoundError{Ref: docID}
			return stepError("DocNotFound", notFound.Error(), "")
		}
		length, err := e.reader.Length(ctx, docID)
		if err != nil {
			return stepError(errorCode(err), err.Error(), "")
		}
		docs[i] = sandbox.DocInfo{ID: docID, Length: length}
	}

	log := spanlog.NewLog(limits.MaxSpanEntries)
	queue := sandbox.NewToolQueue(limits.MaxToolRequests)
	env := &sandbox.Env{
		GoCtx:    ctx,
		Reader:   e.reader,
		Log:      log,
		Queue:    queue,
		Docs:     docs,
		Resolved: resolved,
	}

	ctxVal, err := sandbox.NewContext(env)
	if err != nil {
		return stepError(errorCode(err), err.Error(), "")
	}
	toolVal := sandbox.NewTool(env)
	stateVal, err := sandbox.ToStarlark(stateMap)
	if err != nil {
		return stepError("BadState", err.Error(), "")
	}

	predeclared := starlark.StringDict{
		"ctx":   ctxVal,
		"tool":  toolVal,
		"state": stateVal,
	}
	for name, builtin := range sandbox.Builtins() {
		predeclared[name] = builtin
	}

	// 5. Execute under the wall clock and step ceiling.
	stdout := &cappedBuffer{limit: limits.MaxStdoutBytes}
	thread := &starlark.Thread{
		Name: "step",
		Print: func(_ *starlark.Thread, msg string) {
			if !stdout.write(msg + "\n") {
				env.TripLimit(LimitStdout)
			}
		},
	}
	if limits.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(uint64(limits.MaxSteps))
	}
	env.Cancel = func(reason string) { thread.Cancel(reason) }

	var deadlineFired atomic.Bool
	timer := time.AfterFunc(time.Duration(limits.WallClockMS)*time.Millisecond, func() {
		deadlineFired.Store(true)
		thread.Cancel("wall clock deadline")
	})
	defer timer.Stop()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("context cancelled")
		case <-watchDone:
		}
	}()

	prog, err := starlark.FileProgram(file, func(name string) bool {
		_, ok := predeclared[name]
		return ok
	})
	if err != nil {
		// The policy walk admits only resolvable programs; a resolver
		// failure here is a step error, not a crash.
		return stepError("ResolveError", err.Error(), "")
	}

	globals, execErr := prog.Init(thread, predeclared)
	log.Seal()

	res := StepResult{
		Stdout:       stdout.String(),
		SpanLog:      log.Iter(),
		ToolRequests: queue.Requests(),
	}

	// 6. Classify the terminal condition.
	switch {
	case queue.Final() != nil && isFinalSignal(execErr):
		res.Outcome = OutcomeFinal
		res.Final = queue.Final()

	case env.TrippedLimit() != "":
		res.Outcome = OutcomeLimitExceeded
		res.Limit = env.TrippedLimit()
		return res

	case deadlineFired.Load():
		res.Outcome = OutcomeLimitExceeded
		res.Limit = LimitTime
		return res

	case execErr != nil && strings.Contains(execErr.Error(), "too many steps"):
		res.Outcome = OutcomeLimitExceeded
		res.Limit = LimitSteps
		return res

	case execErr != nil:
		res.Outcome = OutcomeStepError
		res.Error = &ErrorInfo{
			Code:      errorCode(execErr),
			Message:   execErr.Error(),
			Traceback: traceback(execErr, limits.MaxStderrBytes),
		}
		res.Stderr = res.Error.Traceback
		return res

	default:
		res.Outcome = OutcomeOK
	}

	// 7. Snapshot the state by JSON round-trip. A wholesale rebinding of
	// `state` takes the new binding.
	finalState := stateVal
	if rebound, ok := globals["state"]; ok {
		finalState = rebound
	}
	stateOut, serr := snapshotState(finalState)
	if serr != nil {
		res.Outcome = OutcomeStepError
		res.Error = &ErrorInfo{Code: "NonJsonState", Message: serr.Error()}
		res.StateOut = nil
		res.Final = nil
		return res
	}
	if limits.MaxStateBytes > 0 && len(stateOut) > limits.MaxStateBytes {
		res.Outcome = OutcomeLimitExceeded
		res.Limit = LimitStateBytes
		res.Final = nil
		return res
	}
	res.StateOut = stateOut

	return res
}

// snapshotState converts the program's state binding back to canonical
// JSON. The top level must remain an object.
func snapshotState(v starlark.Value) ([]byte, error) {
	converted, err := sandbox.FromStarlark(v)
	if err != nil {
		return nil, err
	}
	if _, ok := converted.(map[string]any); !ok {
		return nil, &sandbox.NonJSONError{Message: fmt.Sprintf("state must be a mapping, got %T", converted)}
	}
	return sandbox.EncodeCanonical(converted)
}

func stepError(code, message, tb string) StepResult {
	return StepResult{
		Outcome:      OutcomeStepError,
		ToolRequests: []sandbox.ToolRequest{},
		Error:        &ErrorInfo{Code: code, Message: message, Traceback: tb},
	}
}

// isFinalSignal reports whether err is the FINAL unwinding. Once the queue
// holds a final request nothing else runs, so any unwinding with a recorded
// final is the signal; the errors.As check guards the pathological case of
// a cancel racing the unwind.
func isFinalSignal(err error) bool {
	if err == nil {
		return false
	}
	var fs *sandbox.FinalSignal
	if errors.As(err, &fs) {
		return true
	}
	return strings.Contains(err.Error(), "final")
}

// errorCode maps an execution error to its stable step-error code.
func errorCode(err error) string {
	var rangeErr *sandbox.RangeError
	if errors.As(err, &rangeErr) {
		return "RangeError"
	}
	var docErr *sandbox.DocNotFoundError
	if errors.As(err, &docErr) {
		return "DocNotFound"
	}
	var multiFinal *sandbox.MultiFinalError
	if errors.As(err, &multiFinal) {
		return "MultiFinal"
	}
	var nonJSON *sandbox.NonJSONError
	if errors.As(err, &nonJSON) {
		return "NonJsonState"
	}
	var notFound *artifact.NotFoundError
	if errors.As(err, &notFound) {
		return "DocNotFound"
	}
	var outOfRange *artifact.OutOfRangeError
	if errors.As(err, &outOfRange) {
		return "RangeError"
	}
	var transport *artifact.TransportError
	if errors.As(err, &transport) {
		return "ReaderError"
	}
	return "RuntimeError"
}

// traceback renders a summarized backtrace capped at limit bytes.
func traceback(err error, limit int) string {
	var evalErr *starlark.EvalError
	summary := err.Error()
	if errors.As(err, &evalErr) {
		summary = evalErr.Backtrace()
	}
	if limit > 0 && len(summary) > limit {
		summary = summary[:limit]
	}
	return summary
}

// cappedBuffer collects program output up to a byte cap.
type cappedBuffer struct {
	limit int
	b     strings.Builder
}

// write appends s and reports whether the buffer stayed within its cap.
func (w *cappedBuffer) write(s string) bool {
	w.b.WriteString(s)
	return w.limit <= 0 || w.b.Len() <= w.limit
}

func (w *cappedBuffer) String() string {
	s := w.b.String()
	if w.limit > 0 && len(s) > w.limit {
		return s[:w.limit]
	}
	return s
}
