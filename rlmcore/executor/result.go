package executor

import (
	"encoding/json"

	"github.com/0xfauzi/rlm-core/rlmcore/config"
	"github.com/0xfauzi/rlm-core/rlmcore/sandbox"
	"github.com/0xfauzi/rlm-core/rlmcore/spanlog"
)

// =============================================================================
// STEP CONTRACT TYPES
// =============================================================================

// Outcome classifies how a step ended.
type Outcome string

const (
	// OutcomeOK indicates the program ran to completion.
	OutcomeOK Outcome = "ok"
	// OutcomeStepError indicates an uncaught program or boundary error.
	OutcomeStepError Outcome = "step_error"
	// OutcomePolicyReject indicates the program failed static validation.
	OutcomePolicyReject Outcome = "policy_reject"
	// OutcomeLimitExceeded indicates a resource cap was hit.
	OutcomeLimitExceeded Outcome = "limit_exceeded"
	// OutcomeFinal indicates the program called tool.FINAL.
	OutcomeFinal Outcome = "final"
)

// Limit kinds reported with OutcomeLimitExceeded.
const (
	LimitTime       = "time"
	LimitSteps      = "steps"
	LimitStdout     = "stdout"
	LimitStateBytes = "state_bytes"
	LimitSpanCount  = "span_count"
	LimitToolCount  = "tool_count"
)

// ContextDescriptor names the ready documents a step may read, in order.
type ContextDescriptor struct {
	SessionID string   `json:"session_id"`
	Documents []string `json:"documents"`
}

// Request is the input to one step run.
type Request struct {
	ProgramText string             `json:"program_text"`
	StateIn     json.RawMessage    `json:"state_in"`
	Descriptor  ContextDescriptor  `json:"descriptor"`
	ToolResults map[string]any     `json:"tool_results,omitempty"`
	Limits      *config.StepLimits `json:"limits,omitempty"`
}

// ErrorInfo summarizes the error that ended a step.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// StepResult is everything a step produced. state_out is canonical JSON
// (sorted keys); it is present only for ok and final outcomes - error and
// limit outcomes discard the step's state mutation.
type StepResult struct {
	Stdout       string                 `json:"stdout"`
	Stderr       string                 `json:"stderr"`
	StateOut     json.RawMessage        `json:"state_out,omitempty"`
	SpanLog      []spanlog.Entry        `json:"span_log"`
	ToolRequests []sandbox.ToolRequest  `json:"tool_requests"`
	Outcome      Outcome                `json:"outcome"`
	Error        *ErrorInfo             `json:"error,omitempty"`
	Limit        string                 `json:"limit,omitempty"`
	Final        *sandbox.FinalRequest  `json:"final,omitempty"`
	DurationMS   int                    `json:"duration_ms"`
}
