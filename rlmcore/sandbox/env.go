// Package sandbox provides the capability objects a step program sees.
//
// The program's only globals are `ctx` (read access to the corpus,
// instrumented to write the span log), `tool` (a bounded queue of typed
// tool requests), and `state` (the JSON state crossing the boundary).
// Capabilities expose no filesystem, network, environment, clock, or RNG.
package sandbox

import (
	"context"

	"github.com/0xfauzi/rlm-core/rlmcore/artifact"
	"github.com/0xfauzi/rlm-core/rlmcore/spanlog"
)

// DocInfo identifies one document of the step's context descriptor.
type DocInfo struct {
	ID     string
	Length uint64
}

// Env carries the per-step state shared by the capability objects. A step
// is single-threaded; Env is never shared across steps.
type Env struct {
	GoCtx  context.Context
	Reader artifact.CanonicalReader
	Log    *spanlog.Log
	Queue  *ToolQueue
	Docs   []DocInfo

	// Resolved holds tool results injected by the orchestrator under the
	// reserved state key; tool.get reads from it.
	Resolved map[string]any

	// Cancel asks the running program to unwind at the next safe point.
	Cancel func(reason string)

	limitKind string
}

// TripLimit records the first cap that was hit, asks the program to unwind,
// and returns the error that carries the unwinding.
func (e *Env) TripLimit(kind string) error {
	if e.limitKind == "" {
		e.limitKind = kind
	}
	if e.Cancel != nil {
		e.Cancel("limit exceeded: " + kind)
	}
	return &LimitError{Kind: kind}
}

// TrippedLimit returns the first cap hit during the step, or "".
func (e *Env) TrippedLimit() string {
	return e.limitKind
}

// appendSpan logs one observed range, converting log capacity overflow into
// a tripped limit.
func (e *Env) appendSpan(entry spanlog.Entry) error {
	if err := e.Log.Append(entry); err != nil {
		if _, ok := err.(*spanlog.CapacityError); ok {
			return e.TripLimit("span_count")
		}
		return err
	}
	return nil
}
