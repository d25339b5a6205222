package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.starlark.net/starlark"
)

// =============================================================================
// TOOL REQUEST QUEUE
// =============================================================================

// ToolRequest is a typed message the program enqueues for external
// resolution between steps.
type ToolRequest struct {
	Kind   string          `json:"kind"`
	Args   json.RawMessage `json:"args"`
	Handle string          `json:"idempotency_key"`
}

// SpanCandidate is a program-supplied citation candidate attached to FINAL.
type SpanCandidate struct {
	DocumentID string `json:"doc_id"`
	Start      uint64 `json:"start"`
	End        uint64 `json:"end"`
	Label      string `json:"label,omitempty"`
}

// FinalRequest is the terminal tool request.
type FinalRequest struct {
	Answer string          `json:"answer"`
	Spans  []SpanCandidate `json:"spans"`
}

// ToolQueue is the per-step bounded request queue. Requests are ordered by
// program invocation; identical (kind, args) pairs enqueue once.
type ToolQueue struct {
	capacity int
	requests []ToolRequest
	byHandle map[string]bool
	final    *FinalRequest
}

// NewToolQueue creates a queue holding at most capacity requests.
// capacity <= 0 means unbounded.
func NewToolQueue(capacity int) *ToolQueue {
	return &ToolQueue{
		capacity: capacity,
		byHandle: make(map[string]bool),
	}
}

// Requests returns a copy of the enqueued requests in invocation order.
func (q *ToolQueue) Requests() []ToolRequest {
	out := make([]ToolRequest, len(q.requests))
	copy(out, q.requests)
	return out
}

// Final returns the terminal request, or nil if FINAL was not called.
func (q *ToolQueue) Final() *FinalRequest {
	return q.final
}

// Len returns the number of enqueued requests.
func (q *ToolQueue) Len() int {
	return len(q.requests)
}

// RequestHandle derives the idempotency key for a request: the first 16 hex
// digits of sha256(kind || canonical_json(args)).
func RequestHandle(kind string, canonicalArgs []byte) string {
	sum := sha256.Sum256(append([]byte(kind), canonicalArgs...))
	return hex.EncodeToString(sum[:])[:16]
}

// enqueue appends a request unless an identical one exists. It reports the
// handle and whether the queue was full.
func (q *ToolQueue) enqueue(kind string, args map[string]any) (string, bool, error) {
	canonical, err := EncodeCanonical(args)
	if err != nil {
		return "", false, err
	}
	handle := RequestHandle(kind, canonical)

	if q.byHandle[handle] {
		return handle, false, nil
	}
	if q.capacity > 0 && len(q.requests) >= q.capacity {
		return "", true, nil
	}

	q.requests = append(q.requests, ToolRequest{
		Kind:   kind,
		Args:   json.RawMessage(canonical),
		Handle: handle,
	})
	q.byHandle[handle] = true
	return handle, false, nil
}

// =============================================================================
// TOOL CAPABILITY (`tool`)
// =============================================================================

// Tool is the capability exposed to the program as `tool`.
type Tool struct {
	env *Env
}

// NewTool builds the tool capability bound to the step's queue.
func NewTool(env *Env) *Tool {
	return &Tool{env: env}
}

func (t *Tool) String() string        { return "<tool>" }
func (t *Tool) Type() string          { return "tool" }
func (t *Tool) Freeze()               {}
func (t *Tool) Truth() starlark.Bool  { return starlark.True }
func (t *Tool) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: tool") }

// Attr implements starlark.HasAttrs.
func (t *Tool) Attr(name string) (starlark.Value, error) {
	switch name {
	case "subcall":
		return starlark.NewBuiltin("subcall", t.subcallMethod), nil
	case "search":
		return starlark.NewBuiltin("search", t.searchMethod), nil
	case "get":
		return starlark.NewBuiltin("get", t.getMethod), nil
	case "FINAL":
		return starlark.NewBuiltin("FINAL", t.finalMethod), nil
	}
	return nil, nil
}

// AttrNames implements starlark.HasAttrs.
func (t *Tool) AttrNames() []string {
	return []string{"FINAL", "get", "search", "subcall"}
}

func (t *Tool) enqueue(kind string, args map[string]any) (starlark.Value, error) {
	handle, full, err := t.env.Queue.enqueue(kind, args)
	if err != nil {
		return nil, err
	}
	if full {
		return nil, t.env.TripLimit("tool_count")
	}
	return starlark.String(handle), nil
}

// subcallMethod enqueues a subcall request and returns its handle.
func (t *Tool) subcallMethod(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var prompt string
	var modelHint starlark.Value = starlark.None
	var maxTokens starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"prompt", &prompt, "model_hint?", &modelHint, "max_tokens?", &maxTokens); err != nil {
		return nil, err
	}

	reqArgs := map[string]any{"prompt": prompt, "model_hint": nil, "max_tokens": nil}
	switch hint := modelHint.(type) {
	case starlark.NoneType:
	case starlark.String:
		reqArgs["model_hint"] = string(hint)
	default:
		return nil, fmt.Errorf("subcall: model_hint must be a string or None, got %s", modelHint.Type())
	}
	switch tokens := maxTokens.(type) {
	case starlark.NoneType:
	case starlark.Int:
		n, ok := tokens.Int64()
		if !ok || n < 0 {
			return nil, fmt.Errorf("subcall: max_tokens out of range")
		}
		reqArgs["max_tokens"] = n
	default:
		return nil, fmt.Errorf("subcall: max_tokens must be an int or None, got %s", maxTokens.Type())
	}

	return t.enqueue("subcall", reqArgs)
}

// searchMethod enqueues a search request and returns its handle.
func (t *Tool) searchMethod(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var query string
	var k int64 = 5
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "query", &query, "k?", &k); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("search: k must be positive")
	}

	return t.enqueue("search", map[string]any{"query": query, "k": k})
}

// getMethod returns the resolved value for a handle, or None on the step
// that enqueued it.
func (t *Tool) getMethod(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var handle string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "handle", &handle); err != nil {
		return nil, err
	}

	result, ok := t.env.Resolved[handle]
	if !ok {
		return starlark.None, nil
	}
	return ToStarlark(result)
}

// finalMethod enqueues the terminal request and unwinds the program via the
// final signal. A second call in the same step is MultiFinal.
func (t *Tool) finalMethod(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var answer string
	var spansVal starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "answer", &answer, "spans", &spansVal); err != nil {
		return nil, err
	}

	if t.env.Queue.final != nil {
		return nil, &MultiFinalError{}
	}

	candidates, err := t.spanCandidates(spansVal)
	if err != nil {
		return nil, err
	}

	spanArgs := make([]any, len(candidates))
	for i, cand := range candidates {
		entry := map[string]any{
			"doc_id": cand.DocumentID,
			"start":  int64(cand.Start),
			"end":    int64(cand.End),
		}
		if cand.Label != "" {
			entry["label"] = cand.Label
		}
		spanArgs[i] = entry
	}

	if _, full, err := t.env.Queue.enqueue("final", map[string]any{"answer": answer, "spans": spanArgs}); err != nil {
		return nil, err
	} else if full {
		return nil, t.env.TripLimit("tool_count")
	}

	t.env.Queue.final = &FinalRequest{Answer: answer, Spans: candidates}
	return nil, &FinalSignal{}
}

// spanCandidates converts the FINAL spans argument. Each element is a dict
// {doc, start, end, label?} where doc is a document id or an index into the
// descriptor.
func (t *Tool) spanCandidates(spansVal starlark.Value) ([]SpanCandidate, error) {
	iter, err := safeIterate(spansVal)
	if err != nil {
		return nil, fmt.Errorf("FINAL: spans must be a list, got %s", spansVal.Type())
	}
	defer iter.Done()

	var out []SpanCandidate
	var elem starlark.Value
	for iter.Next(&elem) {
		dict, ok := elem.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("FINAL: each span must be a dict, got %s", elem.Type())
		}

		cand := SpanCandidate{}

		docVal, found, err := dict.Get(starlark.String("doc"))
		if err != nil || !found {
			return nil, fmt.Errorf("FINAL: span is missing 'doc'")
		}
		switch doc := docVal.(type) {
		case starlark.String:
			cand.DocumentID = string(doc)
		case starlark.Int:
			idx, ok := doc.Int64()
			if !ok || idx < 0 || idx >= int64(len(t.env.Docs)) {
				return nil, &DocNotFoundError{Ref: doc.String()}
			}
			cand.DocumentID = t.env.Docs[idx].ID
		default:
			return nil, fmt.Errorf("FINAL: 'doc' must be a document id or index, got %s", docVal.Type())
		}

		cand.Start, err = spanOffset(dict, "start")
		if err != nil {
			return nil, err
		}
		cand.End, err = spanOffset(dict, "end")
		if err != nil {
			return nil, err
		}

		if labelVal, found, _ := dict.Get(starlark.String("label")); found {
			if label, ok := labelVal.(starlark.String); ok {
				cand.Label = string(label)
			}
		}

		out = append(out, cand)
	}
	return out, nil
}

func spanOffset(dict *starlark.Dict, key string) (uint64, error) {
	val, found, err := dict.Get(starlark.String(key))
	if err != nil || !found {
		return 0, fmt.Errorf("FINAL: span is missing %q", key)
	}
	i, ok := val.(starlark.Int)
	if !ok {
		return 0, fmt.Errorf("FINAL: %q must be an int, got %s", key, val.Type())
	}
	n, ok := i.Int64()
	if !ok || n < 0 {
		return 0, fmt.Errorf("FINAL: %q out of range", key)
	}
	return uint64(n), nil
}

// safeIterate wraps starlark.Iterate, which returns nil for non-iterables.
func safeIterate(v starlark.Value) (starlark.Iterator, error) {
	it := starlark.Iterate(v)
	if it == nil {
		return nil, fmt.Errorf("not iterable: %s", v.Type())
	}
	return it, nil
}
