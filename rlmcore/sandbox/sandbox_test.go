package sandbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"github.com/0xfauzi/rlm-core/rlmcore/artifact"
	"github.com/0xfauzi/rlm-core/rlmcore/spanlog"
)

func newTestEnv(t *testing.T, texts ...string) *Env {
	t.Helper()
	store := artifact.NewMemoryStore()
	env := &Env{
		GoCtx:    context.Background(),
		Reader:   store,
		Log:      spanlog.NewLog(0),
		Queue:    NewToolQueue(0),
		Resolved: map[string]any{},
	}
	for i, text := range texts {
		docID := "doc" + string(rune('0'+i))
		require.NoError(t, store.Put(docID, []byte(text)))
		env.Docs = append(env.Docs, DocInfo{ID: docID, Length: uint64(len(text))})
	}
	return env
}

// =============================================================================
// CONTEXT VIEW TESTS
// =============================================================================

func TestDocViewSliceLogsSpan(t *testing.T) {
	env := newTestEnv(t, "Alpha Beta Gamma")
	doc := &DocView{env: env, id: "doc0", length: 16}

	b := starlark.NewBuiltin("slice", doc.sliceMethod)
	out, err := doc.sliceMethod(nil, b, starlark.Tuple{starlark.MakeInt(0), starlark.MakeInt(5)}, nil)
	require.NoError(t, err)
	assert.Equal(t, starlark.String("Alpha"), out)

	entries := env.Log.Iter()
	require.Len(t, entries, 1)
	assert.Equal(t, "doc0", entries[0].DocumentID)
	assert.Equal(t, uint64(0), entries[0].Start)
	assert.Equal(t, uint64(5), entries[0].End)
	assert.Equal(t, artifact.SHA256Hex([]byte("Alpha")), entries[0].PayloadSHA256)
}

func TestDocViewSliceOutOfRange(t *testing.T) {
	env := newTestEnv(t, "abc")
	doc := &DocView{env: env, id: "doc0", length: 3}

	b := starlark.NewBuiltin("slice", doc.sliceMethod)
	_, err := doc.sliceMethod(nil, b, starlark.Tuple{starlark.MakeInt(0), starlark.MakeInt(9)}, nil)
	var rangeErr *RangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, 0, env.Log.Len())
}

func TestDocViewFindLogsOnlyHits(t *testing.T) {
	env := newTestEnv(t, "Alpha Beta Gamma")
	doc := &DocView{env: env, id: "doc0", length: 16}

	b := starlark.NewBuiltin("find", doc.findMethod)
	out, err := doc.findMethod(nil, b, starlark.Tuple{starlark.String("Beta")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "6", out.String())
	require.Equal(t, 1, env.Log.Len())
	entry := env.Log.Iter()[0]
	assert.Equal(t, uint64(6), entry.Start)
	assert.Equal(t, uint64(10), entry.End)

	out, err = doc.findMethod(nil, b, starlark.Tuple{starlark.String("Delta")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "-1", out.String())
	assert.Equal(t, 1, env.Log.Len())
}

func TestLineIteratorLogsEachLine(t *testing.T) {
	env := newTestEnv(t, "one\ntwo\nthree")
	doc := &DocView{env: env, id: "doc0", length: 13}

	b := starlark.NewBuiltin("iter_lines", doc.iterLinesMethod)
	seq, err := doc.iterLinesMethod(nil, b, nil, nil)
	require.NoError(t, err)

	iter := starlark.Iterate(seq)
	require.NotNil(t, iter)
	defer iter.Done()

	var lines []string
	var starts []uint64
	var elem starlark.Value
	for iter.Next(&elem) {
		pair := elem.(starlark.Tuple)
		start, _ := pair[0].(starlark.Int).Uint64()
		starts = append(starts, start)
		lines = append(lines, string(pair[1].(starlark.String)))
	}

	assert.Equal(t, []string{"one", "two", "three"}, lines)
	assert.Equal(t, []uint64{0, 4, 8}, starts)
	assert.Equal(t, 3, env.Log.Len())
}

func TestLineIteratorTrailingNewline(t *testing.T) {
	env := newTestEnv(t, "a\n")
	doc := &DocView{env: env, id: "doc0", length: 2}

	b := starlark.NewBuiltin("iter_lines", doc.iterLinesMethod)
	seq, err := doc.iterLinesMethod(nil, b, nil, nil)
	require.NoError(t, err)

	iter := starlark.Iterate(seq)
	defer iter.Done()

	var lines []string
	var elem starlark.Value
	for iter.Next(&elem) {
		lines = append(lines, string(elem.(starlark.Tuple)[1].(starlark.String)))
	}
	assert.Equal(t, []string{"a", ""}, lines)
}

// =============================================================================
// TOOL QUEUE TESTS
// =============================================================================

func TestToolSubcallIdempotent(t *testing.T) {
	env := newTestEnv(t)
	tool := NewTool(env)

	b := starlark.NewBuiltin("subcall", tool.subcallMethod)
	h1, err := tool.subcallMethod(nil, b, starlark.Tuple{starlark.String("q")}, nil)
	require.NoError(t, err)
	h2, err := tool.subcallMethod(nil, b, starlark.Tuple{starlark.String("q")}, nil)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, env.Queue.Len())

	h3, err := tool.subcallMethod(nil, b, starlark.Tuple{starlark.String("other")}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
	assert.Equal(t, 2, env.Queue.Len())
}

func TestToolQueueCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.Queue = NewToolQueue(1)
	tool := NewTool(env)

	b := starlark.NewBuiltin("search", tool.searchMethod)
	_, err := tool.searchMethod(nil, b, starlark.Tuple{starlark.String("first")}, nil)
	require.NoError(t, err)

	_, err = tool.searchMethod(nil, b, starlark.Tuple{starlark.String("second")}, nil)
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "tool_count", limitErr.Kind)
	assert.Equal(t, "tool_count", env.TrippedLimit())
}

func TestToolGetReturnsNoneThenResolved(t *testing.T) {
	env := newTestEnv(t)
	tool := NewTool(env)

	b := starlark.NewBuiltin("search", tool.searchMethod)
	handleVal, err := tool.searchMethod(nil, b, starlark.Tuple{starlark.String("q")}, nil)
	require.NoError(t, err)
	handle := string(handleVal.(starlark.String))

	get := starlark.NewBuiltin("get", tool.getMethod)
	out, err := tool.getMethod(nil, get, starlark.Tuple{starlark.String(handle)}, nil)
	require.NoError(t, err)
	assert.Equal(t, starlark.None, out)

	env.Resolved[handle] = map[string]any{"answer": "42"}
	out, err = tool.getMethod(nil, get, starlark.Tuple{starlark.String(handle)}, nil)
	require.NoError(t, err)
	dict := out.(*starlark.Dict)
	v, found, err := dict.Get(starlark.String("answer"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, starlark.String("42"), v)
}

func TestToolFinalSignalsAndRecordsRequest(t *testing.T) {
	env := newTestEnv(t, "Alpha Beta Gamma")
	tool := NewTool(env)

	span := starlark.NewDict(3)
	require.NoError(t, span.SetKey(starlark.String("doc"), starlark.MakeInt(0)))
	require.NoError(t, span.SetKey(starlark.String("start"), starlark.MakeInt(0)))
	require.NoError(t, span.SetKey(starlark.String("end"), starlark.MakeInt(5)))
	spans := starlark.NewList([]starlark.Value{span})

	b := starlark.NewBuiltin("FINAL", tool.finalMethod)
	_, err := tool.finalMethod(nil, b, starlark.Tuple{starlark.String("A"), spans}, nil)
	var signal *FinalSignal
	require.ErrorAs(t, err, &signal)

	final := env.Queue.Final()
	require.NotNil(t, final)
	assert.Equal(t, "A", final.Answer)
	require.Len(t, final.Spans, 1)
	assert.Equal(t, "doc0", final.Spans[0].DocumentID)
	assert.Equal(t, uint64(0), final.Spans[0].Start)
	assert.Equal(t, uint64(5), final.Spans[0].End)

	// Second FINAL in the same step is MultiFinal.
	_, err = tool.finalMethod(nil, b, starlark.Tuple{starlark.String("B"), spans}, nil)
	var multi *MultiFinalError
	assert.ErrorAs(t, err, &multi)
}

func TestToolFinalUnknownDocIndex(t *testing.T) {
	env := newTestEnv(t, "Alpha")
	tool := NewTool(env)

	span := starlark.NewDict(3)
	require.NoError(t, span.SetKey(starlark.String("doc"), starlark.MakeInt(7)))
	require.NoError(t, span.SetKey(starlark.String("start"), starlark.MakeInt(0)))
	require.NoError(t, span.SetKey(starlark.String("end"), starlark.MakeInt(1)))
	spans := starlark.NewList([]starlark.Value{span})

	b := starlark.NewBuiltin("FINAL", tool.finalMethod)
	_, err := tool.finalMethod(nil, b, starlark.Tuple{starlark.String("A"), spans}, nil)
	var notFound *DocNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestRequestHandleDeterministic(t *testing.T) {
	args, err := EncodeCanonical(map[string]any{"prompt": "q", "model_hint": nil, "max_tokens": nil})
	require.NoError(t, err)

	h1 := RequestHandle("subcall", args)
	h2 := RequestHandle("subcall", args)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)
	assert.NotEqual(t, h1, RequestHandle("search", args))
}

// =============================================================================
// BOUNDARY CONVERSION TESTS
// =============================================================================

func TestStateRoundTrip(t *testing.T) {
	raw := []byte(`{"b": [1, 2.5, "x", null, true], "a": {"nested": 7}}`)

	stateMap, err := DecodeState(raw)
	require.NoError(t, err)

	val, err := ToStarlark(stateMap)
	require.NoError(t, err)

	back, err := FromStarlark(val)
	require.NoError(t, err)

	encoded, err := EncodeCanonical(back)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(encoded))

	// Canonical encoding sorts keys.
	assert.Equal(t, byte('a'), encoded[2])
}

func TestDecodeStateRejectsNonObject(t *testing.T) {
	_, err := DecodeState([]byte(`[1, 2]`))
	assert.Error(t, err)

	_, err = DecodeState([]byte(`"text"`))
	assert.Error(t, err)

	state, err := DecodeState([]byte(``))
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestFromStarlarkRejectsNonJSON(t *testing.T) {
	set := starlark.NewSet(1)
	require.NoError(t, set.Insert(starlark.MakeInt(1)))

	_, err := FromStarlark(set)
	var nonJSON *NonJSONError
	assert.ErrorAs(t, err, &nonJSON)
}

func TestToStarlarkKeepsIntsExact(t *testing.T) {
	state, err := DecodeState([]byte(`{"n": 9007199254740993}`))
	require.NoError(t, err)

	val, err := ToStarlark(state)
	require.NoError(t, err)

	back, err := FromStarlark(val)
	require.NoError(t, err)

	encoded, err := EncodeCanonical(back)
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(encoded))
}

func TestEncodeCanonicalStableAcrossMapOrder(t *testing.T) {
	a := map[string]any{"x": 1, "y": 2, "z": 3}
	b := map[string]any{"z": 3, "y": 2, "x": 1}

	ea, err := EncodeCanonical(a)
	require.NoError(t, err)
	eb, err := EncodeCanonical(b)
	require.NoError(t, err)
	assert.Equal(t, string(ea), string(eb))
}

func TestSpanCandidateJSONShape(t *testing.T) {
	cand := SpanCandidate{DocumentID: "doc0", Start: 0, End: 5}
	encoded, err := json.Marshal(cand)
	require.NoError(t, err)
	assert.JSONEq(t, `{"doc_id":"doc0","start":0,"end":5}`, string(encoded))
}
