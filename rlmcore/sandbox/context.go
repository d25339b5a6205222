package sandbox

import (
	"bytes"
	"fmt"
	"strings"

	"go.starlark.net/starlark"

	"github.com/0xfauzi/rlm-core/rlmcore/spanlog"
)

// =============================================================================
// CONTEXT CAPABILITY (`ctx`)
// =============================================================================

// Context is the read-only corpus view exposed to the program as `ctx`.
type Context struct {
	env  *Env
	docs []*DocView
}

// NewContext builds the ctx capability for the descriptor documents. Every
// document must be ready; lengths are resolved once, up front.
func NewContext(env *Env) (*Context, error) {
	docs := make([]*DocView, len(env.Docs))
	for i, info := range env.Docs {
		docs[i] = &DocView{env: env, id: info.ID, length: info.Length}
	}
	return &Context{env: env, docs: docs}, nil
}

func (c *Context) String() string        { return "<context>" }
func (c *Context) Type() string          { return "context" }
func (c *Context) Freeze()               {}
func (c *Context) Truth() starlark.Bool  { return starlark.True }
func (c *Context) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: context") }

// Attr implements starlark.HasAttrs.
func (c *Context) Attr(name string) (starlark.Value, error) {
	if name == "docs" {
		return starlark.NewBuiltin("docs", c.docsMethod), nil
	}
	return nil, nil
}

// AttrNames implements starlark.HasAttrs.
func (c *Context) AttrNames() []string {
	return []string{"docs"}
}

func (c *Context) docsMethod(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	elems := make([]starlark.Value, len(c.docs))
	for i, doc := range c.docs {
		elems[i] = doc
	}
	return starlark.NewList(elems), nil
}

// =============================================================================
// DOC VIEW
// =============================================================================

// DocView is the per-document view. Slicing, searching, and line iteration
// operate on canonical bytes; every revealed range writes a span entry.
// DocView does not support indexing (d[i]).
type DocView struct {
	env    *Env
	id     string
	length uint64
}

func (d *DocView) String() string        { return fmt.Sprintf("<doc_view %s>", d.id) }
func (d *DocView) Type() string          { return "doc_view" }
func (d *DocView) Freeze()               {}
func (d *DocView) Truth() starlark.Bool  { return starlark.True }
func (d *DocView) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: doc_view") }

// Attr implements starlark.HasAttrs.
func (d *DocView) Attr(name string) (starlark.Value, error) {
	switch name {
	case "id":
		return starlark.String(d.id), nil
	case "length":
		return starlark.MakeUint64(d.length), nil
	case "slice":
		return starlark.NewBuiltin("slice", d.sliceMethod), nil
	case "find":
		return starlark.NewBuiltin("find", d.findMethod), nil
	case "iter_lines":
		return starlark.NewBuiltin("iter_lines", d.iterLinesMethod), nil
	}
	return nil, nil
}

// AttrNames implements starlark.HasAttrs.
func (d *DocView) AttrNames() []string {
	return []string{"find", "id", "iter_lines", "length", "slice"}
}

// checkRange validates a half-open byte range against the document.
func (d *DocView) checkRange(start, end int64) error {
	if start < 0 || end < start || uint64(end) > d.length {
		return &RangeError{DocumentID: d.id, Start: start, End: end, Length: d.length}
	}
	return nil
}

// sliceMethod returns the UTF-8 decoded text of [start, end) and logs the
// byte range. The span is the byte range even when it straddles a
// multi-byte code point; the decoded text is informational only.
func (d *DocView) sliceMethod(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var start, end int64
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "end", &end); err != nil {
		return nil, err
	}
	if err := d.checkRange(start, end); err != nil {
		return nil, err
	}

	payload, err := d.env.Reader.Read(d.env.GoCtx, d.id, uint64(start), uint64(end))
	if err != nil {
		return nil, err
	}
	if err := d.env.appendSpan(spanlog.NewEntry(d.id, uint64(start), uint64(end), payload, "")); err != nil {
		return nil, err
	}

	return starlark.String(strings.ToValidUTF8(string(payload), "�")), nil
}

// findMethod searches the raw canonical bytes for needle (encoded UTF-8)
// and returns the byte offset of the first hit at or after start, or -1.
// A hit logs the matched range; a miss logs nothing.
func (d *DocView) findMethod(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var needle string
	var start int64
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "needle", &needle, "start?", &start); err != nil {
		return nil, err
	}
	if start < 0 || uint64(start) > d.length {
		return nil, &RangeError{DocumentID: d.id, Start: start, End: start, Length: d.length}
	}

	tail, err := d.env.Reader.Read(d.env.GoCtx, d.id, uint64(start), d.length)
	if err != nil {
		return nil, err
	}

	idx := bytes.Index(tail, []byte(needle))
	if idx < 0 {
		return starlark.MakeInt(-1), nil
	}

	hit := uint64(start) + uint64(idx)
	matched := tail[idx : idx+len(needle)]
	if err := d.env.appendSpan(spanlog.NewEntry(d.id, hit, hit+uint64(len(needle)), matched, "")); err != nil {
		return nil, err
	}

	return starlark.MakeUint64(hit), nil
}

// iterLinesMethod returns a lazy sequence of (line_start, line_text) pairs
// split on '\n'. Each yielded line logs its own span entry.
func (d *DocView) iterLinesMethod(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var start int64
	var endVal starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start?", &start, "end?", &endVal); err != nil {
		return nil, err
	}

	end := int64(d.length)
	if endVal != starlark.None {
		endInt, ok := endVal.(starlark.Int)
		if !ok {
			return nil, fmt.Errorf("iter_lines: end must be an int or None, got %s", endVal.Type())
		}
		e, ok := endInt.Int64()
		if !ok {
			return nil, &RangeError{DocumentID: d.id, Start: start, End: e, Length: d.length}
		}
		end = e
	}
	if err := d.checkRange(start, end); err != nil {
		return nil, err
	}

	return &lineSeq{doc: d, start: uint64(start), end: uint64(end)}, nil
}

// =============================================================================
// LAZY LINE SEQUENCE
// =============================================================================

// lineSeq is the iterable returned by iter_lines. The underlying range is
// read once on first iteration; spans are logged per yielded line.
type lineSeq struct {
	doc   *DocView
	start uint64
	end   uint64
}

func (s *lineSeq) String() string        { return fmt.Sprintf("<line_seq %s>", s.doc.id) }
func (s *lineSeq) Type() string          { return "line_seq" }
func (s *lineSeq) Freeze()               {}
func (s *lineSeq) Truth() starlark.Bool  { return starlark.True }
func (s *lineSeq) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: line_seq") }

// Iterate implements starlark.Iterable.
func (s *lineSeq) Iterate() starlark.Iterator {
	return &lineIterator{seq: s}
}

type lineIterator struct {
	seq    *lineSeq
	body   []byte
	loaded bool
	offset int
	done   bool
}

// Next yields the next (line_start, line_text) pair. The Starlark iterator
// protocol has no error channel: a failed read or span-cap overflow stops
// the iteration and trips the step's limit/cancel machinery instead.
func (it *lineIterator) Next(p *starlark.Value) bool {
	if it.done {
		return false
	}

	env := it.seq.doc.env
	if !it.loaded {
		body, err := env.Reader.Read(env.GoCtx, it.seq.doc.id, it.seq.start, it.seq.end)
		if err != nil {
			if env.Cancel != nil {
				env.Cancel(err.Error())
			}
			it.done = true
			return false
		}
		it.body = body
		it.loaded = true
	}

	if it.offset > len(it.body) {
		it.done = true
		return false
	}

	rel := bytes.IndexByte(it.body[it.offset:], '\n')
	lineEnd := len(it.body)
	next := len(it.body) + 1
	if rel >= 0 {
		lineEnd = it.offset + rel
		next = lineEnd + 1
	}

	lineBytes := it.body[it.offset:lineEnd]
	lineStart := it.seq.start + uint64(it.offset)
	if err := env.appendSpan(spanlog.NewEntry(it.seq.doc.id, lineStart, lineStart+uint64(len(lineBytes)), lineBytes, "")); err != nil {
		it.done = true
		return false
	}

	*p = starlark.Tuple{
		starlark.MakeUint64(lineStart),
		starlark.String(strings.ToValidUTF8(string(lineBytes), "�")),
	}
	it.offset = next
	return true
}

func (it *lineIterator) Done() {}
