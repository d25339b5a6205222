package sandbox

import (
	"fmt"

	"go.starlark.net/starlark"
)

// =============================================================================
// SUPPLEMENTARY BUILTINS
// =============================================================================
//
// sum, map, and filter are part of the sandbox builtin allowlist but are
// not in the Starlark universe; they are predeclared here.

// Builtins returns the in-tree builtins added to every step's predeclared
// environment.
func Builtins() starlark.StringDict {
	return starlark.StringDict{
		"sum":    starlark.NewBuiltin("sum", sumBuiltin),
		"map":    starlark.NewBuiltin("map", mapBuiltin),
		"filter": starlark.NewBuiltin("filter", filterBuiltin),
	}
}

func sumBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Value
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}

	iter, err := safeIterate(iterable)
	if err != nil {
		return nil, fmt.Errorf("sum: %w", err)
	}
	defer iter.Done()

	acc := start
	var elem starlark.Value
	for iter.Next(&elem) {
		acc, err = addNumbers(acc, elem)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func addNumbers(x, y starlark.Value) (starlark.Value, error) {
	switch xv := x.(type) {
	case starlark.Int:
		switch yv := y.(type) {
		case starlark.Int:
			return xv.Add(yv), nil
		case starlark.Float:
			return starlark.Float(float64(xv.Float()) + float64(yv)), nil
		}
	case starlark.Float:
		switch yv := y.(type) {
		case starlark.Int:
			return starlark.Float(float64(xv) + float64(yv.Float())), nil
		case starlark.Float:
			return xv + yv, nil
		}
	}
	return nil, fmt.Errorf("sum: unsupported operand types %s and %s", x.Type(), y.Type())
}

func mapBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Value
	var iterable starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "function", &fn, "iterable", &iterable); err != nil {
		return nil, err
	}

	iter, err := safeIterate(iterable)
	if err != nil {
		return nil, fmt.Errorf("map: %w", err)
	}
	defer iter.Done()

	var out []starlark.Value
	var elem starlark.Value
	for iter.Next(&elem) {
		mapped, err := starlark.Call(thread, fn, starlark.Tuple{elem}, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, mapped)
	}
	return starlark.NewList(out), nil
}

func filterBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Value
	var iterable starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "function", &fn, "iterable", &iterable); err != nil {
		return nil, err
	}

	iter, err := safeIterate(iterable)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	defer iter.Done()

	var out []starlark.Value
	var elem starlark.Value
	for iter.Next(&elem) {
		keep := elem.Truth()
		if fn != starlark.None {
			verdict, err := starlark.Call(thread, fn, starlark.Tuple{elem}, nil)
			if err != nil {
				return nil, err
			}
			keep = verdict.Truth()
		}
		if keep {
			out = append(out, elem)
		}
	}
	return starlark.NewList(out), nil
}
