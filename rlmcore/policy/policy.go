// Package policy statically validates step programs before execution.
//
// The validator parses the program with the sandbox grammar, rejects on
// parse failure, and then walks the tree enforcing an allowlist of
// constructs and a free-name rule: every name must resolve to an injected
// capability (ctx, tool, state), a whitelisted builtin, or a name bound
// earlier in the program. Rejection happens before any side effect; the
// first violation wins.
package policy

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.starlark.net/syntax"
)

// Code is a stable policy error code.
type Code string

const (
	// CodeSyntaxError indicates the program failed to parse.
	CodeSyntaxError Code = "SyntaxError"
	// CodeBannedConstruct indicates a construct outside the allowlist.
	CodeBannedConstruct Code = "BannedConstruct"
	// CodeUnknownName indicates a free name with no permitted binding.
	CodeUnknownName Code = "UnknownName"
)

// Violation is the first policy violation found in a program.
type Violation struct {
	Code      Code   `json:"code"`
	Construct string `json:"construct,omitempty"`
	Message   string `json:"message"`
	Line      int32  `json:"line"`
	Col       int32  `json:"col"`
}

func (v *Violation) Error() string {
	if v.Construct != "" {
		return fmt.Sprintf("%s (%s) at %d:%d: %s", v.Code, v.Construct, v.Line, v.Col, v.Message)
	}
	return fmt.Sprintf("%s at %d:%d: %s", v.Code, v.Line, v.Col, v.Message)
}

// FileOptions is the grammar the sandbox accepts: while loops, set
// literals, and control flow at top level; global rebinding so programs
// may replace `state` wholesale. Recursion stays off.
var FileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// allowedBuiltins is the enumerated builtin allowlist. Universe names
// outside this set (getattr, hasattr, dir, type, fail, ...) are rejected
// as unknown before execution ever starts.
var allowedBuiltins = map[string]bool{
	"len": true, "range": true, "sorted": true, "min": true, "max": true,
	"sum": true, "enumerate": true, "zip": true, "map": true, "filter": true,
	"abs": true, "int": true, "float": true, "str": true, "bool": true,
	"list": true, "dict": true, "set": true, "tuple": true,
	"any": true, "all": true, "print": true, "reversed": true,
	"None": true, "True": true, "False": true,
}

// capabilityNames are the injected globals of every step.
var capabilityNames = map[string]bool{
	"ctx": true, "tool": true, "state": true,
}

// AllowedBuiltins returns the builtin allowlist, sorted.
func AllowedBuiltins() []string {
	names := make([]string, 0, len(allowedBuiltins))
	for name := range allowedBuiltins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsAllowedName reports whether name may appear free in a program.
func IsAllowedName(name string) bool {
	return allowedBuiltins[name] || capabilityNames[name]
}

// foreignKeyword matches statement forms the sandbox grammar has no syntax
// for. They arrive as parse errors; naming the construct beats a bare
// syntax error in the rejection report.
var foreignKeyword = regexp.MustCompile(`^\s*(import|from|class|try|with|del|global|nonlocal|async|await|yield|raise|assert)\b`)

// Validate parses and validates programText. On success it returns the
// parsed file for compilation; on violation the file is nil.
func Validate(programText string) (*syntax.File, *Violation) {
	f, err := FileOptions.Parse("step.star", programText, 0)
	if err != nil {
		return nil, parseViolation(programText, err)
	}

	c := &checker{}
	sc := newScope(nil)
	c.checkStmts(f.Stmts, sc)
	if c.viol != nil {
		return nil, c.viol
	}
	return f, nil
}

// parseViolation classifies a parse failure, promoting foreign keywords and
// decorators to named banned constructs.
func parseViolation(programText string, err error) *Violation {
	for i, line := range strings.Split(programText, "\n") {
		if m := foreignKeyword.FindStringSubmatch(line); m != nil {
			kw := m[1]
			if kw == "from" {
				kw = "import"
			}
			return &Violation{
				Code:      CodeBannedConstruct,
				Construct: kw,
				Message:   fmt.Sprintf("%s is not available in step programs", kw),
				Line:      int32(i + 1),
				Col:       1,
			}
		}
		if strings.HasPrefix(strings.TrimSpace(line), "@") {
			return &Violation{
				Code:      CodeBannedConstruct,
				Construct: "decorator",
				Message:   "decorators are not available in step programs",
				Line:      int32(i + 1),
				Col:       1,
			}
		}
	}

	var se syntax.Error
	if errors.As(err, &se) {
		return &Violation{
			Code:    CodeSyntaxError,
			Message: se.Msg,
			Line:    se.Pos.Line,
			Col:     se.Pos.Col,
		}
	}
	return &Violation{Code: CodeSyntaxError, Message: err.Error(), Line: 1, Col: 1}
}

// =============================================================================
// SCOPES
// =============================================================================

type scope struct {
	parent *scope
	names  map[string]bool
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, names: make(map[string]bool)}
}

func (s *scope) bind(name string) {
	s.names[name] = true
}

func (s *scope) resolves(name string) bool {
	for sc := s; sc != nil; sc = sc.parent {
		if sc.names[name] {
			return true
		}
	}
	return IsAllowedName(name)
}

// =============================================================================
// TREE WALK
// =============================================================================

type checker struct {
	viol *Violation
}

func (c *checker) fail(node syntax.Node, code Code, construct, message string) {
	if c.viol != nil {
		return
	}
	start, _ := node.Span()
	c.viol = &Violation{
		Code:      code,
		Construct: construct,
		Message:   message,
		Line:      start.Line,
		Col:       start.Col,
	}
}

func (c *checker) checkStmts(stmts []syntax.Stmt, sc *scope) {
	for _, stmt := range stmts {
		if c.viol != nil {
			return
		}
		c.checkStmt(stmt, sc)
	}
}

func (c *checker) checkStmt(stmt syntax.Stmt, sc *scope) {
	switch s := stmt.(type) {
	case *syntax.ExprStmt:
		c.checkExpr(s.X, sc)

	case *syntax.AssignStmt:
		c.checkExpr(s.RHS, sc)
		if s.Op == syntax.EQ {
			c.bindTarget(s.LHS, sc)
		} else {
			c.checkAugTarget(s.LHS, sc)
		}

	case *syntax.DefStmt:
		body := newScope(sc)
		for _, p := range s.Params {
			switch param := p.(type) {
			case *syntax.Ident:
				c.checkBindName(param, sc)
				body.bind(param.Name)
			case *syntax.BinaryExpr:
				if param.Op != syntax.EQ {
					c.fail(param, CodeBannedConstruct, "parameter", "malformed parameter")
					return
				}
				name, ok := param.X.(*syntax.Ident)
				if !ok {
					c.fail(param, CodeBannedConstruct, "parameter", "malformed parameter")
					return
				}
				if !isLiteralDefault(param.Y) {
					c.fail(param.Y, CodeBannedConstruct, "parameter default",
						"parameter defaults must be literals")
					return
				}
				c.checkBindName(name, sc)
				body.bind(name.Name)
			default:
				c.fail(p, CodeBannedConstruct, "starred parameter",
					"variadic parameters are not available in step programs")
				return
			}
		}
		c.checkBindName(s.Name, sc)
		sc.bind(s.Name.Name)
		c.checkStmts(s.Body, body)

	case *syntax.IfStmt:
		c.checkExpr(s.Cond, sc)
		c.checkStmts(s.True, sc)
		c.checkStmts(s.False, sc)

	case *syntax.ForStmt:
		c.checkExpr(s.X, sc)
		c.bindTarget(s.Vars, sc)
		c.checkStmts(s.Body, sc)

	case *syntax.WhileStmt:
		c.checkExpr(s.Cond, sc)
		c.checkStmts(s.Body, sc)

	case *syntax.BranchStmt:
		// break / continue / pass

	case *syntax.ReturnStmt:
		if s.Result != nil {
			c.checkExpr(s.Result, sc)
		}

	case *syntax.LoadStmt:
		c.fail(s, CodeBannedConstruct, "load", "load is not available in step programs")

	default:
		c.fail(stmt, CodeBannedConstruct, fmt.Sprintf("%T", stmt), "statement is not allowed")
	}
}

// bindTarget binds the names of an assignment target, validating the target
// shape. Attribute assignment is banned; subscript assignment requires the
// base to be an expression that already resolves.
func (c *checker) bindTarget(target syntax.Expr, sc *scope) {
	switch t := target.(type) {
	case *syntax.Ident:
		c.checkBindName(t, sc)
		sc.bind(t.Name)
	case *syntax.ParenExpr:
		c.bindTarget(t.X, sc)
	case *syntax.TupleExpr:
		for _, elem := range t.List {
			c.bindTarget(elem, sc)
		}
	case *syntax.ListExpr:
		for _, elem := range t.List {
			c.bindTarget(elem, sc)
		}
	case *syntax.IndexExpr:
		c.checkExpr(t.X, sc)
		c.checkExpr(t.Y, sc)
	case *syntax.DotExpr:
		c.fail(t, CodeBannedConstruct, "attribute assignment",
			"assigning to attributes is not available in step programs")
	default:
		c.fail(target, CodeBannedConstruct, "assignment target",
			fmt.Sprintf("cannot assign to %T", target))
	}
}

// checkAugTarget validates the target of an augmented assignment, which must
// already be bound.
func (c *checker) checkAugTarget(target syntax.Expr, sc *scope) {
	switch t := target.(type) {
	case *syntax.Ident:
		c.checkExpr(t, sc)
	case *syntax.IndexExpr:
		c.checkExpr(t.X, sc)
		c.checkExpr(t.Y, sc)
	case *syntax.DotExpr:
		c.fail(t, CodeBannedConstruct, "attribute assignment",
			"assigning to attributes is not available in step programs")
	default:
		c.fail(target, CodeBannedConstruct, "assignment target",
			fmt.Sprintf("cannot assign to %T", target))
	}
}

// checkBindName validates a name being bound (dunder names cannot be
// introduced either).
func (c *checker) checkBindName(ident *syntax.Ident, sc *scope) {
	if isDunder(ident.Name) {
		c.fail(ident, CodeBannedConstruct, "dunder name",
			fmt.Sprintf("names of the form __x__ are reserved: %s", ident.Name))
	}
}

func (c *checker) checkExpr(expr syntax.Expr, sc *scope) {
	if c.viol != nil || expr == nil {
		return
	}

	switch e := expr.(type) {
	case *syntax.Ident:
		if isDunder(e.Name) {
			c.fail(e, CodeBannedConstruct, "dunder name",
				fmt.Sprintf("names of the form __x__ are reserved: %s", e.Name))
			return
		}
		if !sc.resolves(e.Name) {
			c.fail(e, CodeUnknownName, "",
				fmt.Sprintf("name %q is not defined", e.Name))
		}

	case *syntax.Literal:
		// ok

	case *syntax.ParenExpr:
		c.checkExpr(e.X, sc)

	case *syntax.ListExpr:
		for _, elem := range e.List {
			c.checkExpr(elem, sc)
		}

	case *syntax.TupleExpr:
		for _, elem := range e.List {
			c.checkExpr(elem, sc)
		}

	case *syntax.DictExpr:
		for _, entry := range e.List {
			c.checkExpr(entry, sc)
		}

	case *syntax.DictEntry:
		c.checkExpr(e.Key, sc)
		c.checkExpr(e.Value, sc)

	case *syntax.CondExpr:
		c.checkExpr(e.Cond, sc)
		c.checkExpr(e.True, sc)
		c.checkExpr(e.False, sc)

	case *syntax.UnaryExpr:
		if e.Op == syntax.STAR || e.Op == syntax.STARSTAR {
			c.fail(e, CodeBannedConstruct, "starred expression",
				"starred expressions are not available in step programs")
			return
		}
		c.checkExpr(e.X, sc)

	case *syntax.BinaryExpr:
		c.checkExpr(e.X, sc)
		c.checkExpr(e.Y, sc)

	case *syntax.SliceExpr:
		c.checkExpr(e.X, sc)
		c.checkExpr(e.Lo, sc)
		c.checkExpr(e.Hi, sc)
		c.checkExpr(e.Step, sc)

	case *syntax.IndexExpr:
		c.checkExpr(e.X, sc)
		c.checkExpr(e.Y, sc)

	case *syntax.DotExpr:
		if isDunder(e.Name.Name) {
			c.fail(e, CodeBannedConstruct, "dunder attribute",
				fmt.Sprintf("attributes of the form __x__ are reserved: %s", e.Name.Name))
			return
		}
		c.checkExpr(e.X, sc)

	case *syntax.CallExpr:
		c.checkExpr(e.Fn, sc)
		for _, arg := range e.Args {
			if kw, ok := arg.(*syntax.BinaryExpr); ok && kw.Op == syntax.EQ {
				if _, ok := kw.X.(*syntax.Ident); ok {
					c.checkExpr(kw.Y, sc)
					continue
				}
			}
			if star, ok := arg.(*syntax.UnaryExpr); ok && (star.Op == syntax.STAR || star.Op == syntax.STARSTAR) {
				c.fail(star, CodeBannedConstruct, "starred argument",
					"argument unpacking is not available in step programs")
				return
			}
			c.checkExpr(arg, sc)
		}

	case *syntax.Comprehension:
		child := newScope(sc)
		for _, clause := range e.Clauses {
			switch cl := clause.(type) {
			case *syntax.ForClause:
				c.checkExpr(cl.X, child)
				c.bindTarget(cl.Vars, child)
			case *syntax.IfClause:
				c.checkExpr(cl.Cond, child)
			}
		}
		c.checkExpr(e.Body, child)

	case *syntax.LambdaExpr:
		c.fail(e, CodeBannedConstruct, "lambda",
			"lambda is not available in step programs")

	default:
		c.fail(expr, CodeBannedConstruct, fmt.Sprintf("%T", expr), "expression is not allowed")
	}
}

func isDunder(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

// isLiteralDefault reports whether expr is acceptable as a parameter
// default: a literal, None/True/False, a signed literal, or a collection of
// such.
func isLiteralDefault(expr syntax.Expr) bool {
	switch e := expr.(type) {
	case *syntax.Literal:
		return true
	case *syntax.Ident:
		return e.Name == "None" || e.Name == "True" || e.Name == "False"
	case *syntax.UnaryExpr:
		if e.Op == syntax.MINUS || e.Op == syntax.PLUS {
			return isLiteralDefault(e.X)
		}
		return false
	case *syntax.ParenExpr:
		return isLiteralDefault(e.X)
	case *syntax.ListExpr:
		for _, elem := range e.List {
			if !isLiteralDefault(elem) {
				return false
			}
		}
		return true
	case *syntax.TupleExpr:
		for _, elem := range e.List {
			if !isLiteralDefault(elem) {
				return false
			}
		}
		return true
	case *syntax.DictExpr:
		for _, entry := range e.List {
			de, ok := entry.(*syntax.DictEntry)
			if !ok || !isLiteralDefault(de.Key) || !isLiteralDefault(de.Value) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
