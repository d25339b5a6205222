package policy

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ACCEPTED PROGRAMS
// =============================================================================

func TestValidateAcceptsTypicalProgram(t *testing.T) {
	program := `
docs = ctx.docs()
total = 0
hits = []
for d in docs:
    pos = d.find("needle")
    if pos >= 0:
        hits.append(pos)
        total += 1
state["hits"] = hits
squares = [i * i for i in range(10) if i % 2 == 0]
print(len(squares))
`
	file, viol := Validate(program)
	require.Nil(t, viol)
	assert.NotNil(t, file)
}

func TestValidateAcceptsFunctionDefs(t *testing.T) {
	program := `
def clip(text, limit=10):
    if len(text) > limit:
        return text[:limit]
    return text

state["out"] = clip("hello world")
`
	_, viol := Validate(program)
	assert.Nil(t, viol)
}

func TestValidateAcceptsWhileLoop(t *testing.T) {
	program := "i = 0\nwhile i < 3:\n    i += 1\n"
	_, viol := Validate(program)
	assert.Nil(t, viol)
}

func TestValidateAcceptsAllowedBuiltins(t *testing.T) {
	program := `
xs = sorted([3, 1, 2])
state["sum"] = sum(xs)
state["mapped"] = map(str, xs)
state["filtered"] = filter(None, [0, 1, 2])
state["pairs"] = list(zip(xs, reversed(xs)))
`
	_, viol := Validate(program)
	assert.Nil(t, viol)
}

// =============================================================================
// BANNED CONSTRUCTS
// =============================================================================

func TestValidateRejectsImport(t *testing.T) {
	_, viol := Validate("import os\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeBannedConstruct, viol.Code)
	assert.Equal(t, "import", viol.Construct)
}

func TestValidateRejectsFromImport(t *testing.T) {
	_, viol := Validate("from os import path\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeBannedConstruct, viol.Code)
	assert.Equal(t, "import", viol.Construct)
}

func TestValidateRejectsLoad(t *testing.T) {
	_, viol := Validate(`load("module.star", "helper")` + "\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeBannedConstruct, viol.Code)
	assert.Equal(t, "load", viol.Construct)
}

func TestValidateRejectsForeignStatements(t *testing.T) {
	cases := map[string]string{
		"class":   "class Foo:\n    pass\n",
		"with":    "with open() as f:\n    pass\n",
		"try":     "try:\n    x = 1\nexcept Exception:\n    pass\n",
		"del":     "del x\n",
		"global":  "global x\n",
		"yield":   "yield 1\n",
		"async":   "async def f():\n    pass\n",
		"raise":   "raise ValueError\n",
		"assert":  "assert True\n",
	}
	for construct, program := range cases {
		_, viol := Validate(program)
		require.NotNil(t, viol, "program with %s should be rejected", construct)
		assert.Equal(t, CodeBannedConstruct, viol.Code, construct)
		assert.Equal(t, construct, viol.Construct, construct)
	}
}

func TestValidateRejectsDecorator(t *testing.T) {
	_, viol := Validate("@cached\ndef f():\n    return 1\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeBannedConstruct, viol.Code)
	assert.Equal(t, "decorator", viol.Construct)
}

func TestValidateRejectsLambda(t *testing.T) {
	_, viol := Validate("f = lambda x: x\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeBannedConstruct, viol.Code)
	assert.Equal(t, "lambda", viol.Construct)
}

func TestValidateRejectsDunderAttribute(t *testing.T) {
	_, viol := Validate("x = ctx.__class__\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeBannedConstruct, viol.Code)
	assert.Equal(t, "dunder attribute", viol.Construct)
}

func TestValidateRejectsDunderName(t *testing.T) {
	_, viol := Validate("__secret__ = 1\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeBannedConstruct, viol.Code)
	assert.Equal(t, "dunder name", viol.Construct)
}

func TestValidateRejectsAttributeAssignment(t *testing.T) {
	_, viol := Validate("ctx.hijacked = 1\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeBannedConstruct, viol.Code)
	assert.Equal(t, "attribute assignment", viol.Construct)
}

func TestValidateRejectsStarredArgument(t *testing.T) {
	_, viol := Validate("xs = [1, 2]\nprint(*xs)\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeBannedConstruct, viol.Code)
	assert.Equal(t, "starred argument", viol.Construct)
}

func TestValidateRejectsNonLiteralDefault(t *testing.T) {
	_, viol := Validate("n = 3\ndef f(k=n):\n    return k\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeBannedConstruct, viol.Code)
	assert.Equal(t, "parameter default", viol.Construct)
}

func TestValidateRejectsVariadicParams(t *testing.T) {
	_, viol := Validate("def f(*args):\n    return args\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeBannedConstruct, viol.Code)
}

// =============================================================================
// NAME SCOPING
// =============================================================================

func TestValidateRejectsUnknownName(t *testing.T) {
	_, viol := Validate("x = mystery + 1\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeUnknownName, viol.Code)
	assert.Contains(t, viol.Message, "mystery")
}

func TestValidateRejectsEvalLikeNames(t *testing.T) {
	for _, name := range []string{"eval", "exec", "compile", "getattr", "hasattr", "dir", "type", "open", "fail"} {
		_, viol := Validate(name + "(\"x\")\n")
		require.NotNil(t, viol, "%s should be rejected", name)
		assert.Equal(t, CodeUnknownName, viol.Code, name)
	}
}

func TestValidateRejectsUseBeforeDef(t *testing.T) {
	_, viol := Validate("x = y\ny = 1\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeUnknownName, viol.Code)
}

func TestValidateRejectsAugmentedAssignToUnbound(t *testing.T) {
	_, viol := Validate("z += 1\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeUnknownName, viol.Code)
}

func TestValidateAllowsCapabilitiesAndLocals(t *testing.T) {
	program := "n = len(ctx.docs())\nh = tool.search(\"q\")\nstate[\"n\"] = n\n"
	_, viol := Validate(program)
	assert.Nil(t, viol)
}

func TestValidateComprehensionScoping(t *testing.T) {
	// Comprehension variables do not leak.
	_, viol := Validate("xs = [i for i in range(3)]\ny = i\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeUnknownName, viol.Code)
}

// =============================================================================
// SYNTAX ERRORS AND POSITIONS
// =============================================================================

func TestValidateReportsSyntaxError(t *testing.T) {
	_, viol := Validate("x = = 1\n")
	require.NotNil(t, viol)
	assert.Equal(t, CodeSyntaxError, viol.Code)
}

func TestViolationCarriesPosition(t *testing.T) {
	_, viol := Validate("x = 1\ny = mystery\n")
	require.NotNil(t, viol)
	assert.Equal(t, int32(2), viol.Line)
}

func TestAllowedBuiltinsSorted(t *testing.T) {
	names := AllowedBuiltins()
	assert.True(t, sort.StringsAreSorted(names))
	assert.Contains(t, names, "len")
	assert.Contains(t, names, "sum")
	assert.Contains(t, names, "print")
	assert.NotContains(t, names, "getattr")
}
