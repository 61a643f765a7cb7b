package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRestricted(t *testing.T, code string, mutate func(*Limits)) Outcome {
	t.Helper()
	limits := DefaultLimits()
	if mutate != nil {
		mutate(&limits)
	}
	ctx, cancel := context.WithTimeout(context.Background(), limits.Timeout)
	defer cancel()

	p := NewRestrictedProvider()
	return p.Run(ctx, RunRequest{ExecID: "r1", Code: code, Runtime: mustRuntime(t, "python"), Limits: limits})
}

func TestRestricted_Print(t *testing.T) {
	out := runRestricted(t, `print("Hello, World!")`, nil)
	require.NoError(t, out.Err)
	assert.Equal(t, "Hello, World!\n", out.Stdout)
	assert.Empty(t, out.Stderr)
	assert.Zero(t, out.ExitCode)
}

func TestRestricted_Statements(t *testing.T) {
	code := `
squares = [n * n for n in range(5)]
total = 0
i = 0
while i < len(squares):
    total += squares[i]
    i += 1
for idx, v in enumerate(sorted(set([3, 1, 2]))):
    print(idx, v)
if total > 10:
    print("total", total)
`
	out := runRestricted(t, code, nil)
	require.NoError(t, out.Err)
	assert.Equal(t, "0 1\n1 2\n2 3\ntotal 30\n", out.Stdout)
}

func TestRestricted_SumAndRound(t *testing.T) {
	out := runRestricted(t, "print(sum([1, 2, 3]))\nprint(sum([1, 2], 10))\nprint(round(2.5))\nprint(round(3.14159, 2))\nprint(round(7))", nil)
	require.NoError(t, out.Err)
	assert.Equal(t, "6\n13\n2\n3.14\n7\n", out.Stdout)
}

func TestRestricted_SyntaxError(t *testing.T) {
	out := runRestricted(t, "print(", nil)
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.ExitCode)
	assert.True(t, strings.HasPrefix(out.Stderr, "Syntax Error: "), out.Stderr)
	assert.Empty(t, out.Stdout)
}

func TestRestricted_RuntimeErrorKeepsOutput(t *testing.T) {
	out := runRestricted(t, "print(\"before\")\nx = 1 // 0\nprint(\"after\")", nil)
	require.NoError(t, out.Err)
	assert.Equal(t, "before\n", out.Stdout)
	assert.True(t, strings.HasPrefix(out.Stderr, "Error: "), out.Stderr)
	assert.Equal(t, 1, out.ExitCode)
}

func TestRestricted_BuiltinsOutsideAllowList(t *testing.T) {
	for _, name := range []string{"getattr", "dir", "hasattr", "type"} {
		t.Run(name, func(t *testing.T) {
			out := runRestricted(t, "x = "+name+"(1)", nil)
			assert.Contains(t, out.Stderr, "name '"+name+"' is not defined")
		})
	}
}

func TestRestricted_NoImportStatement(t *testing.T) {
	out := runRestricted(t, "import math", nil)
	assert.True(t, strings.HasPrefix(out.Stderr, "Syntax Error: "), out.Stderr)
}

func TestRestricted_Timeout(t *testing.T) {
	start := time.Now()
	out := runRestricted(t, "print(\"spin\")\nwhile True:\n    pass", func(l *Limits) {
		l.Timeout = 100 * time.Millisecond
	})
	assert.True(t, IsTimeout(out.Err), "Err = %v", out.Err)
	assert.Equal(t, "spin\n", out.Stdout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRestricted_StepBudget(t *testing.T) {
	out := runRestricted(t, "while True:\n    pass", func(l *Limits) {
		l.MaxSteps = 10000
	})
	require.NoError(t, out.Err)
	assert.Contains(t, out.Stderr, "too many steps")
}

func TestRestricted_MemoryLimit(t *testing.T) {
	out := runRestricted(t, "print(\"start\")\nx = []\nwhile True:\n    x.append(\"a\" * 100000)", func(l *Limits) {
		l.MemoryBytes = 16 << 20
	})
	require.NoError(t, out.Err)
	assert.Equal(t, "start\n", out.Stdout)
	assert.Equal(t, 137, out.ExitCode)
	assert.Contains(t, out.Stderr, "out of memory")
}

func TestRestricted_OutputCapped(t *testing.T) {
	out := runRestricted(t, "for i in range(1000):\n    print(\"line\", i)", func(l *Limits) {
		l.MaxOutputBytes = 64
	})
	require.NoError(t, out.Err)
	assert.True(t, strings.HasSuffix(out.Stdout, truncationMarker))
	assert.LessOrEqual(t, len(out.Stdout), 64+len(truncationMarker))
}

func TestRestricted_NoRecursion(t *testing.T) {
	out := runRestricted(t, "def f(n):\n    return f(n + 1)\nf(0)", nil)
	assert.Contains(t, out.Stderr, "recursive")
}

func TestRestrictedBuiltins(t *testing.T) {
	names := RestrictedBuiltins()
	assert.Contains(t, names, "print")
	assert.Contains(t, names, "sum")
	assert.NotContains(t, names, "getattr")
	assert.IsIncreasing(t, names)
}
