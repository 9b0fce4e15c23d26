package hook

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*Table, *Module) {
	t.Helper()
	tbl := NewTable()
	m, err := tbl.Load("Host.Core, Version=1.0.0.0",
		Fn("Greeter.Hello", func(args ...any) (any, error) {
			return "hello " + args[0].(string), nil
		}),
		Fn("Greeter.Fail", func(...any) (any, error) {
			return nil, errors.New("boom")
		}),
		Program("Keys.Load", []Instruction{{Op: "push", Operand: "a"}, {Op: "push", Operand: "b"}}, joinExec),
	)
	require.NoError(t, err)
	return tbl, m
}

// joinExec concatenates the operands of every push instruction.
func joinExec(body []Instruction, _ ...any) (any, error) {
	var sb strings.Builder
	for _, in := range body {
		if in.Op == "push" {
			sb.WriteString(in.Operand.(string))
		}
	}
	return sb.String(), nil
}

func TestEngine_PrefixVeto(t *testing.T) {
	_, m := newFixture(t)
	e := NewEngine("test")
	target := m.Target("Greeter.Hello")

	require.NoError(t, e.Intercept(target, Prefix(func(c *Call) bool {
		c.Result = "vetoed"
		return false
	})))

	res, err := target.Call("bob")
	require.NoError(t, err)
	assert.Equal(t, "vetoed", res)
}

func TestEngine_PrefixCanReplaceArgs(t *testing.T) {
	_, m := newFixture(t)
	e := NewEngine("test")
	target := m.Target("Greeter.Hello")

	require.NoError(t, e.Intercept(target, Prefix(func(c *Call) bool {
		c.Args = []any{"alice"}
		return true
	})))

	res, err := target.Call("bob")
	require.NoError(t, err)
	assert.Equal(t, "hello alice", res)
}

func TestEngine_PostfixRewritesResult(t *testing.T) {
	_, m := newFixture(t)
	e := NewEngine("test")
	target := m.Target("Greeter.Hello")

	require.NoError(t, e.Intercept(target, Postfix(func(c *Call) {
		c.Result = strings.ToUpper(c.Result.(string))
	})))

	res, err := target.Call("bob")
	require.NoError(t, err)
	assert.Equal(t, "HELLO BOB", res)
}

func TestEngine_RewriteProgram(t *testing.T) {
	_, m := newFixture(t)
	e := NewEngine("test")
	target := m.Target("Keys.Load")

	require.NoError(t, e.Intercept(target, Transpiler(func(body []Instruction) ([]Instruction, error) {
		return append(body, Instruction{Op: "push", Operand: "c"}), nil
	})))

	res, err := target.Call()
	require.NoError(t, err)
	assert.Equal(t, "abc", res)

	orig, err := target.Original()()
	require.NoError(t, err)
	assert.Equal(t, "ab", orig)
	assert.Len(t, target.Program(), 2)
}

func TestEngine_RewriteRejectsPlainFunction(t *testing.T) {
	_, m := newFixture(t)
	e := NewEngine("test")

	err := e.Intercept(m.Target("Greeter.Hello"), Transpiler(func(b []Instruction) ([]Instruction, error) {
		return b, nil
	}))
	assert.ErrorIs(t, err, ErrNotRewritable)
	assert.False(t, m.Target("Greeter.Hello").Redirected())
}

func TestEngine_RewriteErrorLeavesTargetUntouched(t *testing.T) {
	_, m := newFixture(t)
	e := NewEngine("test")
	target := m.Target("Keys.Load")

	err := e.Intercept(target, Transpiler(func([]Instruction) ([]Instruction, error) {
		return nil, errors.New("bad stream")
	}))
	require.Error(t, err)
	assert.False(t, target.Redirected())
}

func TestEngine_WrapReceivesOriginal(t *testing.T) {
	_, m := newFixture(t)
	e := NewEngine("test")
	target := m.Target("Greeter.Hello")

	require.NoError(t, e.Intercept(target, Wrapper(func(orig Func, args ...any) (any, error) {
		res, err := orig(args...)
		return "[" + res.(string) + "]", err
	})))

	res, err := target.Call("bob")
	require.NoError(t, err)
	assert.Equal(t, "[hello bob]", res)

	err = NewEngine("other").Intercept(target, Wrapper(func(orig Func, args ...any) (any, error) {
		return orig(args...)
	}))
	assert.ErrorIs(t, err, ErrWrapConflict)
}

func TestEngine_FinalizerSuppressesError(t *testing.T) {
	_, m := newFixture(t)
	e := NewEngine("test")
	target := m.Target("Greeter.Fail")

	var seen error
	require.NoError(t, e.Intercept(target, Finalizer(func(_ *Call, err error) error {
		seen = err
		return nil
	})))

	_, err := target.Call()
	assert.NoError(t, err)
	assert.EqualError(t, seen, "boom")
}

func TestEngine_FinalizerRecoversPanic(t *testing.T) {
	tbl := NewTable()
	m, err := tbl.Load("Host.Panic", Fn("P.Run", func(...any) (any, error) { panic("kaput") }))
	require.NoError(t, err)

	e := NewEngine("test")
	require.NoError(t, e.Intercept(m.Target("P.Run"), Finalizer(func(_ *Call, err error) error {
		return err
	})))

	_, err = m.Target("P.Run").Call()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaput")
}

func TestEngine_RemoveIsOwnerScopedAndIdempotent(t *testing.T) {
	_, m := newFixture(t)
	target := m.Target("Greeter.Hello")
	a, b := NewEngine("a"), NewEngine("b")

	upper := Postfix(func(c *Call) { c.Result = strings.ToUpper(c.Result.(string)) })
	bang := Postfix(func(c *Call) { c.Result = c.Result.(string) + "!" })
	require.NoError(t, a.Intercept(target, upper))
	require.NoError(t, b.Intercept(target, bang))

	require.NoError(t, a.Remove(target, After))
	require.NoError(t, a.Remove(target, After))
	assert.False(t, a.Installed(target, After))
	assert.True(t, b.Installed(target, After))

	res, err := target.Call("bob")
	require.NoError(t, err)
	assert.Equal(t, "hello bob!", res)

	require.NoError(t, b.RemoveAll(target))
	assert.False(t, target.Redirected())
}

func TestEngine_RejectsNilInput(t *testing.T) {
	_, m := newFixture(t)
	e := NewEngine("")
	assert.NotEmpty(t, e.ID())

	assert.ErrorIs(t, e.Intercept(nil, Prefix(Skip)), ErrNilTarget)
	assert.ErrorIs(t, e.Intercept(m.Target("Greeter.Hello"), Prefix(nil)), ErrNilPatch)
	assert.ErrorIs(t, e.InterceptAs(m.Target("Greeter.Hello"), After, Prefix(Skip)), ErrKindMismatch)
}

func TestEngine_ConcurrentCallsDuringInstall(t *testing.T) {
	_, m := newFixture(t)
	target := m.Target("Greeter.Hello")
	e := NewEngine("test")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				res, err := target.Call("x")
				assert.NoError(t, err)
				assert.True(t, strings.HasPrefix(res.(string), "hello x"))
			}
		}()
	}
	for j := 0; j < 50; j++ {
		require.NoError(t, e.Intercept(target, Postfix(func(c *Call) { c.Result = c.Result.(string) + "." })))
		require.NoError(t, e.Remove(target, After))
	}
	wg.Wait()
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Transpiler")
	require.NoError(t, err)
	assert.Equal(t, Rewrite, k)

	_, err = ParseKind("sideways")
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Equal(t, "terminating", TerminatingHandler.String())
}
