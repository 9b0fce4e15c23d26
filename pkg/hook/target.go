package hook

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// Target is a hookable call target owned by a Module.
type Target struct {
	module  *Module
	name    string
	fn      Func
	program []Instruction
	exec    Executor

	// mu serializes installs and removals. Calls only read chain.
	mu      sync.Mutex
	records []*record
	chain   atomic.Pointer[chain]
}

// chain is the immutable dispatch state built from a target's records.
type chain struct {
	prefixes   []Prefix
	postfixes  []Postfix
	finalizers []Finalizer
	wrap       Wrapper
	program    []Instruction
}

// Def describes a target when loading a module.
type Def struct {
	name    string
	fn      Func
	program []Instruction
	exec    Executor
}

// Fn defines a plain function target.
func Fn(name string, fn Func) Def {
	return Def{name: name, fn: fn}
}

// Program defines a target whose logic is an instruction stream run by exec.
// Only program targets accept Rewrite redirections.
func Program(name string, body []Instruction, exec Executor) Def {
	return Def{name: name, program: slices.Clone(body), exec: exec}
}

// Name returns the qualified "Type.Method" name.
func (t *Target) Name() string { return t.name }

// TypeName returns the part of the name before the last dot.
func (t *Target) TypeName() string {
	if i := strings.LastIndex(t.name, "."); i >= 0 {
		return t.name[:i]
	}
	return ""
}

// MethodName returns the part of the name after the last dot.
func (t *Target) MethodName() string {
	return t.name[strings.LastIndex(t.name, ".")+1:]
}

func (t *Target) Module() *Module { return t.module }

// Rewritable reports whether the target carries an instruction stream.
func (t *Target) Rewritable() bool { return t.exec != nil }

// Program returns a copy of the unmodified instruction stream.
func (t *Target) Program() []Instruction { return slices.Clone(t.program) }

// Redirected reports whether any redirection is installed.
func (t *Target) Redirected() bool { return t.chain.Load() != nil }

// Original returns the unmodified logic of the target.
func (t *Target) Original() Func {
	if t.exec != nil {
		body, exec := t.program, t.exec
		return func(args ...any) (any, error) { return exec(body, args...) }
	}
	if t.fn == nil {
		return func(...any) (any, error) { return nil, nil }
	}
	return t.fn
}

// Call invokes the target through its current redirection chain.
func (t *Target) Call(args ...any) (result any, err error) {
	ch := t.chain.Load()
	if ch == nil {
		return t.Original()(args...)
	}

	c := &Call{Target: t, Args: args}
	if len(ch.finalizers) > 0 {
		defer func() {
			if r := recover(); r != nil {
				c.Err = fmt.Errorf("hook: %s panicked: %v", t.name, r)
			}
			for _, f := range ch.finalizers {
				c.Err = f(c, c.Err)
			}
			result, err = c.Result, c.Err
		}()
	}

	run := true
	for _, p := range ch.prefixes {
		if !p(c) {
			run = false
		}
	}
	if run {
		c.Result, c.Err = t.body(ch)(c.Args...)
	}
	for _, p := range ch.postfixes {
		p(c)
	}
	return c.Result, c.Err
}

func (t *Target) body(ch *chain) Func {
	switch {
	case ch.wrap != nil:
		w, orig := ch.wrap, t.Original()
		return func(args ...any) (any, error) { return w(orig, args...) }
	case ch.program != nil:
		body, exec := ch.program, t.exec
		return func(args ...any) (any, error) { return exec(body, args...) }
	default:
		return t.Original()
	}
}

func (t *Target) install(r *record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := append(slices.Clone(t.records), r)
	ch, err := t.build(next)
	if err != nil {
		return err
	}
	t.records = next
	t.chain.Store(ch)
	return nil
}

// remove drops every record of owner with kind k. Absent records are a no-op.
func (t *Target) remove(owner string, k Kind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := slices.DeleteFunc(slices.Clone(t.records), func(r *record) bool {
		return r.owner == owner && r.kind == k
	})
	if len(next) == len(t.records) {
		return nil
	}
	ch, err := t.build(next)
	if err != nil {
		return err
	}
	t.records = next
	t.chain.Store(ch)
	return nil
}

func (t *Target) has(owner string, k Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.ContainsFunc(t.records, func(r *record) bool {
		return r.owner == owner && r.kind == k
	})
}

// build composes records into a chain. Transpilers run in install order, each
// on the output of the previous one.
func (t *Target) build(records []*record) (ch *chain, err error) {
	if len(records) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			ch, err = nil, fmt.Errorf("hook: building %s: %v", t.name, r)
		}
	}()

	ch = &chain{}
	var program []Instruction
	rewritten := false
	for _, r := range records {
		switch p := r.patch.(type) {
		case Prefix:
			ch.prefixes = append(ch.prefixes, p)
		case Postfix:
			ch.postfixes = append(ch.postfixes, p)
		case Finalizer:
			ch.finalizers = append(ch.finalizers, p)
		case Wrapper:
			if ch.wrap != nil {
				return nil, fmt.Errorf("%w: %s", ErrWrapConflict, t.name)
			}
			ch.wrap = p
		case Transpiler:
			if t.exec == nil {
				return nil, fmt.Errorf("%w: %s", ErrNotRewritable, t.name)
			}
			if !rewritten {
				program = slices.Clone(t.program)
				rewritten = true
			}
			out, err := p(slices.Clone(program))
			if err != nil {
				return nil, fmt.Errorf("hook: rewriting %s: %w", t.name, err)
			}
			program = out
		}
	}
	if rewritten {
		if program == nil {
			program = []Instruction{}
		}
		ch.program = program
	}
	return ch, nil
}
