// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
	"github.com/eliteGoblin/focusd/patchd/pkg/patch"
)

// Call targets of the fake host.
const (
	EntryInit   = "Content.Client.Entry.EntryPoint.Init"
	LoadKeyFile = "Robust.Client.Input.InputManager.LoadKeyFile"
	FindFiles   = "Robust.Shared.ContentPack.ResourceManager.ContentFindFiles"
)

// Key file loader opcodes, matching the engine's BindFix.
const (
	opLoadArg   = "ldarg"
	opLoadConst = "ldc"
	opCompareEq = "ceq"
	opCall      = "call"
)

// FakeHost mimics a game client exposing its call targets through a hook
// table. Engine modules and content modules load separately so tests can
// make content show up late.
type FakeHost struct {
	Table   *hook.Table
	Version string

	files []string
	inits atomic.Int32
}

// NewFakeHost creates a host of the given engine version whose content
// listing returns files.
func NewFakeHost(version string, files ...string) *FakeHost {
	return &FakeHost{
		Table:   hook.NewTable(),
		Version: version,
		files:   files,
	}
}

// LoadEngine loads Robust.Client and Robust.Shared.
func (h *FakeHost) LoadEngine() error {
	body := []hook.Instruction{
		{Op: opLoadArg, Operand: 1},
		{Op: opLoadArg, Operand: 2},
		{Op: opCall, Operand: "RegisterBinding"},
	}
	if _, err := h.Table.Load(h.identity("Robust.Client"),
		hook.Program(LoadKeyFile, body, keyFileExec)); err != nil {
		return err
	}
	_, err := h.Table.Load(h.identity("Robust.Shared"),
		hook.Fn(FindFiles, h.findFiles))
	return err
}

// LoadContent loads Content.Client and Content.Shared.
func (h *FakeHost) LoadContent() error {
	if _, err := h.Table.Load("Content.Client, Version=0.0.0.0",
		hook.Fn(EntryInit, h.init)); err != nil {
		return err
	}
	_, err := h.Table.Load("Content.Shared, Version=0.0.0.0")
	return err
}

// LoadContentAfter loads content on a goroutine after d.
func (h *FakeHost) LoadContentAfter(d time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() {
		time.Sleep(d)
		done <- h.LoadContent()
	}()
	return done
}

// Start loads everything at once.
func (h *FakeHost) Start() error {
	if err := h.LoadEngine(); err != nil {
		return err
	}
	return h.LoadContent()
}

// Call invokes a named target the way host code would.
func (h *FakeHost) Call(name string, args ...any) (any, error) {
	t := h.Table.Resolve(name)
	if t == nil {
		return nil, fmt.Errorf("no target %s", name)
	}
	return t.Call(args...)
}

// Init runs the content entry point.
func (h *FakeHost) Init() (any, error) { return h.Call(EntryInit) }

// Inits returns how many times the entry point body ran.
func (h *FakeHost) Inits() int { return int(h.inits.Load()) }

// ListFiles runs the content file listing.
func (h *FakeHost) ListFiles() ([]string, error) {
	res, err := h.Call(FindFiles)
	if err != nil {
		return nil, err
	}
	files, _ := res.([]string)
	return files, nil
}

// RegisterFlag returns the flag the key file loader passes on for a binding
// given whether it came from user data.
func (h *FakeHost) RegisterFlag(binding string, userData bool) (bool, error) {
	res, err := h.Call(LoadKeyFile, binding, userData)
	if err != nil {
		return false, err
	}
	flag, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected result %T", res)
	}
	return flag, nil
}

func (h *FakeHost) identity(name string) string {
	return fmt.Sprintf("%s, Version=%s.0", name, h.Version)
}

func (h *FakeHost) findFiles(...any) (any, error) {
	return append([]string(nil), h.files...), nil
}

func (h *FakeHost) init(...any) (any, error) {
	h.inits.Add(1)
	return "initialized", nil
}

// keyFileExec is a tiny stack machine: RegisterBinding receives the top of
// the stack.
func keyFileExec(body []hook.Instruction, args ...any) (any, error) {
	var stack []any
	for _, in := range body {
		switch in.Op {
		case opLoadArg:
			idx, _ := in.Operand.(int)
			if idx < 1 || idx > len(args) {
				return nil, fmt.Errorf("ldarg %d out of range", idx)
			}
			stack = append(stack, args[idx-1])
		case opLoadConst:
			stack = append(stack, in.Operand)
		case opCompareEq:
			if len(stack) < 2 {
				return nil, errors.New("ceq on short stack")
			}
			a, b := stack[len(stack)-2], stack[len(stack)-1]
			stack = append(stack[:len(stack)-2], a == b)
		case opCall:
			if len(stack) == 0 {
				return nil, errors.New("call on empty stack")
			}
			return stack[len(stack)-1], nil
		}
	}
	return nil, errors.New("RegisterBinding never called")
}

// Journal records the order in which patches act.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *Journal) Add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// InitCounter is a patch that counts entry point calls with an After
// redirection and journals when it is applied.
type InitCounter struct {
	patch.Func
	Calls   atomic.Int32
	Entered chan struct{}
}

// NewInitCounter builds an InitCounter named name patching table's entry
// point.
func NewInitCounter(name string, preload bool, table *hook.Table, j *Journal) *InitCounter {
	c := &InitCounter{Entered: make(chan struct{})}
	c.Meta = patch.Manifest{Name: name, Description: "counts entry point calls", Preload: preload}
	c.Apply = func(e *hook.Engine) error {
		j.Add("apply:" + name)
		return e.Intercept(table.Resolve(EntryInit), hook.Postfix(func(*hook.Call) { c.Calls.Add(1) }))
	}
	c.Run = func() { close(c.Entered) }
	return c
}
