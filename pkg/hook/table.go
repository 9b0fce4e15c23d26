package hook

import (
	"fmt"
	"strings"
	"sync"
)

// RuntimeModuleName is the full name of the built-in module holding the
// table's own enumeration and load-notification targets.
const RuntimeModuleName = "hook.Runtime, Version=1.0.0.0"

const (
	modulesTargetName = "Runtime.GetModules"
	targetsTargetName = "Runtime.GetTargets"
	onLoadPrefix      = "Runtime.OnLoad."
)

// Module is a named group of targets, analogous to a loaded code unit.
type Module struct {
	table    *Table
	fullName string

	mu      sync.RWMutex
	targets []*Target
	byName  map[string]*Target
}

// FullName returns the identity string the module was loaded with.
func (m *Module) FullName() string { return m.fullName }

// Name returns the short name, the part of FullName before the first comma.
func (m *Module) Name() string {
	name, _, _ := strings.Cut(m.fullName, ",")
	return strings.TrimSpace(name)
}

// Target looks a target up by its qualified name.
func (m *Module) Target(name string) *Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byName[name]
}

// Targets enumerates the module's targets through the table's hookable
// enumeration target, so installed redirections shape the result.
func (m *Module) Targets() []*Target {
	res, err := m.table.targetsT.Call(m)
	if err != nil {
		return nil
	}
	out, _ := res.([]*Target)
	return out
}

func (m *Module) rawTargets() []*Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Target(nil), m.targets...)
}

func (m *Module) add(d Def) (*Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[d.name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetExists, d.name)
	}
	t := &Target{module: m, name: d.name, fn: d.fn, program: d.program, exec: d.exec}
	m.targets = append(m.targets, t)
	m.byName[d.name] = t
	return t, nil
}

// Table is the process-wide registry of modules and their call targets.
type Table struct {
	mu       sync.RWMutex
	modules  []*Module
	handlers []*Target

	runtime  *Module
	modulesT *Target
	targetsT *Target
}

// NewTable creates a table holding only the runtime module.
func NewTable() *Table {
	t := &Table{}
	t.runtime = t.newModule(RuntimeModuleName)
	t.modulesT, _ = t.runtime.add(Fn(modulesTargetName, func(...any) (any, error) {
		return t.rawModules(), nil
	}))
	t.targetsT, _ = t.runtime.add(Fn(targetsTargetName, func(args ...any) (any, error) {
		if len(args) == 0 {
			return []*Target(nil), nil
		}
		m, ok := args[0].(*Module)
		if !ok || m == nil {
			return []*Target(nil), nil
		}
		return m.rawTargets(), nil
	}))
	t.modules = []*Module{t.runtime}
	return t
}

func (t *Table) newModule(fullName string) *Module {
	return &Module{table: t, fullName: fullName, byName: make(map[string]*Target)}
}

// Load registers a module with its targets and notifies every load handler.
// Handlers run synchronously on the caller's goroutine.
func (t *Table) Load(fullName string, defs ...Def) (*Module, error) {
	m := t.newModule(fullName)
	for _, d := range defs {
		if _, err := m.add(d); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	for _, existing := range t.modules {
		if existing.fullName == fullName {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrModuleExists, fullName)
		}
	}
	t.modules = append(t.modules, m)
	handlers := append([]*Target(nil), t.handlers...)
	t.mu.Unlock()

	for _, h := range handlers {
		_, _ = h.Call(m)
	}
	return m, nil
}

// OnLoad subscribes fn to module loads. The subscription is itself a target in
// the runtime module named "Runtime.OnLoad.<name>", so it can be redirected.
func (t *Table) OnLoad(name string, fn func(*Module)) (*Target, error) {
	h, err := t.runtime.add(Fn(onLoadPrefix+name, func(args ...any) (any, error) {
		if len(args) > 0 {
			if m, ok := args[0].(*Module); ok {
				fn(m)
			}
		}
		return nil, nil
	}))
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.handlers = append(t.handlers, h)
	t.mu.Unlock()
	return h, nil
}

// LoadHandlers returns the currently subscribed load-notification targets.
func (t *Table) LoadHandlers() []*Target {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Target(nil), t.handlers...)
}

// Modules enumerates loaded modules through the hookable enumeration target.
func (t *Table) Modules() []*Module {
	res, err := t.modulesT.Call()
	if err != nil {
		return nil
	}
	out, _ := res.([]*Module)
	return out
}

func (t *Table) rawModules() []*Module {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Module(nil), t.modules...)
}

// Runtime returns the built-in runtime module.
func (t *Table) Runtime() *Module { return t.runtime }

// ModulesTarget is the target behind Modules.
func (t *Table) ModulesTarget() *Target { return t.modulesT }

// TargetsTarget is the target behind Module.Targets.
func (t *Table) TargetsTarget() *Target { return t.targetsT }

// Resolve finds a target by qualified name across all modules, ignoring any
// enumeration redirections. It returns nil when nothing matches.
func (t *Table) Resolve(name string) *Target {
	for _, m := range t.rawModules() {
		if tg := m.Target(name); tg != nil {
			return tg
		}
	}
	return nil
}

// Module returns the loaded module with the given full name, or nil.
func (t *Table) Module(fullName string) *Module {
	for _, m := range t.rawModules() {
		if m.fullName == fullName {
			return m
		}
	}
	return nil
}
