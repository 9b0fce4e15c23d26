package stealth

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
)

// State of presence concealment. There is no way back from Concealed.
type State int32

const (
	Visible State = iota
	Concealed
)

func (s State) String() string {
	if s == Concealed {
		return "concealed"
	}
	return "visible"
}

// Concealer filters hidden modules and targets out of the table's
// enumeration targets.
type Concealer struct {
	table  *hook.Table
	logger *zap.Logger

	// engine has a private owner id so no other engine can remove the filters.
	engine *hook.Engine
	state  atomic.Int32

	mu       sync.RWMutex
	modules  map[*hook.Module]struct{}
	prefixes []string
}

// NewConcealer creates a concealer hiding targets whose type name starts with
// any of prefixes.
func NewConcealer(table *hook.Table, prefixes []string, logger *zap.Logger) *Concealer {
	return &Concealer{
		table:    table,
		logger:   logger,
		engine:   hook.NewEngine("conceal-" + uuid.NewString()),
		modules:  make(map[*hook.Module]struct{}),
		prefixes: append([]string(nil), prefixes...),
	}
}

// Hide adds m to the hidden set. It works before and after Conceal.
func (c *Concealer) Hide(m *hook.Module) {
	if m == nil {
		return
	}
	c.mu.Lock()
	c.modules[m] = struct{}{}
	c.mu.Unlock()
}

// HideMatching hides loaded modules whose full name contains name. Without
// recursive only the first match is hidden. It returns the number hidden.
func (c *Concealer) HideMatching(name string, recursive bool) int {
	n := 0
	for _, m := range c.table.Modules() {
		if !strings.Contains(m.FullName(), name) {
			continue
		}
		c.Hide(m)
		n++
		if !recursive {
			break
		}
	}
	return n
}

// Hidden reports whether m is in the hidden set.
func (c *Concealer) Hidden(m *hook.Module) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.modules[m]
	return ok
}

// State returns the current concealment state.
func (c *Concealer) State() State { return State(c.state.Load()) }

// Conceal installs the enumeration filters. Calling it again is a no-op.
func (c *Concealer) Conceal() error {
	if !c.state.CompareAndSwap(int32(Visible), int32(Concealed)) {
		return nil
	}
	if err := c.engine.Intercept(c.table.ModulesTarget(), hook.Postfix(c.filterModules)); err != nil {
		return fmt.Errorf("failed to conceal modules: %w", err)
	}
	if err := c.engine.Intercept(c.table.TargetsTarget(), hook.Postfix(c.filterTargets)); err != nil {
		return fmt.Errorf("failed to conceal targets: %w", err)
	}
	c.logger.Debug("concealment active")
	return nil
}

func (c *Concealer) filterModules(call *hook.Call) {
	mods, ok := call.Result.([]*hook.Module)
	if !ok {
		return
	}
	out := make([]*hook.Module, 0, len(mods))
	for _, m := range mods {
		if !c.Hidden(m) {
			out = append(out, m)
		}
	}
	call.Result = out
}

func (c *Concealer) filterTargets(call *hook.Call) {
	targets, ok := call.Result.([]*hook.Target)
	if !ok {
		return
	}
	out := make([]*hook.Target, 0, len(targets))
	for _, t := range targets {
		if c.Hidden(t.Module()) || c.matchesPrefix(t.TypeName()) {
			continue
		}
		out = append(out, t)
	}
	call.Result = out
}

func (c *Concealer) matchesPrefix(typeName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.prefixes {
		if strings.HasPrefix(typeName, p) {
			return true
		}
	}
	return false
}
