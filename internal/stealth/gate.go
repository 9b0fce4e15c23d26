// Package stealth gates sensitive engine operations by hide level and keeps
// the engine's own modules out of the host's view.
package stealth

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/patchd/internal/domain"
	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
)

// Requirement is the level window a sensitive operation may run in.
type Requirement struct {
	Min, Max       domain.HideLevel
	HasMin, HasMax bool
}

// AtLeast allows execution at level l and above.
func AtLeast(l domain.HideLevel) Requirement {
	return Requirement{Min: l, HasMin: true}
}

// Below allows execution strictly below level l.
func Below(l domain.HideLevel) Requirement {
	return Requirement{Max: l, HasMax: true}
}

// Between allows execution from min up to, but excluding, max.
func Between(min, max domain.HideLevel) Requirement {
	return Requirement{Min: min, Max: max, HasMin: true, HasMax: true}
}

// Allows reports whether both bounds hold at level l.
func (r Requirement) Allows(l domain.HideLevel) bool {
	if r.HasMin && l < r.Min {
		return false
	}
	if r.HasMax && l >= r.Max {
		return false
	}
	return true
}

func (r Requirement) String() string {
	switch {
	case r.HasMin && r.HasMax:
		return fmt.Sprintf("[%s, %s)", r.Min, r.Max)
	case r.HasMin:
		return fmt.Sprintf(">= %s", r.Min)
	case r.HasMax:
		return fmt.Sprintf("< %s", r.Max)
	}
	return "any"
}

// Gate vetoes sensitive operations whose requirement the process level does
// not meet. Operations are declared with Sensitive and enforced by Init,
// which installs one shared Before check on each of them.
type Gate struct {
	level  domain.HideLevel
	engine *hook.Engine
	logger *zap.Logger

	mu       sync.RWMutex
	declared map[string]Requirement
	guarded  map[*hook.Target]Requirement
}

// NewGate creates a gate for the process-wide level.
func NewGate(level domain.HideLevel, engine *hook.Engine, logger *zap.Logger) *Gate {
	return &Gate{
		level:    level,
		engine:   engine,
		logger:   logger,
		declared: make(map[string]Requirement),
		guarded:  make(map[*hook.Target]Requirement),
	}
}

// Level returns the process-wide hide level.
func (g *Gate) Level() domain.HideLevel { return g.level }

// Sensitive declares a gated operation for inclusion in a module definition.
func (g *Gate) Sensitive(name string, req Requirement, fn hook.Func) hook.Def {
	g.mu.Lock()
	g.declared[name] = req
	g.mu.Unlock()
	return hook.Fn(name, fn)
}

// Init scans m for declared operations and guards each one.
func (g *Gate) Init(m *hook.Module) error {
	for _, t := range m.Targets() {
		g.mu.RLock()
		req, ok := g.declared[t.Name()]
		g.mu.RUnlock()
		if !ok {
			continue
		}
		if err := g.engine.Intercept(t, hook.Prefix(g.check)); err != nil {
			return fmt.Errorf("failed to gate %s: %w", t.Name(), err)
		}
		g.mu.Lock()
		g.guarded[t] = req
		g.mu.Unlock()
		g.logger.Debug("gated operation",
			zap.String("target", t.Name()),
			zap.Stringer("requirement", req))
	}
	return nil
}

// Guarded returns how many operations Init has guarded.
func (g *Gate) Guarded() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.guarded)
}

func (g *Gate) check(c *hook.Call) bool {
	g.mu.RLock()
	req, ok := g.guarded[c.Target]
	g.mu.RUnlock()
	if !ok {
		return true
	}
	if req.Allows(g.level) {
		return true
	}
	g.logger.Debug("vetoed by hide level",
		zap.String("target", c.Target.Name()),
		zap.Stringer("level", g.level))
	return false
}
