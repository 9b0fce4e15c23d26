package stealth

import (
	"fmt"

	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
)

// Redial suspends the host's module-load notifications while the engine
// loads its own modules.
type Redial struct {
	table  *hook.Table
	engine *hook.Engine
}

func NewRedial(table *hook.Table, engine *hook.Engine) *Redial {
	return &Redial{table: table, engine: engine}
}

// Disable vetoes every currently subscribed load handler.
func (r *Redial) Disable() error {
	for _, h := range r.table.LoadHandlers() {
		if r.engine.Installed(h, hook.Before) {
			continue
		}
		if err := r.engine.Intercept(h, hook.Prefix(hook.Skip)); err != nil {
			return fmt.Errorf("failed to suspend %s: %w", h.Name(), err)
		}
	}
	return nil
}

// Enable lifts what Disable installed.
func (r *Redial) Enable() error {
	var first error
	for _, h := range r.table.LoadHandlers() {
		if err := r.engine.Remove(h, hook.Before); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Suspend runs fn with notifications disabled and always re-enables them.
func (r *Redial) Suspend(fn func() error) (err error) {
	if err := r.Disable(); err != nil {
		return err
	}
	defer func() {
		if eerr := r.Enable(); eerr != nil && err == nil {
			err = eerr
		}
	}()
	return fn()
}
