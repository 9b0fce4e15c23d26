// Package patch defines the contract between patchd and the patch plugins it
// loads. A plugin exports exactly one of the symbols below, holding a value
// that implements Unit.
package patch

import (
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
)

const (
	// Symbol is the exported variable of an ordinary patch plugin.
	Symbol = "MarseyPatch"
	// SubverterSymbol is the exported variable of a subverter plugin.
	SubverterSymbol = "SubverterPatch"
)

// Manifest is the display and scheduling metadata of a patch.
type Manifest struct {
	Name        string
	Description string
	// Preload patches are applied before the host's content modules load.
	Preload bool
}

// Unit is what a patch plugin exposes.
type Unit interface {
	Manifest() Manifest
	// PatchAll installs every redirection the patch carries.
	PatchAll(e *hook.Engine) error
}

// Entrypoint is implemented by patches that want code run after a
// successful PatchAll. Entry runs on its own goroutine and is not awaited.
type Entrypoint interface {
	Entry()
}

// LoggerAware patches receive a named logger when logging is allowed.
type LoggerAware interface {
	SetLogger(l *zap.Logger)
}

// Func adapts plain functions to Unit. Useful for patches compiled into the
// host and for tests.
type Func struct {
	Meta  Manifest
	Apply func(e *hook.Engine) error
	Run   func()
}

func (f *Func) Manifest() Manifest { return f.Meta }

func (f *Func) PatchAll(e *hook.Engine) error {
	if f.Apply == nil {
		return nil
	}
	return f.Apply(e)
}

// Entry runs Run when set.
func (f *Func) Entry() {
	if f.Run != nil {
		f.Run()
	}
}

var (
	_ Unit       = (*Func)(nil)
	_ Entrypoint = (*Func)(nil)
)
