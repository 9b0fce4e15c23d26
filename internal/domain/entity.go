// Package domain contains the core entities and interfaces of patchd.
package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
	"github.com/eliteGoblin/focusd/patchd/pkg/patch"
)

// PatchKind tells ordinary patches apart from the privileged subverter.
// Resource packs share the toggle store under their own kind.
type PatchKind string

const (
	KindPatch        PatchKind = "patch"
	KindSubverter    PatchKind = "subverter"
	KindResourcePack PatchKind = "resource"
)

// PatchDescriptor is one loaded unit of injected behavior.
type PatchDescriptor struct {
	SourcePath  string
	Enabled     bool
	Preload     bool
	Name        string
	Description string
	Kind        PatchKind

	Unit   patch.Unit
	Module *hook.Module // module registered for the patch in the hook table
}

// Entry returns the patch's entry callable, if it has one.
func (d *PatchDescriptor) Entry() (func(), bool) {
	if d.Unit == nil {
		return nil, false
	}
	ep, ok := d.Unit.(patch.Entrypoint)
	if !ok {
		return nil, false
	}
	return ep.Entry, true
}

// HideLevel is the process-wide stealth strictness.
type HideLevel int

const (
	HideDisabled HideLevel = iota
	HideNormal
	HideExplicit
	HideUnconditional
)

var hideLevelNames = []string{"Disabled", "Normal", "Explicit", "Unconditional"}

func (l HideLevel) String() string {
	if l >= HideDisabled && l <= HideUnconditional {
		return hideLevelNames[l]
	}
	return "HideLevel(" + strconv.Itoa(int(l)) + ")"
}

// ParseHideLevel accepts a level name (case-insensitive) or its number.
func ParseHideLevel(s string) (HideLevel, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < int(HideDisabled) || n > int(HideUnconditional) {
			return HideDisabled, fmt.Errorf("hide level %d out of range", n)
		}
		return HideLevel(n), nil
	}
	for i, name := range hideLevelNames {
		if strings.EqualFold(name, s) {
			return HideLevel(i), nil
		}
	}
	return HideDisabled, fmt.Errorf("unknown hide level %q", s)
}

// MarshalText lets configuration files carry level names.
func (l HideLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *HideLevel) UnmarshalText(b []byte) error {
	v, err := ParseHideLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// PatchState is the controller's persisted toggle for one patch file.
type PatchState struct {
	Path    string
	Kind    PatchKind
	Enabled bool
	Preload bool
}

// LocateResult is the outcome of a locator run. Missing names are not an error.
type LocateResult struct {
	Found   map[string]ModuleHandle
	Missing []string
}

// Complete reports whether every required name was found.
func (r LocateResult) Complete() bool { return len(r.Missing) == 0 }
