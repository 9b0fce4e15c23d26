package patchset

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"plugin"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/patchd/internal/domain"
	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
	"github.com/eliteGoblin/focusd/patchd/pkg/patch"
)

// SubverterName is the manifest name of the patch promoted to subverter.
const SubverterName = "Subverter"

// Symbols looks up exported values of an opened patch module.
type Symbols interface {
	Lookup(name string) (any, error)
}

// Opener opens a patch module by path.
type Opener interface {
	Open(path string) (Symbols, error)
}

// PluginOpener opens Go plugins built with -buildmode=plugin.
type PluginOpener struct{}

func (PluginOpener) Open(path string) (Symbols, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return pluginSymbols{p: p}, nil
}

type pluginSymbols struct {
	p *plugin.Plugin
}

func (s pluginSymbols) Lookup(name string) (any, error) {
	return s.p.Lookup(name)
}

// StaticOpener serves compiled-in modules keyed by path, then by symbol.
type StaticOpener map[string]map[string]any

func (o StaticOpener) Open(path string) (Symbols, error) {
	syms, ok := o[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	return staticSymbols(syms), nil
}

type staticSymbols map[string]any

func (s staticSymbols) Lookup(name string) (any, error) {
	v, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("symbol %s not found", name)
	}
	return v, nil
}

// Suspender runs fn while the host's load notifications are off.
type Suspender interface {
	Suspend(fn func() error) error
}

// Hider conceals a freshly loaded patch module.
type Hider func(kind domain.PatchKind, m *hook.Module)

// Loader opens patch modules, registers them in the hook table and records
// their descriptors.
type Loader struct {
	opener    Opener
	table     *hook.Table
	registry  *Registry
	suspender Suspender
	hide      Hider
	logger    *zap.Logger
}

// NewLoader creates a loader. hide may be nil.
func NewLoader(opener Opener, table *hook.Table, registry *Registry, suspender Suspender, hide Hider, logger *zap.Logger) *Loader {
	return &Loader{
		opener:    opener,
		table:     table,
		registry:  registry,
		suspender: suspender,
		hide:      hide,
		logger:    logger,
	}
}

// Load opens each path as a module of kind. A path that fails is logged and
// skipped; the rest still load.
func (l *Loader) Load(kind domain.PatchKind, paths []string) []*domain.PatchDescriptor {
	var out []*domain.PatchDescriptor
	for _, path := range paths {
		d, err := l.loadOne(kind, path)
		if err != nil {
			level := zap.WarnLevel
			if errors.Is(err, ErrDuplicate) {
				level = zap.DebugLevel
			}
			l.logger.Check(level, "skipping patch").Write(
				zap.String("path", path),
				zap.String("kind", string(kind)),
				zap.Error(err))
			continue
		}
		l.logger.Debug("loaded patch",
			zap.String("name", d.Name),
			zap.String("path", path),
			zap.Bool("preload", d.Preload))
		out = append(out, d)
	}
	return out
}

func (l *Loader) loadOne(kind domain.PatchKind, path string) (*domain.PatchDescriptor, error) {
	name := moduleName(path)
	if l.table.Module(name) != nil {
		return nil, fmt.Errorf("%w: %s already loaded", ErrDuplicate, path)
	}
	if sub := l.registry.Subverter(); sub != nil && sub.SourcePath == path {
		return nil, fmt.Errorf("%w: %s is the subverter origin", ErrDuplicate, path)
	}

	var d *domain.PatchDescriptor
	err := l.suspender.Suspend(func() error {
		syms, err := l.opener.Open(path)
		if err != nil {
			return err
		}
		unit, err := resolve(syms, kind)
		if err != nil {
			return err
		}
		m := unit.Manifest()
		desc := &domain.PatchDescriptor{
			SourcePath:  path,
			Enabled:     true,
			Preload:     m.Preload,
			Name:        m.Name,
			Description: m.Description,
			Kind:        kind,
			Unit:        unit,
		}
		// Modules cannot be unloaded, so the descriptor is registered first.
		if err := l.registry.Register(desc); err != nil {
			return err
		}
		mod, err := l.table.Load(name)
		if err != nil {
			l.registry.remove(desc)
			return err
		}
		desc.Module = mod
		d = desc
		return nil
	})
	if err != nil {
		return nil, err
	}

	if l.hide != nil {
		l.hide(kind, d.Module)
	}
	return d, nil
}

// PromoteSubverter moves the subversion named SubverterName into the
// registry's subverter slot. It reports false when none was loaded. Further
// modules named SubverterName are dropped and logged; when none could claim
// the slot the first conflict is returned.
func (l *Loader) PromoteSubverter() (*domain.PatchDescriptor, bool, error) {
	d, rejected := l.registry.promote(SubverterName)
	if d == nil {
		if len(rejected) == 0 {
			return nil, false, nil
		}
		for _, err := range rejected[1:] {
			l.logger.Warn("subverter rejected", zap.Error(err))
		}
		return nil, false, rejected[0]
	}
	for _, err := range rejected {
		l.logger.Warn("subverter rejected", zap.Error(err))
	}
	return d, true, nil
}

// resolve picks the exported unit matching kind. A module must export
// exactly one of the two symbols, and the one matching its folder.
func resolve(syms Symbols, kind domain.PatchKind) (patch.Unit, error) {
	main, mainErr := syms.Lookup(patch.Symbol)
	sub, subErr := syms.Lookup(patch.SubverterSymbol)
	hasMain, hasSub := mainErr == nil, subErr == nil

	switch {
	case hasMain && hasSub:
		return nil, fmt.Errorf("%w: exports both %s and %s", ErrMalformed, patch.Symbol, patch.SubverterSymbol)
	case !hasMain && !hasSub:
		return nil, fmt.Errorf("%w: exports neither %s nor %s", ErrMalformed, patch.Symbol, patch.SubverterSymbol)
	case kind == domain.KindPatch && hasSub:
		return nil, fmt.Errorf("%w: %s found among ordinary patches", ErrMalformed, patch.SubverterSymbol)
	case kind == domain.KindSubverter && hasMain:
		return nil, fmt.Errorf("%w: %s found among subversions", ErrMalformed, patch.Symbol)
	}

	v := main
	if hasSub {
		v = sub
	}
	unit, ok := asUnit(v)
	if !ok {
		return nil, fmt.Errorf("%w: exported %T does not implement patch.Unit", ErrMalformed, v)
	}
	return unit, nil
}

// asUnit accepts both the value and the pointer to the exported variable,
// which is what plugin lookups return.
func asUnit(v any) (patch.Unit, bool) {
	switch u := v.(type) {
	case *patch.Unit:
		if u == nil || *u == nil {
			return nil, false
		}
		return *u, true
	case patch.Unit:
		return u, true
	}
	return nil, false
}

func moduleName(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return fmt.Sprintf("%s, Version=0.0.0.0, Origin=%s", base, path)
}
