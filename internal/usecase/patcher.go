// Package usecase contains application business logic.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/patchd/internal/backport"
	"github.com/eliteGoblin/focusd/patchd/internal/config"
	"github.com/eliteGoblin/focusd/patchd/internal/domain"
	"github.com/eliteGoblin/focusd/patchd/internal/locator"
	"github.com/eliteGoblin/focusd/patchd/internal/patchset"
	"github.com/eliteGoblin/focusd/patchd/internal/resource"
	"github.com/eliteGoblin/focusd/patchd/internal/stealth"
	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
	"github.com/eliteGoblin/focusd/patchd/pkg/patch"
)

// Modules the engine registers for itself.
const (
	EngineModule  = "patchd.Engine, Version=1.0.0.0"
	HookModule    = "patchd.Hook, Version=1.0.0.0"
	StealthModule = "patchd.Stealth, Version=1.0.0.0"
)

// Sensitive operations, gated by the hide level.
const (
	OpHidePatch       = "patchd.Stealth.HidePatch"
	OpHideSubversions = "patchd.Stealth.HideSubversions"
	OpDisperse        = "patchd.Stealth.Disperse"
	OpConceal         = "patchd.Stealth.Conceal"
	OpAttachLogger    = "patchd.Patcher.AttachLogger"
)

// ownPrefix is the namespace concealment strips from target listings.
const ownPrefix = "patchd."

// ErrAlreadyBooted is returned by a second Boot in the same process.
var ErrAlreadyBooted = errors.New("patcher already booted")

// Receiver is the host side of the cross-process channel.
type Receiver interface {
	ReceivePaths(name string) ([]string, error)
}

// Report summarizes a finished boot.
type Report struct {
	Missing   []string
	Backports []string
	Subverter string
	Patches   []string
	Overrides int
	Concealed bool
	Duration  time.Duration
}

// PatcherImpl implements domain.Patcher.
type PatcherImpl struct {
	cfg      config.Config
	table    *hook.Table
	engine   *hook.Engine
	registry *patchset.Registry
	receiver Receiver
	logger   *zap.Logger

	gate      *stealth.Gate
	concealer *stealth.Concealer
	redial    *stealth.Redial
	loader    *patchset.Loader
	backports *backport.Manager
	locator   *locator.Locator
	swapper   *resource.Swapper
	builtin   []*backport.Backport

	self   []*hook.Module
	ops    map[string]*hook.Target
	report Report
	booted atomic.Bool
}

// NewPatcher creates a patcher for the host behind table. receiver may be nil
// when no controller is attached.
func NewPatcher(
	cfg config.Config,
	table *hook.Table,
	opener patchset.Opener,
	receiver Receiver,
	logger *zap.Logger,
) *PatcherImpl {
	p := &PatcherImpl{
		cfg:      cfg,
		table:    table,
		engine:   hook.NewEngine(""),
		registry: patchset.NewRegistry(),
		receiver: receiver,
		logger:   logger,
		builtin:  backport.Builtin(),
		ops:      make(map[string]*hook.Target),
	}
	p.gate = stealth.NewGate(cfg.HideLevel, hook.NewEngine(""), logger.Named("gate"))
	p.concealer = stealth.NewConcealer(table, []string{ownPrefix}, logger.Named("conceal"))
	p.redial = stealth.NewRedial(table, hook.NewEngine(""))
	p.loader = patchset.NewLoader(opener, table, p.registry, p.redial, p.hide, logger.Named("loader"))
	p.backports = backport.NewManager(table, p.engine, backport.Options{
		EngineVersion: cfg.EngineVersion,
		Fork:          cfg.ForkID,
		AllowAny:      !cfg.DisableAnyBackports,
		FailClosed:    cfg.ThrowOnFail,
	}, logger.Named("backports"))
	p.locator = locator.New(locator.FromTable(table), cfg.MaxLoops, cfg.LoopCooldown, logger.Named("locator"))
	return p
}

// UseBackports replaces the built-in backport set. It must be called before
// Boot.
func (p *PatcherImpl) UseBackports(bs []*backport.Backport) {
	p.builtin = bs
}

// Engine returns the interception handle patches are applied with.
func (p *PatcherImpl) Engine() *hook.Engine { return p.engine }

// Registry returns the patch registry.
func (p *PatcherImpl) Registry() *patchset.Registry { return p.registry }

// Concealer returns the presence concealer.
func (p *PatcherImpl) Concealer() *stealth.Concealer { return p.concealer }

// Report returns the summary of the last boot.
func (p *PatcherImpl) Report() Report { return p.report }

// Boot runs the whole sequence once: preload pass, locate, engine backports,
// subverter, main pass, content backports, resource overrides, concealment.
// It returns domain.ErrPatchFailed or backport.ErrMisconfigured on a hard
// failure; everything else is logged and skipped.
func (p *PatcherImpl) Boot(ctx context.Context) error {
	if !p.booted.CompareAndSwap(false, true) {
		return ErrAlreadyBooted
	}
	start := time.Now()

	if err := p.registerSelf(); err != nil {
		return err
	}
	if err := p.preload(); err != nil {
		return err
	}

	res, err := p.locator.Locate(ctx, locator.DefaultTargets)
	if err != nil {
		return fmt.Errorf("locate targets: %w", err)
	}
	p.report.Missing = res.Missing

	if p.cfg.Backports {
		for _, b := range p.builtin {
			if err := p.registry.RegisterBackport(b); err != nil {
				return err
			}
		}
		if err := p.applyBackports(false); err != nil {
			return err
		}
	}

	if err := p.subvert(); err != nil {
		return err
	}
	if err := p.mainPass(); err != nil {
		return err
	}

	if p.cfg.Backports {
		if err := p.applyBackports(true); err != nil {
			return err
		}
	}

	if err := p.overrideResources(); err != nil {
		return err
	}
	p.conceal()

	p.report.Duration = time.Since(start)
	p.logger.Info("boot complete",
		zap.Strings("patches", p.report.Patches),
		zap.Strings("backports", p.report.Backports),
		zap.Strings("missing", p.report.Missing),
		zap.Bool("concealed", p.report.Concealed),
		zap.Int64("duration_ms", p.report.Duration.Milliseconds()))
	return nil
}

// registerSelf loads the engine's own modules and gates its sensitive
// operations.
func (p *PatcherImpl) registerSelf() error {
	defs := []hook.Def{
		p.gate.Sensitive(OpHidePatch, stealth.AtLeast(domain.HideNormal), p.hideModule),
		p.gate.Sensitive(OpHideSubversions, stealth.AtLeast(domain.HideUnconditional), p.hideModule),
		p.gate.Sensitive(OpDisperse, stealth.AtLeast(domain.HideNormal), p.disperse),
		p.gate.Sensitive(OpConceal, stealth.AtLeast(domain.HideNormal), p.concealAll),
		p.gate.Sensitive(OpAttachLogger, stealth.Below(domain.HideExplicit), p.attachLogger),
	}

	return p.redial.Suspend(func() error {
		for _, name := range []string{EngineModule, HookModule} {
			m, err := p.table.Load(name)
			if err != nil {
				return fmt.Errorf("register %s: %w", name, err)
			}
			p.self = append(p.self, m)
		}
		m, err := p.table.Load(StealthModule, defs...)
		if err != nil {
			return fmt.Errorf("register %s: %w", StealthModule, err)
		}
		p.self = append(p.self, m)
		for _, t := range m.Targets() {
			p.ops[t.Name()] = t
		}
		return p.gate.Init(m)
	})
}

// preload runs the early pass over the paths handed over the preload
// channel, then clears the registry for the main pass.
func (p *PatcherImpl) preload() error {
	paths := p.receive(p.cfg.PreloadEndpoint, "preload")
	if len(paths) == 0 {
		return nil
	}
	defer p.registry.Reset()

	descs := p.loader.Load(domain.KindPatch, paths)
	p.logger.Debug("preloading patches", zap.Int("count", len(descs)))
	return p.apply(descs)
}

func (p *PatcherImpl) applyBackports(content bool) error {
	applied, err := p.backports.Apply(p.registry.Backports(), content)
	p.report.Backports = append(p.report.Backports, applied...)
	return err
}

// subvert loads the subverter folder, promotes the subverter into its slot
// and applies it ahead of every other subversion.
func (p *PatcherImpl) subvert() error {
	paths := append([]string(nil), p.cfg.SubverterPaths...)
	paths = append(paths, p.receive(p.cfg.SubvertEndpoint, "subverter")...)
	if len(paths) == 0 {
		return nil
	}
	p.loader.Load(domain.KindSubverter, paths)

	d, ok, err := p.loader.PromoteSubverter()
	switch {
	case err != nil:
		p.logger.Warn("subverter rejected", zap.Error(err))
	case !ok:
		p.logger.Debug("no subverter among subversions")
	default:
		p.report.Subverter = d.SourcePath
		if err := p.apply([]*domain.PatchDescriptor{d}); err != nil {
			return err
		}
	}
	return p.apply(p.registry.Enabled(domain.KindSubverter))
}

func (p *PatcherImpl) mainPass() error {
	paths := append([]string(nil), p.cfg.PatchPaths...)
	paths = append(paths, p.receive(p.cfg.PatchEndpoint, "patch")...)
	if len(paths) == 0 {
		return nil
	}
	p.loader.Load(domain.KindPatch, paths)
	return p.apply(p.registry.Enabled(domain.KindPatch))
}

// apply installs descs, preload-flagged first. One descriptor failing does
// not stop the rest unless the process fails closed.
func (p *PatcherImpl) apply(descs []*domain.PatchDescriptor) error {
	for _, d := range preloadFirst(descs) {
		if !d.Enabled {
			continue
		}
		if aware, ok := d.Unit.(patch.LoggerAware); ok {
			_, _ = p.ops[OpAttachLogger].Call(aware, d.Name)
		}
		if err := p.install(d); err != nil {
			if p.cfg.ThrowOnFail {
				return fmt.Errorf("%w: %s: %v", domain.ErrPatchFailed, d.Name, err)
			}
			p.logger.Warn("patch failed",
				zap.String("patch", d.Name),
				zap.String("path", d.SourcePath),
				zap.Error(err))
			continue
		}
		p.report.Patches = append(p.report.Patches, d.Name)
		p.logger.Debug("patched", zap.String("patch", d.Name))

		if entry, ok := d.Entry(); ok {
			go p.runEntry(d.Name, entry)
		}
	}
	return nil
}

func (p *PatcherImpl) install(d *domain.PatchDescriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Unit.PatchAll(p.engine)
}

// runEntry is detached from the installer. A panic is logged so it cannot
// take the host down.
func (p *PatcherImpl) runEntry(name string, entry func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("patch entry panicked",
				zap.String("patch", name),
				zap.Any("panic", r))
		}
	}()
	entry()
}

func (p *PatcherImpl) overrideResources() error {
	dirs := append([]string(nil), p.cfg.ResourcePacks...)
	dirs = append(dirs, p.receive(p.cfg.ResourceEndpoint, "resource")...)
	if len(dirs) == 0 {
		return nil
	}

	packs := resource.LoadPacks(dirs, p.cfg.ForkID, !p.cfg.DisableStrictFork, p.logger)
	packDirs := make([]string, 0, len(packs))
	for _, pk := range packs {
		packDirs = append(packDirs, pk.Dir)
	}
	set, err := resource.BuildOverrideSet(packDirs, p.logger)
	if err != nil {
		p.logger.Warn("failed to build override set", zap.Error(err))
		return nil
	}
	if set.Len() == 0 {
		return nil
	}

	target := p.table.Resolve(resource.FindFilesTarget)
	if target == nil {
		p.logger.Warn("resource target not found", zap.String("target", resource.FindFilesTarget))
		return nil
	}
	p.swapper = resource.NewSwapper(set, p.engine, p.logger.Named("resources"))
	if err := p.swapper.Install(target); err != nil {
		if p.cfg.ThrowOnFail {
			return fmt.Errorf("%w: resource swapper: %v", domain.ErrPatchFailed, err)
		}
		p.logger.Warn("resource swapper failed", zap.Error(err))
		return nil
	}
	p.report.Overrides = set.Len()
	return nil
}

// conceal runs last: nothing after it may need to enumerate the engine.
func (p *PatcherImpl) conceal() {
	if _, err := p.ops[OpDisperse].Call(); err != nil {
		p.logger.Warn("disperse failed", zap.Error(err))
	}
	if _, err := p.ops[OpConceal].Call(); err != nil {
		p.logger.Warn("conceal failed", zap.Error(err))
	}
	p.report.Concealed = p.concealer.State() == stealth.Concealed
}

// receive reads one list from a channel endpoint. A timeout yields nothing; a
// malformed payload is logged and dropped.
func (p *PatcherImpl) receive(endpoint, what string) []string {
	if p.receiver == nil || endpoint == "" {
		return nil
	}
	paths, err := p.receiver.ReceivePaths(endpoint)
	if err != nil {
		p.logger.Warn("discarding channel payload",
			zap.String("channel", what),
			zap.Error(err))
		return nil
	}
	if len(paths) == 0 {
		p.logger.Debug("no data on channel", zap.String("channel", what))
	}
	return paths
}

// hide is the loader's hook for freshly loaded patch modules.
func (p *PatcherImpl) hide(kind domain.PatchKind, m *hook.Module) {
	op := OpHidePatch
	if kind == domain.KindSubverter {
		op = OpHideSubversions
	}
	if _, err := p.ops[op].Call(m); err != nil {
		p.logger.Warn("failed to hide module",
			zap.String("module", m.FullName()),
			zap.Error(err))
	}
}

func (p *PatcherImpl) hideModule(args ...any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("no module given")
	}
	m, ok := args[0].(*hook.Module)
	if !ok {
		return nil, fmt.Errorf("expected *hook.Module, got %T", args[0])
	}
	p.concealer.Hide(m)
	return true, nil
}

func (p *PatcherImpl) disperse(...any) (any, error) {
	for _, m := range p.self {
		p.concealer.Hide(m)
	}
	return len(p.self), nil
}

func (p *PatcherImpl) concealAll(...any) (any, error) {
	return nil, p.concealer.Conceal()
}

func (p *PatcherImpl) attachLogger(args ...any) (any, error) {
	if len(args) < 2 {
		return nil, errors.New("expected patch and name")
	}
	aware, ok := args[0].(patch.LoggerAware)
	if !ok {
		return nil, fmt.Errorf("expected patch.LoggerAware, got %T", args[0])
	}
	name, _ := args[1].(string)
	aware.SetLogger(p.logger.Named(name))
	return true, nil
}

func preloadFirst(descs []*domain.PatchDescriptor) []*domain.PatchDescriptor {
	out := make([]*domain.PatchDescriptor, 0, len(descs))
	for _, d := range descs {
		if d.Preload {
			out = append(out, d)
		}
	}
	for _, d := range descs {
		if !d.Preload {
			out = append(out, d)
		}
	}
	return out
}

var _ domain.Patcher = (*PatcherImpl)(nil)
