package backport

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/patchd/internal/domain"
	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
)

// Manager applies the selected backports in two passes, engine first and
// content second.
type Manager struct {
	table      *hook.Table
	engine     *hook.Engine
	host       *semver.Version
	fork       string
	allowAny   bool
	failClosed bool
	logger     *zap.Logger
}

// Options are the configuration inputs of a Manager.
type Options struct {
	EngineVersion string
	Fork          string
	AllowAny      bool
	FailClosed    bool
}

// NewManager creates a manager. An unparsable engine version is logged and
// leaves only version-independent backports eligible.
func NewManager(table *hook.Table, engine *hook.Engine, opts Options, logger *zap.Logger) *Manager {
	m := &Manager{
		table:      table,
		engine:     engine,
		fork:       opts.Fork,
		allowAny:   opts.AllowAny,
		failClosed: opts.FailClosed,
		logger:     logger,
	}
	if opts.EngineVersion != "" {
		v, err := semver.NewVersion(opts.EngineVersion)
		if err != nil {
			logger.Warn("unparsable engine version",
				zap.String("engine", opts.EngineVersion),
				zap.Error(err))
		} else {
			m.host = v
		}
	}
	logger.Debug("backporter ready",
		zap.String("fork", m.fork),
		zap.String("engine", opts.EngineVersion))
	return m
}

// Host returns the parsed host version, or nil.
func (m *Manager) Host() *semver.Version { return m.host }

// Select filters candidates against the configured host.
func (m *Manager) Select(candidates []*Backport) []*Backport {
	return Select(candidates, m.host, m.fork, m.allowAny)
}

// Apply installs the selected backports of one pass. Targets that cannot be
// resolved are skipped. Install failures are logged and skipped, or returned
// as domain.ErrPatchFailed when the manager fails closed.
func (m *Manager) Apply(candidates []*Backport, content bool) ([]string, error) {
	var applied []string
	for _, b := range m.Select(candidates) {
		if b.Content != content {
			continue
		}
		target := m.table.Resolve(b.TargetName())
		if target == nil {
			m.logger.Warn("backport target not found",
				zap.String("backport", b.Name),
				zap.String("target", b.TargetName()))
			continue
		}
		if err := m.install(b, target); err != nil {
			if m.failClosed {
				return applied, fmt.Errorf("%w: backport %s: %v", domain.ErrPatchFailed, b.Name, err)
			}
			m.logger.Warn("backport failed",
				zap.String("backport", b.Name),
				zap.Error(err))
			continue
		}
		m.logger.Debug("backported", zap.String("backport", b.Name))
		applied = append(applied, b.Name)
	}
	return applied, nil
}

func (m *Manager) install(b *Backport, t *hook.Target) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if b.Apply != nil {
		return b.Apply(m.engine, t)
	}
	return m.engine.InterceptAs(t, b.Kind, b.Patch)
}
