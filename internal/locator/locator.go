// Package locator waits for the host's required modules to appear.
package locator

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/patchd/internal/domain"
	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
)

// Host modules the engine needs before patches can be applied. The trailing
// comma keeps "Content.Client," from matching "Content.Client.Extras".
const (
	RobustClient  = "Robust.Client,"
	RobustShared  = "Robust.Shared,"
	ContentClient = "Content.Client,"
	ContentShared = "Content.Shared,"
)

// DefaultTargets is the set located on every boot.
var DefaultTargets = []string{RobustClient, RobustShared, ContentClient, ContentShared}

// Locator polls a module enumerator until every required name is visible.
type Locator struct {
	source   domain.ModuleEnumerator
	maxLoops int
	cooldown time.Duration
	logger   *zap.Logger
}

// New creates a locator. maxLoops below one is treated as a single attempt.
func New(source domain.ModuleEnumerator, maxLoops int, cooldown time.Duration, logger *zap.Logger) *Locator {
	if maxLoops < 1 {
		maxLoops = 1
	}
	return &Locator{source: source, maxLoops: maxLoops, cooldown: cooldown, logger: logger}
}

// Locate matches each required name as a substring of a module's full name
// and keeps the first match. It returns as soon as everything is found;
// otherwise the partial result lists what is missing after maxLoops attempts.
// An error is returned only when ctx is cancelled.
func (l *Locator) Locate(ctx context.Context, required []string) (domain.LocateResult, error) {
	found := make(map[string]domain.ModuleHandle, len(required))

	for attempt := 1; attempt <= l.maxLoops; attempt++ {
		mods, err := l.source.Modules()
		if err != nil {
			l.logger.Debug("module enumeration failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		for _, name := range required {
			if _, ok := found[name]; ok {
				continue
			}
			for _, m := range mods {
				if strings.Contains(m.FullName(), name) {
					found[name] = m
					break
				}
			}
		}
		if len(found) == len(required) {
			l.logger.Debug("located all targets", zap.Int("attempts", attempt))
			return domain.LocateResult{Found: found}, nil
		}
		if attempt == l.maxLoops {
			break
		}

		timer := time.NewTimer(l.cooldown)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result(found, required), ctx.Err()
		case <-timer.C:
		}
	}

	res := result(found, required)
	l.logger.Warn("some targets were not located",
		zap.Strings("missing", res.Missing),
		zap.Int("attempts", l.maxLoops))
	return res, nil
}

func result(found map[string]domain.ModuleHandle, required []string) domain.LocateResult {
	res := domain.LocateResult{Found: found}
	for _, name := range required {
		if _, ok := found[name]; !ok {
			res.Missing = append(res.Missing, name)
		}
	}
	return res
}

// tableSource enumerates the in-process hook table.
type tableSource struct {
	table *hook.Table
}

// FromTable exposes a hook table as a module enumerator. Enumeration goes
// through the table's hookable path, so concealed modules stay hidden.
func FromTable(t *hook.Table) domain.ModuleEnumerator {
	return &tableSource{table: t}
}

func (s *tableSource) Modules() ([]domain.ModuleHandle, error) {
	mods := s.table.Modules()
	out := make([]domain.ModuleHandle, 0, len(mods))
	for _, m := range mods {
		out = append(out, m)
	}
	return out, nil
}

var _ domain.ModuleEnumerator = (*tableSource)(nil)
