package resource

import (
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
)

// FindFilesTarget is the host's content file listing.
const FindFilesTarget = "Robust.Shared.ContentPack.ResourceManager.ContentFindFiles"

// Path is a host resource handle. Source is empty for files served from the
// host's own content and set to the replacement for swapped files.
type Path struct {
	Canon  string
	Source string
}

// Swapper rewrites file listings so matching entries point at overrides.
// Each override is used at most once.
type Swapper struct {
	engine *hook.Engine
	logger *zap.Logger

	mu        sync.Mutex
	remaining []string
}

// NewSwapper creates a swapper holding every file of set as a candidate.
func NewSwapper(set *OverrideSet, engine *hook.Engine, logger *zap.Logger) *Swapper {
	return &Swapper{engine: engine, logger: logger, remaining: set.Files()}
}

// Install places the After redirection on the listing target.
func (s *Swapper) Install(t *hook.Target) error {
	return s.engine.Intercept(t, hook.Postfix(s.swap))
}

// Remaining returns how many overrides have not been used yet.
func (s *Swapper) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remaining)
}

func (s *Swapper) swap(c *hook.Call) {
	switch res := c.Result.(type) {
	case []Path:
		out := make([]Path, len(res))
		for i, p := range res {
			out[i] = p
			if file, ok := s.take(p.Canon); ok {
				out[i].Source = file
			}
		}
		c.Result = out
	case []string:
		out := make([]string, len(res))
		for i, p := range res {
			out[i] = p
			if file, ok := s.take(p); ok {
				out[i] = file
			}
		}
		c.Result = out
	}
}

// take consumes the first remaining override ending with canon.
func (s *Swapper) take(canon string) (string, bool) {
	if canon == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.remaining {
		if !strings.HasSuffix(filepath.ToSlash(f), canon) {
			continue
		}
		s.remaining = append(s.remaining[:i], s.remaining[i+1:]...)
		s.logger.Info("swapping resource",
			zap.String("canon", canon),
			zap.String("file", f))
		return f, true
	}
	return "", false
}
