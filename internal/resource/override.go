package resource

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"go.uber.org/zap"
)

// Override maps one relative content path to its replacement file.
type Override struct {
	Rel  string // slash-separated, relative to the pack directory
	File string // absolute path of the replacement
}

// OverrideSet is the replacement list of one run, in pack order.
type OverrideSet struct {
	entries []Override
	byRel   map[string]string
}

// BuildOverrideSet walks every directory in order and collects its files,
// skipping manifests. When two directories carry the same relative path the
// earlier directory wins.
func BuildOverrideSet(dirs []string, logger *zap.Logger) (*OverrideSet, error) {
	set := &OverrideSet{byRel: make(map[string]string)}
	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || d.Name() == ManifestName {
				return nil
			}
			rel, err := filepath.Rel(abs, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if prev, ok := set.byRel[rel]; ok {
				logger.Debug("duplicate override ignored",
					zap.String("path", rel),
					zap.String("kept", prev),
					zap.String("dropped", path))
				return nil
			}
			set.byRel[rel] = path
			set.entries = append(set.entries, Override{Rel: rel, File: path})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
		}
	}
	return set, nil
}

// Len returns the number of overrides.
func (s *OverrideSet) Len() int { return len(s.entries) }

// Lookup returns the replacement for a relative path.
func (s *OverrideSet) Lookup(rel string) (string, bool) {
	f, ok := s.byRel[rel]
	return f, ok
}

// Files returns the replacement file paths in order.
func (s *OverrideSet) Files() []string {
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.File
	}
	return out
}
