// Package resource swaps host content files for files from resource packs.
package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// ManifestName is the metadata file every pack directory carries.
const ManifestName = "meta.json"

// ErrBadManifest marks a pack whose meta.json is missing or incomplete.
var ErrBadManifest = errors.New("resource pack manifest is invalid")

// Pack is a resource pack directory and its manifest.
type Pack struct {
	Dir         string
	Name        string
	Description string
	// Target is the fork the pack was made for. Empty means any fork.
	Target string
}

type manifest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Target      *string `json:"target"`
}

// LoadPack reads dir/meta.json. All three fields must be present.
func LoadPack(dir string) (*Pack, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadManifest, dir, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadManifest, dir, err)
	}
	if m.Name == nil || m.Description == nil || m.Target == nil {
		return nil, fmt.Errorf("%w: %s: name, description and target are required", ErrBadManifest, dir)
	}
	return &Pack{Dir: dir, Name: *m.Name, Description: *m.Description, Target: *m.Target}, nil
}

// LoadPacks loads the enabled pack directories. Malformed packs are logged
// and skipped, as are repeated directories. With strict set, packs made for
// another fork are dropped.
func LoadPacks(dirs []string, fork string, strict bool, logger *zap.Logger) []*Pack {
	var packs []*Pack
	seen := make(map[string]bool)
	for _, dir := range dirs {
		if seen[dir] {
			continue
		}
		seen[dir] = true

		p, err := LoadPack(dir)
		if err != nil {
			logger.Warn("skipping resource pack", zap.String("dir", dir), zap.Error(err))
			continue
		}
		if strict && p.Target != "" && p.Target != fork {
			logger.Debug("resource pack targets another fork",
				zap.String("pack", p.Name),
				zap.String("target", p.Target),
				zap.String("fork", fork))
			continue
		}
		packs = append(packs, p)
	}
	return packs
}

// ScanPacks lists the subdirectories of root, sorted.
func ScanPacks(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource folder: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}
