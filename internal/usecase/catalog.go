package usecase

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/patchd/internal/domain"
)

// ErrUnknownPatch is returned for a name found in none of the folders.
var ErrUnknownPatch = errors.New("unknown patch")

// CatalogEntry is a patch file or resource pack with its persisted toggles.
type CatalogEntry struct {
	domain.PatchState
	// Present is false for remembered patches whose file is gone.
	Present bool
}

// Selection is what the next launch hands to the host.
type Selection struct {
	Preload    []string
	Patches    []string
	Subverters []string
	Resources  []string
}

var catalogKinds = []domain.PatchKind{domain.KindPatch, domain.KindSubverter, domain.KindResourcePack}

// Catalog is the controller's view of the patch and pack folders and their
// toggles.
type Catalog struct {
	fsManager domain.FileSystemManager
	store     domain.PatchStateStore
	dirs      map[domain.PatchKind]string
	logger    *zap.Logger
}

// NewCatalog creates a catalog over the ordinary, subverter and resource
// pack folders.
func NewCatalog(
	fs domain.FileSystemManager,
	store domain.PatchStateStore,
	patchDir, subverterDir, packDir string,
	logger *zap.Logger,
) *Catalog {
	return &Catalog{
		fsManager: fs,
		store:     store,
		dirs: map[domain.PatchKind]string{
			domain.KindPatch:        fs.ExpandHome(patchDir),
			domain.KindSubverter:    fs.ExpandHome(subverterDir),
			domain.KindResourcePack: fs.ExpandHome(packDir),
		},
		logger: logger,
	}
}

// List returns every patch and pack on disk plus remembered ones that
// vanished, ordered by path. New entries start disabled.
func (c *Catalog) List() ([]CatalogEntry, error) {
	known, err := c.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to read patch states: %w", err)
	}
	byPath := make(map[string]domain.PatchState, len(known))
	for _, st := range known {
		byPath[st.Path] = st
	}

	var out []CatalogEntry
	for _, kind := range catalogKinds {
		files, err := c.scan(kind)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", c.dirs[kind], err)
		}
		for _, f := range files {
			st, ok := byPath[f]
			if !ok {
				st = domain.PatchState{Path: f, Kind: kind}
			}
			delete(byPath, f)
			out = append(out, CatalogEntry{PatchState: st, Present: true})
		}
	}
	for _, st := range byPath {
		out = append(out, CatalogEntry{PatchState: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// SetEnabled toggles a patch or pack by path or base name.
func (c *Catalog) SetEnabled(name string, enabled bool) (domain.PatchState, error) {
	return c.update(name, func(st *domain.PatchState) { st.Enabled = enabled })
}

// SetPreload toggles whether a patch is handed over the preload channel.
// Subverters are never preloaded.
func (c *Catalog) SetPreload(name string, preload bool) (domain.PatchState, error) {
	return c.update(name, func(st *domain.PatchState) {
		st.Preload = preload && st.Kind == domain.KindPatch
	})
}

// Prune forgets patches and packs that are gone and returns how many.
func (c *Catalog) Prune() (int, error) {
	entries, err := c.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Present {
			continue
		}
		if err := c.store.Delete(e.Path); err != nil {
			return n, err
		}
		c.logger.Debug("forgot missing patch", zap.String("path", e.Path))
		n++
	}
	return n, nil
}

// Selection splits the enabled, present entries into the launch lists.
func (c *Catalog) Selection() (Selection, error) {
	entries, err := c.List()
	if err != nil {
		return Selection{}, err
	}
	var sel Selection
	for _, e := range entries {
		if !e.Present || !e.Enabled {
			continue
		}
		switch {
		case e.Kind == domain.KindResourcePack:
			sel.Resources = append(sel.Resources, e.Path)
		case e.Kind == domain.KindSubverter:
			sel.Subverters = append(sel.Subverters, e.Path)
		case e.Preload:
			sel.Preload = append(sel.Preload, e.Path)
		default:
			sel.Patches = append(sel.Patches, e.Path)
		}
	}
	return sel, nil
}

func (c *Catalog) scan(kind domain.PatchKind) ([]string, error) {
	if kind == domain.KindResourcePack {
		return c.fsManager.ListPacks(c.dirs[kind])
	}
	return c.fsManager.ListPatches(c.dirs[kind])
}

func (c *Catalog) update(name string, mutate func(*domain.PatchState)) (domain.PatchState, error) {
	entries, err := c.List()
	if err != nil {
		return domain.PatchState{}, err
	}
	path := c.fsManager.ExpandHome(name)
	for _, e := range entries {
		if !e.Present || (e.Path != path && filepath.Base(e.Path) != name) {
			continue
		}
		st := e.PatchState
		mutate(&st)
		if err := c.store.Upsert(st); err != nil {
			return domain.PatchState{}, fmt.Errorf("failed to save %s: %w", st.Path, err)
		}
		c.logger.Info("catalog entry updated",
			zap.String("path", st.Path),
			zap.String("kind", string(st.Kind)),
			zap.Bool("enabled", st.Enabled),
			zap.Bool("preload", st.Preload))
		return st, nil
	}
	return domain.PatchState{}, fmt.Errorf("%w: %s", ErrUnknownPatch, name)
}
