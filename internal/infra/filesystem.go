package infra

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eliteGoblin/focusd/patchd/internal/domain"
)

// PluginExt is the extension of patch plugin files.
const PluginExt = ".so"

// PackManifest marks a directory as a resource pack (resource.ManifestName).
const PackManifest = "meta.json"

// FileSystemManagerImpl implements domain.FileSystemManager.
type FileSystemManagerImpl struct {
	homeDir string
}

// NewFileSystemManager creates a new filesystem manager.
func NewFileSystemManager() domain.FileSystemManager {
	home, _ := os.UserHomeDir()
	return &FileSystemManagerImpl{homeDir: home}
}

// NewFileSystemManagerWithHome creates a filesystem manager with custom home (for testing).
func NewFileSystemManagerWithHome(home string) domain.FileSystemManager {
	return &FileSystemManagerImpl{homeDir: home}
}

// Exists checks if a path exists.
func (fm *FileSystemManagerImpl) Exists(path string) bool {
	_, err := os.Stat(fm.ExpandHome(path))
	return err == nil
}

// ExpandHome expands ~ to the user's home directory.
func (fm *FileSystemManagerImpl) ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(fm.homeDir, path[2:])
	}
	if path == "~" {
		return fm.homeDir
	}
	return path
}

// ListPatches returns the plugin files directly inside dir, sorted.
// A missing directory yields an empty list.
func (fm *FileSystemManagerImpl) ListPatches(dir string) ([]string, error) {
	dir = fm.ExpandHome(dir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), PluginExt) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// ListPacks returns the subdirectories of dir that carry a pack manifest,
// sorted. A missing directory yields an empty list.
func (fm *FileSystemManagerImpl) ListPacks(dir string) ([]string, error) {
	dir = fm.ExpandHome(dir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(path, PackManifest)); err != nil {
			continue
		}
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}

var _ domain.FileSystemManager = (*FileSystemManagerImpl)(nil)
