package domain

import "context"

// ModuleHandle is a loaded module as seen by the locator.
type ModuleHandle interface {
	// FullName returns the fully qualified identity, e.g. "Content.Client, Version=0.0.0.0".
	FullName() string
}

// ModuleEnumerator lists the modules currently loaded in a process.
// Implementations: the in-process hook table, and gopsutil memory maps of an
// external process.
type ModuleEnumerator interface {
	Modules() ([]ModuleHandle, error)
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// FileSystemManager handles the filesystem side of patch discovery.
type FileSystemManager interface {
	// Exists checks if a path exists.
	Exists(path string) bool

	// ExpandHome expands ~ to the user's home directory.
	ExpandHome(path string) string

	// ListPatches returns the plugin files directly inside dir, sorted.
	ListPatches(dir string) ([]string, error)

	// ListPacks returns the resource pack directories directly inside dir,
	// sorted.
	ListPacks(dir string) ([]string, error)
}

// PatchStateStore persists the controller's patch toggles.
// Implementation: encrypted SQLite database.
type PatchStateStore interface {
	// Upsert records the state of a patch file.
	Upsert(state PatchState) error

	// Get returns the state of a single patch file.
	Get(path string) (*PatchState, error)

	// List returns all known patch states ordered by path.
	List() ([]PatchState, error)

	// Delete forgets a patch file.
	Delete(path string) error

	// SetSecret stores a named value (endpoint names, tokens).
	SetSecret(key, value string) error

	// GetSecret returns a named value, or "" when unset.
	GetSecret(key string) (string, error)

	// Close releases the underlying database.
	Close() error
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been stored.
	KeyExists() bool
}

// Obfuscator generates innocuous-looking names for channel endpoints.
type Obfuscator interface {
	// GenerateName creates a random system-looking name.
	GenerateName() string
}

// Patcher drives one complete boot of the engine inside the host.
type Patcher interface {
	Boot(ctx context.Context) error
}
