// Package infra implements infrastructure concerns (processes, filesystem,
// encrypted storage).
package infra

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/patchd/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// FindByName returns PIDs of processes matching the pattern (case-insensitive).
func (pm *ProcessManagerImpl) FindByName(pattern string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var found []int
	patternLower := strings.ToLower(pattern)
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // Process may have exited
		}
		if strings.Contains(strings.ToLower(name), patternLower) {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// mappedModule is a file mapped into another process.
type mappedModule string

func (m mappedModule) FullName() string { return string(m) }

// ProcessModules enumerates the files mapped into an external process, so the
// locator can watch a host from the controller side.
type ProcessModules struct {
	pid int32
}

// NewProcessModules creates an enumerator for pid.
func NewProcessModules(pid int) *ProcessModules {
	return &ProcessModules{pid: int32(pid)}
}

// Modules returns each distinct mapped file path, sorted.
func (pm *ProcessModules) Modules() ([]domain.ModuleHandle, error) {
	p, err := process.NewProcess(pm.pid)
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pm.pid, err)
	}
	maps, err := p.MemoryMaps(true)
	if err != nil {
		return nil, fmt.Errorf("memory maps of %d: %w", pm.pid, err)
	}

	seen := make(map[string]bool)
	var paths []string
	for _, m := range *maps {
		if m.Path == "" || strings.HasPrefix(m.Path, "[") || seen[m.Path] {
			continue
		}
		seen[m.Path] = true
		paths = append(paths, m.Path)
	}
	sort.Strings(paths)

	out := make([]domain.ModuleHandle, len(paths))
	for i, path := range paths {
		out[i] = mappedModule(path)
	}
	return out, nil
}

var (
	_ domain.ProcessManager   = (*ProcessManagerImpl)(nil)
	_ domain.ModuleEnumerator = (*ProcessModules)(nil)
)
