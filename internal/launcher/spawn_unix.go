//go:build unix

package launcher

import (
	"os/exec"
	"syscall"
)

// ExecSpawner starts the host in a new session with no standard streams.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(path string, args, env []string) (int, error) {
	cmd := exec.Command(path, args...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Reap the child so it does not linger as a zombie.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
