//go:build !unix

package launcher

import "os/exec"

// ExecSpawner starts the host with no standard streams.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(path string, args, env []string) (int, error) {
	cmd := exec.Command(path, args...)
	cmd.Env = env
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
