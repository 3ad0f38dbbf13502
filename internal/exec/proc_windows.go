//go:build windows

package exec

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// Windows has no SIGTERM; both steps kill the process.
func terminate(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func kill(cmd *exec.Cmd) {
	terminate(cmd)
}
