//go:build windows

package stepexec

import "os/exec"

func setupProcessGroup(cmd *exec.Cmd) {
	// Windows process groups work differently; nothing to set up here.
}

func terminateProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func forceKillProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
