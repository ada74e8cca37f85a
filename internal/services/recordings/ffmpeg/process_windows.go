//go:build windows

package ffmpeg

import (
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// terminate has no graceful signal to send on windows; the process is killed
// and the last segment may be left without a trailer.
func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
