//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// The child leads its own process group: a terminal interrupt aimed at the
// supervisor does not reach it, and Stop can signal the whole group.
func configureCmdSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
