//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

const createNoWindow = 0x08000000

func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNoWindow}
}

// Windows has no SIGTERM equivalent for console-less children.
func terminate(p *os.Process) error {
	return p.Kill()
}
