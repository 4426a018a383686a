//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

func configureProcAttr(cmd *exec.Cmd) {}

func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
