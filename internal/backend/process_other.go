//go:build !unix

package backend

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// Isolate is a no-op where process groups are unavailable.
func Isolate(cmd *exec.Cmd) {}

// Signal delivers sig to p. Only kill is supported on this platform.
func Signal(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

const (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
)
