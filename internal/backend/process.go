package backend

import (
	"os"
	"time"
)

// Terminate stops a subprocess: SIGTERM to its group, then SIGKILL if it has
// not exited within grace. done must be closed once the process has been
// waited on. Terminate returns after done is closed.
func Terminate(p *os.Process, done <-chan struct{}, grace time.Duration) {
	select {
	case <-done:
		return
	default:
	}

	_ = Signal(p, sigTerm)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		_ = Signal(p, sigKill)
		<-done
	}
}

// Escalate sends SIGTERM now and SIGKILL after grace unless done closes
// first. It does not block; exec.Cmd.Cancel uses it.
func Escalate(p *os.Process, done <-chan struct{}, grace time.Duration) error {
	err := Signal(p, sigTerm)
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			_ = Signal(p, sigKill)
		}
	}()
	return err
}
