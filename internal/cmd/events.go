package cmd

import (
	"fmt"

	"github.com/harrison/looper/internal/executor"
	"github.com/harrison/looper/internal/logger"
	"github.com/harrison/looper/internal/models"
)

// attachLogger renders engine events through log.
func attachLogger(e *executor.Engine, log logger.RunLogger, maxIterations int) {
	e.OnProgress(log.LogProgressEvent)
	e.On(executor.EventIterationStart, func(ev executor.Event) {
		log.LogIterationStart(ev.IterationNumber, maxIterations)
	})
	e.On(executor.EventIterationComplete, func(ev executor.Event) {
		if ev.Result != nil {
			log.LogIterationComplete(*ev.Result, maxIterations)
		}
	})
	e.On(executor.EventRateLimitStart, func(ev executor.Event) {
		log.LogRateLimitStart(ev.WaitTime, ev.Error)
	})
	e.On(executor.EventExecutionError, func(ev executor.Event) {
		log.Errorf("Iteration %d failed: %v", ev.IterationNumber, ev.Error)
	})
}

// ExitError carries the process exit code of a run that did not complete.
type ExitError struct {
	Code   int
	Status models.ExecutionStatus
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("run ended with status %s", e.Status)
}

// ExitCode maps a terminal status to the process exit code.
func ExitCode(status models.ExecutionStatus) int {
	switch status {
	case models.StatusCompleted:
		return 0
	case models.StatusCancelled:
		return 2
	case models.StatusTimeout:
		return 3
	case models.StatusRateLimited:
		return 4
	default:
		return 1
	}
}
