package executor

import (
	"context"
	"errors"

	"github.com/harrison/looper/internal/budget"
	"github.com/harrison/looper/internal/models"
)

var (
	// ErrBusy is returned when Execute is called while a run is active.
	ErrBusy = errors.New("engine already executing a request")
	// ErrShutdown is returned by Execute after Shutdown.
	ErrShutdown = errors.New("engine has been shut down")

	// errWallClock is the cancellation cause of the run timeout.
	errWallClock = errors.New("wall-clock budget exceeded")
)

// classify maps any backend error onto exactly one taxonomy kind.
// runCtx is the context of the whole run, not of the single call.
func classify(runCtx context.Context, err error) models.ClassifiedError {
	if err == nil {
		return nil
	}
	if runCtx.Err() != nil {
		return &models.CancellationError{Cause: context.Cause(runCtx)}
	}

	if ce, ok := models.AsClassified(err); ok {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &models.TransientBackendError{Reason: models.ReasonTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		// Canceled by something other than the run: treat as a lost call.
		return &models.TransientBackendError{Reason: models.ReasonConnection, Err: err}
	}
	if info := budget.ParseRateLimit(err.Error()); info != nil {
		rl := info.Err()
		rl.Err = err
		return rl
	}
	return &models.FatalBackendError{Reason: models.ReasonUnknown, Err: err}
}

// interruptStatus maps a done run context onto CANCELLED or TIMEOUT.
func interruptStatus(runCtx context.Context) models.ExecutionStatus {
	if errors.Is(context.Cause(runCtx), errWallClock) {
		return models.StatusTimeout
	}
	return models.StatusCancelled
}
