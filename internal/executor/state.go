package executor

import (
	"fmt"

	"github.com/harrison/looper/internal/models"
)

// allowed lists the legal transitions out of each non-terminal state.
var allowed = map[models.ExecutionStatus][]models.ExecutionStatus{
	models.StatusInitializing: {
		models.StatusRunning,
		models.StatusCancelled, models.StatusTimeout, models.StatusFailed,
	},
	models.StatusRunning: {
		models.StatusWaitingRateLimit,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled,
		models.StatusTimeout, models.StatusRateLimited,
	},
	models.StatusWaitingRateLimit: {
		models.StatusRunning,
		models.StatusCancelled, models.StatusTimeout, models.StatusRateLimited,
	},
}

// canTransition reports whether from -> to is legal.
func canTransition(from, to models.ExecutionStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// State returns the state of the current or most recent run.
func (e *Engine) State() models.ExecutionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// transition moves the engine to next. Terminal states are final.
func (e *Engine) transition(next models.ExecutionStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !canTransition(e.state, next) {
		return fmt.Errorf("illegal state transition %s -> %s", e.state, next)
	}
	e.state = next
	return nil
}
