// Package stats accumulates run statistics for the execution engine.
package stats

import (
	"maps"
	"sync"
	"time"

	"github.com/harrison/looper/internal/models"
)

// Aggregator keeps incremental counters over one run.
// Writes come from the engine goroutine; Snapshot may be called from anywhere.
type Aggregator struct {
	mu    sync.Mutex
	stats models.Statistics
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		stats: models.Statistics{ErrorBreakdown: make(map[string]int)},
	}
}

// RecordIteration accounts one completed iteration attempt.
func (a *Aggregator) RecordIteration(r models.IterationResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.TotalIterations++
	a.stats.TotalIterationDuration += r.Duration
	if r.Success {
		a.stats.SuccessfulIterations++
		return
	}
	a.stats.FailedIterations++

	key := string(models.KindFatal) + ":" + string(models.ReasonUnknown)
	if r.Error != nil {
		// Rate limits are tracked by the dedicated counters only.
		if r.Error.Kind == models.KindRateLimit {
			return
		}
		if r.Error.Classification != "" {
			key = r.Error.Classification
		}
	}
	a.stats.ErrorBreakdown[key]++
}

// RecordProgress counts tool invocations across the whole run.
func (a *Aggregator) RecordProgress(e models.ProgressEvent) {
	if e.Type != models.ProgressToolStart {
		return
	}
	a.mu.Lock()
	a.stats.TotalToolCalls++
	a.mu.Unlock()
}

// RecordRateLimitWait accounts one rate-limit wait with its actual duration.
func (a *Aggregator) RecordRateLimitWait(waited time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.RateLimitEncounters++
	a.stats.RateLimitWaitTime += max(waited, 0)
}

// Snapshot returns a copy that is safe to retain.
func (a *Aggregator) Snapshot() models.Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.ErrorBreakdown = maps.Clone(a.stats.ErrorBreakdown)
	return s
}
