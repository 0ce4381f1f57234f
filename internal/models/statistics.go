package models

import (
	"maps"
	"time"
)

// Statistics is a point-in-time snapshot of run counters.
type Statistics struct {
	TotalIterations        int            `json:"total_iterations"`
	SuccessfulIterations   int            `json:"successful_iterations"`
	FailedIterations       int            `json:"failed_iterations"`
	TotalIterationDuration time.Duration  `json:"total_iteration_duration"`
	TotalToolCalls         int            `json:"total_tool_calls"`
	RateLimitEncounters    int            `json:"rate_limit_encounters"`
	RateLimitWaitTime      time.Duration  `json:"rate_limit_wait_time"` // actually waited
	ErrorBreakdown         map[string]int `json:"error_breakdown"`
}

// AverageIterationDuration is derived on every call; 0 when no iterations ran.
func (s Statistics) AverageIterationDuration() time.Duration {
	if s.TotalIterations == 0 {
		return 0
	}
	return s.TotalIterationDuration / time.Duration(s.TotalIterations)
}

// SuccessRate returns successful/total in [0,1].
func (s Statistics) SuccessRate() float64 {
	if s.TotalIterations == 0 {
		return 0
	}
	return float64(s.SuccessfulIterations) / float64(s.TotalIterations)
}

// Clone returns a snapshot that shares no map with s.
func (s Statistics) Clone() Statistics {
	c := s
	c.ErrorBreakdown = maps.Clone(s.ErrorBreakdown)
	if c.ErrorBreakdown == nil {
		c.ErrorBreakdown = map[string]int{}
	}
	return c
}
