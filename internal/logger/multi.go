package logger

import (
	"time"

	"github.com/harrison/looper/internal/models"
)

// RunLogger is implemented by every logger that renders a run.
type RunLogger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	LogIterationStart(number, max int)
	LogIterationComplete(result models.IterationResult, max int)
	LogProgressEvent(ev models.ProgressEvent)
	LogRateLimitStart(wait time.Duration, cause error)
	LogRateLimitCountdown(remaining, total time.Duration)
	LogSummary(result *models.ExecutionResult)
}

var (
	_ RunLogger = (*ConsoleLogger)(nil)
	_ RunLogger = (*FileLogger)(nil)
	_ RunLogger = (*NoOpLogger)(nil)
	_ RunLogger = Multi(nil)
)

// Multi implements RunLogger by delegating to multiple loggers.
type Multi []RunLogger

func (m Multi) Debugf(format string, args ...interface{}) {
	for _, l := range m {
		l.Debugf(format, args...)
	}
}

func (m Multi) Infof(format string, args ...interface{}) {
	for _, l := range m {
		l.Infof(format, args...)
	}
}

func (m Multi) Warnf(format string, args ...interface{}) {
	for _, l := range m {
		l.Warnf(format, args...)
	}
}

func (m Multi) Errorf(format string, args ...interface{}) {
	for _, l := range m {
		l.Errorf(format, args...)
	}
}

func (m Multi) LogIterationStart(number, max int) {
	for _, l := range m {
		l.LogIterationStart(number, max)
	}
}

func (m Multi) LogIterationComplete(result models.IterationResult, max int) {
	for _, l := range m {
		l.LogIterationComplete(result, max)
	}
}

func (m Multi) LogProgressEvent(ev models.ProgressEvent) {
	for _, l := range m {
		l.LogProgressEvent(ev)
	}
}

func (m Multi) LogRateLimitStart(wait time.Duration, cause error) {
	for _, l := range m {
		l.LogRateLimitStart(wait, cause)
	}
}

func (m Multi) LogRateLimitCountdown(remaining, total time.Duration) {
	for _, l := range m {
		l.LogRateLimitCountdown(remaining, total)
	}
}

func (m Multi) LogSummary(result *models.ExecutionResult) {
	for _, l := range m {
		l.LogSummary(result)
	}
}
