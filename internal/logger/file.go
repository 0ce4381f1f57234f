package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/looper/internal/models"
)

// fileQueueSize is the number of pending lines before writers block.
const fileQueueSize = 256

// FileLogger logs run events to a timestamped file in the log directory and
// maintains a latest.log symlink pointing to the most recent run.
// Lines are written by a dedicated goroutine so that callers on the engine
// goroutine never wait on disk I/O unless the queue is full.
type FileLogger struct {
	logDir   string
	runFile  string
	logLevel string

	queue chan string
	done  chan struct{}

	mu     sync.RWMutex // guards closed
	closed bool

	errMu sync.Mutex
	err   error
}

// NewFileLogger creates a FileLogger under logDir with the given level.
// It creates the log directory if it doesn't exist, opens a timestamped
// run log file, and creates/updates the latest.log symlink.
func NewFileLogger(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405")))
	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:   logDir,
		runFile:  runFile,
		logLevel: normalizeLogLevel(logLevel),
		queue:    make(chan string, fileQueueSize),
		done:     make(chan struct{}),
	}
	go fl.drain(file)

	fl.writeRunLog("=== Looper Run Log ===\n")
	fl.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))
	return fl, nil
}

// Path returns the run log file path.
func (fl *FileLogger) Path() string { return fl.runFile }

func (fl *FileLogger) drain(file *os.File) {
	defer close(fl.done)
	for line := range fl.queue {
		if _, err := file.WriteString(line); err != nil {
			fl.setErr(fmt.Errorf("failed to write run log: %w", err))
		}
	}
	if err := file.Sync(); err != nil {
		fl.setErr(fmt.Errorf("failed to sync run log: %w", err))
	}
	if err := file.Close(); err != nil {
		fl.setErr(fmt.Errorf("failed to close run log: %w", err))
	}
}

func (fl *FileLogger) setErr(err error) {
	fl.errMu.Lock()
	defer fl.errMu.Unlock()
	if fl.err == nil {
		fl.err = err
	}
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (fl *FileLogger) LogTrace(message string) { fl.logWithLevel("TRACE", message) }

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) { fl.logWithLevel("DEBUG", message) }

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) { fl.logWithLevel("INFO", message) }

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) { fl.logWithLevel("WARN", message) }

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) { fl.logWithLevel("ERROR", message) }

func (fl *FileLogger) Debugf(format string, args ...interface{}) {
	fl.LogDebug(fmt.Sprintf(format, args...))
}

func (fl *FileLogger) Infof(format string, args ...interface{}) {
	fl.LogInfo(fmt.Sprintf(format, args...))
}

func (fl *FileLogger) Warnf(format string, args ...interface{}) {
	fl.LogWarn(fmt.Sprintf(format, args...))
}

func (fl *FileLogger) Errorf(format string, args ...interface{}) {
	fl.LogError(fmt.Sprintf(format, args...))
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), level, message))
}

// LogIterationStart records the start of an iteration.
func (fl *FileLogger) LogIterationStart(number, max int) {
	fl.LogInfo(iterationLabel(number, max) + " started")
}

// LogIterationComplete records an iteration outcome including the tool output.
func (fl *FileLogger) LogIterationComplete(result models.IterationResult, max int) {
	if !fl.shouldLog("info") {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: success=%t duration=%s\n", timestamp(), iterationLabel(result.IterationNumber, max), result.Success, result.Duration)
	if result.Error != nil {
		fmt.Fprintf(&b, "  error: %s: %s\n", result.Error.Classification, result.Error.Message)
	}
	if tr := result.ToolResult; tr != nil {
		fmt.Fprintf(&b, "  completed: %t\n", tr.Completed)
		if tr.Content != "" {
			b.WriteString("  output:\n")
			for _, line := range strings.Split(strings.TrimRight(tr.Content, "\n"), "\n") {
				b.WriteString("    " + line + "\n")
			}
		}
	}
	fl.writeRunLog(b.String())
}

// LogProgressEvent records every progress event untruncated at DEBUG level;
// errors are recorded at WARN.
func (fl *FileLogger) LogProgressEvent(ev models.ProgressEvent) {
	level := "DEBUG"
	if ev.Type == models.ProgressError {
		level = "WARN"
	}
	tag := string(ev.Type)
	if name := ev.ToolName(); name != "" {
		tag += " " + name
	}
	fl.logWithLevel(level, fmt.Sprintf("[%s] %s: %s", ev.Backend, tag, ev.Content))
}

// LogRateLimitStart records the start of a rate-limit wait.
func (fl *FileLogger) LogRateLimitStart(wait time.Duration, cause error) {
	fl.Warnf("Rate limited, waiting %s: %v", wait, cause)
}

// LogRateLimitCountdown records the remaining wait at TRACE level.
func (fl *FileLogger) LogRateLimitCountdown(remaining, total time.Duration) {
	fl.logWithLevel("TRACE", fmt.Sprintf("Rate limit: %s remaining of %s", remaining.Round(time.Second), total.Round(time.Second)))
}

// LogSummary writes the run summary.
func (fl *FileLogger) LogSummary(result *models.ExecutionResult) {
	if result == nil {
		return
	}
	s := result.Statistics
	var b strings.Builder
	b.WriteString("\n=== Run Summary ===\n")
	fmt.Fprintf(&b, "Request: %s\n", result.RequestID)
	fmt.Fprintf(&b, "Status: %s\n", result.Status)
	fmt.Fprintf(&b, "Iterations: %d (successful %d, failed %d)\n", s.TotalIterations, s.SuccessfulIterations, s.FailedIterations)
	fmt.Fprintf(&b, "Tool calls: %d\n", s.TotalToolCalls)
	fmt.Fprintf(&b, "Rate limits: %d (waited %s)\n", s.RateLimitEncounters, s.RateLimitWaitTime)
	fmt.Fprintf(&b, "Average iteration: %s\n", s.AverageIterationDuration())
	fmt.Fprintf(&b, "Duration: %s\n", result.Duration())
	for _, key := range sortedKeys(s.ErrorBreakdown) {
		fmt.Fprintf(&b, "  %s: %d\n", key, s.ErrorBreakdown[key])
	}
	if result.Error != nil {
		fmt.Fprintf(&b, "Cause: %s\n", result.Error.Message)
	}
	fmt.Fprintf(&b, "Finished at: %s\n", result.FinishedAt.Format(time.RFC3339))
	fl.writeRunLog(b.String())
}

// Close flushes and closes the run log file.
// It should be called when the logger is no longer needed.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	if fl.closed {
		fl.mu.Unlock()
		<-fl.done
		return fl.closeErr()
	}
	fl.closed = true
	close(fl.queue)
	fl.mu.Unlock()

	<-fl.done
	return fl.closeErr()
}

func (fl *FileLogger) closeErr() error {
	fl.errMu.Lock()
	defer fl.errMu.Unlock()
	return fl.err
}

// writeRunLog queues a line for the writer goroutine. Lines written after
// Close are dropped.
func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	if fl.closed {
		return
	}
	fl.queue <- message
}
