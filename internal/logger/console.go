// Package logger provides logging implementations for looper runs.
//
// The logger package renders iteration progress, subagent progress events,
// rate-limit countdowns and the final run summary. Implementations are
// thread-safe and support various output destinations (console, file).
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/looper/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// maxEventContent bounds how much of a progress event is echoed to the console.
const maxEventContent = 200

// ConsoleLogger logs run progress to a writer with timestamps and thread safety.
// All output is prefixed with [HH:MM:SS] timestamps for tracking execution flow.
// It supports log level filtering to control message verbosity.
// Color output is automatically enabled for terminal output (os.Stdout/os.Stderr).
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
	scheme      *colorScheme
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// logLevel determines the minimum log level for messages to be output.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	useColor := isTerminal(writer)
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: useColor,
		scheme:      newColorScheme(useColor),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
// NO_COLOR disables colors through fatih/color.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
// Format: "[HH:MM:SS] [TRACE] <message>"
func (cl *ConsoleLogger) LogTrace(message string) { cl.logWithLevel("TRACE", message) }

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) { cl.logWithLevel("DEBUG", message) }

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) { cl.logWithLevel("INFO", message) }

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) { cl.logWithLevel("WARN", message) }

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) { cl.logWithLevel("ERROR", message) }

// Debugf formats and logs a debug-level message.
func (cl *ConsoleLogger) Debugf(format string, args ...interface{}) {
	cl.LogDebug(fmt.Sprintf(format, args...))
}

// Infof formats and logs an info-level message.
func (cl *ConsoleLogger) Infof(format string, args ...interface{}) {
	cl.LogInfo(fmt.Sprintf(format, args...))
}

// Warnf formats and logs a warning-level message.
func (cl *ConsoleLogger) Warnf(format string, args ...interface{}) {
	cl.LogWarn(fmt.Sprintf(format, args...))
}

// Errorf formats and logs an error-level message.
func (cl *ConsoleLogger) Errorf(format string, args ...interface{}) {
	cl.LogError(fmt.Sprintf(format, args...))
}

func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	ts := timestamp()
	var formatted string
	if cl.colorOutput {
		formatted = cl.formatWithColor(ts, level, message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}
	cl.write(formatted)
}

func (cl *ConsoleLogger) write(s string) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	_, _ = io.WriteString(cl.writer, s)
}

// formatWithColor formats a log message with ANSI color codes.
func (cl *ConsoleLogger) formatWithColor(ts, level, message string) string {
	var coloredLevel string
	switch level {
	case "TRACE":
		coloredLevel = color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		coloredLevel = color.New(color.FgCyan).Sprint(level)
	case "INFO":
		coloredLevel = color.New(color.FgBlue).Sprint(level)
	case "WARN":
		coloredLevel = color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		coloredLevel = color.New(color.FgRed).Sprint(level)
	default:
		coloredLevel = level
	}
	return fmt.Sprintf("[%s] [%s] %s\n", ts, coloredLevel, message)
}

// LogIterationStart logs the start of an iteration at INFO level.
// Format: "[HH:MM:SS] Iteration 3/10 started" ("3" alone when unbounded)
func (cl *ConsoleLogger) LogIterationStart(number, max int) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	label := iterationLabel(number, max)
	if cl.colorOutput {
		label = color.New(color.Bold).Sprint(label)
	}
	cl.write(fmt.Sprintf("[%s] %s started\n", timestamp(), label))
}

// LogIterationComplete logs one finished iteration and, for bounded runs,
// a progress bar over the budget.
func (cl *ConsoleLogger) LogIterationComplete(result models.IterationResult, max int) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	ts := timestamp()
	label := iterationLabel(result.IterationNumber, max)
	var status string
	switch {
	case result.Success && result.ToolResult != nil && result.ToolResult.Completed:
		status = cl.scheme.successText("task complete")
	case result.Success:
		status = cl.scheme.successText("ok")
	case result.Error != nil:
		status = cl.scheme.failText(fmt.Sprintf("failed (%s)", result.Error.Classification))
	default:
		status = cl.scheme.failText("failed")
	}

	output := fmt.Sprintf("[%s] %s: %s in %s\n", ts, label, status, formatDuration(result.Duration))
	if max > 0 {
		pb := NewProgressBar(max, 20, cl.colorOutput)
		pb.SetPrefix("Progress: ")
		pb.Update(result.IterationNumber)
		output += fmt.Sprintf("[%s] %s\n", ts, pb.Render())
	}
	cl.write(output)
}

// LogProgressEvent renders one subagent progress event. Tool and thinking
// events are shown at INFO and DEBUG level respectively.
func (cl *ConsoleLogger) LogProgressEvent(ev models.ProgressEvent) {
	level := "info"
	switch ev.Type {
	case models.ProgressThinking:
		level = "debug"
	case models.ProgressError:
		level = "warn"
	}
	if cl.writer == nil || !cl.shouldLog(level) {
		return
	}
	cl.write(fmt.Sprintf("[%s]   %s\n", timestamp(), cl.formatEvent(ev)))
}

func (cl *ConsoleLogger) formatEvent(ev models.ProgressEvent) string {
	content := truncate(oneLine(ev.Content), maxEventContent)
	tag := string(ev.Type)
	if name := ev.ToolName(); name != "" && ev.Type == models.ProgressToolStart {
		tag = "tool " + name
	}
	if !cl.colorOutput {
		return fmt.Sprintf("%s: %s", tag, content)
	}
	switch ev.Type {
	case models.ProgressToolStart, models.ProgressToolResult:
		tag = cl.scheme.label.Sprint(tag)
	case models.ProgressError:
		tag = cl.scheme.fail.Sprint(tag)
	case models.ProgressThinking:
		tag = color.New(color.FgHiBlack).Sprint(tag)
	}
	return fmt.Sprintf("%s: %s", tag, content)
}

// LogRateLimitStart announces a rate-limit wait at WARN level.
func (cl *ConsoleLogger) LogRateLimitStart(wait time.Duration, cause error) {
	msg := fmt.Sprintf("Rate limited, waiting %s before retrying", formatDuration(wait))
	if cause != nil {
		msg += fmt.Sprintf(" (%v)", cause)
	}
	cl.LogWarn(msg)
}

// LogRateLimitCountdown reports the remaining wait time.
func (cl *ConsoleLogger) LogRateLimitCountdown(remaining, total time.Duration) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	msg := fmt.Sprintf("Rate limit: %s remaining of %s", formatDuration(remaining), formatDuration(total))
	if cl.colorOutput {
		msg = cl.scheme.warn.Sprint(msg)
	}
	cl.write(fmt.Sprintf("[%s] %s\n", timestamp(), msg))
}

// LogSummary logs the run summary with statistics at INFO level.
func (cl *ConsoleLogger) LogSummary(result *models.ExecutionResult) {
	if cl.writer == nil || result == nil || !cl.shouldLog("info") {
		return
	}

	ts := timestamp()
	s := result.Statistics
	line := func(text string) string { return fmt.Sprintf("[%s] %s\n", ts, text) }

	header := "=== Run Summary ==="
	if cl.colorOutput {
		header = color.New(color.Bold).Sprint(header)
	}

	var b strings.Builder
	b.WriteString(line(header))
	b.WriteString(line("Status: " + cl.scheme.statusText(result.Status)))
	b.WriteString(line(cl.metric("Iterations", s.TotalIterations)))
	b.WriteString(line(cl.scheme.successText(fmt.Sprintf("Successful: %d", s.SuccessfulIterations))))
	if s.FailedIterations > 0 {
		b.WriteString(line(cl.scheme.failText(fmt.Sprintf("Failed: %d", s.FailedIterations))))
	} else {
		b.WriteString(line(fmt.Sprintf("Failed: %d", s.FailedIterations)))
	}
	b.WriteString(line(cl.metric("Success rate", fmt.Sprintf("%.0f%%", s.SuccessRate()*100))))
	b.WriteString(line(cl.metric("Tool calls", s.TotalToolCalls)))
	if s.RateLimitEncounters > 0 {
		b.WriteString(line(cl.scheme.warnText(fmt.Sprintf("Rate limits: %d (waited %s)", s.RateLimitEncounters, formatDuration(s.RateLimitWaitTime)))))
	}
	b.WriteString(line(cl.metric("Average iteration", formatDuration(s.AverageIterationDuration()))))
	b.WriteString(line(cl.metric("Duration", formatDuration(result.Duration()))))

	for _, key := range sortedKeys(s.ErrorBreakdown) {
		b.WriteString(line(fmt.Sprintf("  %s: %d", cl.scheme.failText(key), s.ErrorBreakdown[key])))
	}
	if result.Error != nil {
		b.WriteString(line(cl.scheme.failText("Cause: " + result.Error.Message)))
	}

	cl.write(b.String())
}

func (cl *ConsoleLogger) metric(label string, value interface{}) string {
	if cl.colorOutput {
		return formatColorizedMetric(label, value, cl.scheme)
	}
	return fmt.Sprintf("%s: %v", label, value)
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

func iterationLabel(number, max int) string {
	if max > 0 {
		return fmt.Sprintf("Iteration %d/%d", number, max)
	}
	return fmt.Sprintf("Iteration %d", number)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder = remainder % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		seconds := remainder / time.Second
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		seconds := remainder / time.Second
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	case d > 0 && d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	}
}

// NoOpLogger discards all log messages.
// Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger { return &NoOpLogger{} }

func (*NoOpLogger) Debugf(string, ...interface{}) {}
func (*NoOpLogger) Infof(string, ...interface{}) {}
func (*NoOpLogger) Warnf(string, ...interface{}) {}
func (*NoOpLogger) Errorf(string, ...interface{}) {}
func (*NoOpLogger) LogIterationStart(int, int) {}
func (*NoOpLogger) LogIterationComplete(models.IterationResult, int) {}
func (*NoOpLogger) LogProgressEvent(models.ProgressEvent) {}
func (*NoOpLogger) LogRateLimitStart(time.Duration, error) {}
func (*NoOpLogger) LogRateLimitCountdown(time.Duration, time.Duration) {}
func (*NoOpLogger) LogSummary(*models.ExecutionResult) {}
