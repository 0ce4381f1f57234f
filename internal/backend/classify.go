package backend

import (
	"strings"

	"github.com/harrison/looper/internal/budget"
	"github.com/harrison/looper/internal/models"
)

// ClassifyOutput turns the output of a failed call into a classified error:
// a RateLimitError when the text describes one, otherwise a
// FatalBackendError with the given reason.
func ClassifyOutput(output string, reason models.Reason, cause error) error {
	if info := budget.ParseRateLimit(output); info != nil {
		rl := info.Err()
		rl.Err = cause
		return rl
	}
	return &models.FatalBackendError{
		Reason:  reason,
		Message: TailLine(output),
		Err:     cause,
	}
}

// TailLine returns the last non-blank line of s, truncated for messages.
func TailLine(s string) string {
	const max = 200
	lines := strings.Split(strings.TrimRight(s, "\n\r\t "), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) > max {
			line = line[:max] + "..."
		}
		return line
	}
	return ""
}
