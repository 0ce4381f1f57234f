package logger

import (
	"fmt"
	"sort"

	"github.com/fatih/color"

	"github.com/harrison/looper/internal/models"
)

// colorScheme defines consistent colors for different metric types.
// Green: success/positive metrics
// Red: failure/error metrics
// Yellow: warning/threshold metrics
// Cyan: labels and identifiers
type colorScheme struct {
	enabled bool
	success *color.Color
	fail    *color.Color
	warn    *color.Color
	label   *color.Color
	value   *color.Color
}

// newColorScheme creates the standard color scheme. A disabled scheme
// returns text unchanged.
func newColorScheme(enabled bool) *colorScheme {
	return &colorScheme{
		enabled: enabled,
		success: color.New(color.FgGreen),
		fail:    color.New(color.FgRed),
		warn:    color.New(color.FgYellow),
		label:   color.New(color.FgCyan),
		value:   color.New(color.FgWhite),
	}
}

func (s *colorScheme) paint(c *color.Color, text string) string {
	if !s.enabled {
		return text
	}
	return c.Sprint(text)
}

func (s *colorScheme) successText(text string) string { return s.paint(s.success, text) }
func (s *colorScheme) failText(text string) string    { return s.paint(s.fail, text) }
func (s *colorScheme) warnText(text string) string    { return s.paint(s.warn, text) }

// statusText colors a terminal status: green for COMPLETED, yellow for
// interruptions, red for failures.
func (s *colorScheme) statusText(status models.ExecutionStatus) string {
	switch status {
	case models.StatusCompleted:
		return s.successText(string(status))
	case models.StatusCancelled, models.StatusTimeout, models.StatusRateLimited:
		return s.warnText(string(status))
	default:
		return s.failText(string(status))
	}
}

// formatColorizedMetric formats a single metric with colorized label and value.
// Format: "label: value"
func formatColorizedMetric(label string, value interface{}, scheme *colorScheme) string {
	labelColored := scheme.label.Sprint(label)
	valueColored := scheme.value.Sprintf("%v", value)
	return fmt.Sprintf("%s: %s", labelColored, valueColored)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
