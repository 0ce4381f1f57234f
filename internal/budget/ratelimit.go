package budget

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/harrison/looper/internal/models"
)

// LimitType distinguishes session (5h) from weekly limits
type LimitType string

const (
	LimitTypeSession LimitType = "session"
	LimitTypeWeekly  LimitType = "weekly"
	LimitTypeUnknown LimitType = "unknown"
)

// RateLimitInfo contains parsed rate limit details
type RateLimitInfo struct {
	DetectedAt time.Time
	ResetAt    time.Time // zero when the output did not say
	LimitType  LimitType
	RawMessage string
}

// TimeUntilReset calculates duration until the rate limit resets
func (r *RateLimitInfo) TimeUntilReset() time.Duration {
	if r.ResetAt.IsZero() {
		return 0
	}
	return time.Until(r.ResetAt)
}

// Err converts the parsed info into the engine's rate-limit error.
func (r *RateLimitInfo) Err() *models.RateLimitError {
	return &models.RateLimitError{
		Message: summarize(r.RawMessage),
		ResetAt: r.ResetAt,
	}
}

var (
	// Claude AI usage limit reached|<unix_timestamp>
	unixTimestampPattern = regexp.MustCompile(`usage limit reached\|(\d+)`)

	// Your limit will reset at 2pm (America/New_York)
	humanTimePattern = regexp.MustCompile(`limit will reset at (\d+)(am|pm)\s*\(([^)]+)\)`)

	// resets 1am (Europe/Dublin)
	resetsTimePattern = regexp.MustCompile(`resets\s+(\d+)(am|pm)\s*\(([^)]+)\)`)

	// retry in 300 seconds / retry after 300s
	retrySecondsPattern = regexp.MustCompile(`(?i)retry (?:in|after)\s+(\d+)\s*(?:seconds?|s)\b`)

	rateLimitIndicator = regexp.MustCompile(`(?i)(out of.*usage|rate.?limit|usage.?limit|\b429\b|too.?many.?requests)`)

	// Displayed or logged text that mentions rate limits without being one.
	falsePositivePattern = regexp.MustCompile(`(?i)(\[RATE.?LIMIT\]|` +
		"`rate.?limit|" +
		`"rate.?limit|` +
		`'rate.?limit|` +
		`waiting for reset\.\.\.|` +
		`until auto-resume)`)
)

// ParseRateLimit detects a rate-limit condition in subagent output.
// Returns nil when the output does not describe one.
func ParseRateLimit(output string) *RateLimitInfo {
	candidate := stripFalsePositives(output)
	if candidate == "" {
		return nil
	}

	// JSON first: a structured record may also contain the indicator text.
	if info := tryParseJSON(candidate); info != nil {
		info.RawMessage = candidate
		return info
	}

	if !rateLimitIndicator.MatchString(candidate) {
		return nil
	}

	info := &RateLimitInfo{
		DetectedAt: time.Now(),
		RawMessage: candidate,
		LimitType:  LimitTypeUnknown,
	}

	if matches := unixTimestampPattern.FindStringSubmatch(candidate); len(matches) > 1 {
		if ts, err := strconv.ParseInt(matches[1], 10, 64); err == nil {
			info.setReset(time.Unix(ts, 0))
			return info
		}
	}

	for _, p := range []*regexp.Regexp{humanTimePattern, resetsTimePattern} {
		if matches := p.FindStringSubmatch(candidate); len(matches) > 3 {
			info.setReset(nextClockHour(matches[1], matches[2], matches[3], time.Now()))
			return info
		}
	}

	if matches := retrySecondsPattern.FindStringSubmatch(candidate); len(matches) > 1 {
		if seconds, err := strconv.ParseInt(matches[1], 10, 64); err == nil {
			info.setReset(time.Now().Add(time.Duration(seconds) * time.Second))
			return info
		}
	}

	// Indicator without a reset time: the controller falls back to backoff.
	return info
}

func (r *RateLimitInfo) setReset(at time.Time) {
	r.ResetAt = at
	r.LimitType = inferLimitType(int64(time.Until(at).Seconds()))
}

// stripFalsePositives drops lines that only display or log rate-limit text.
func stripFalsePositives(output string) string {
	if strings.TrimSpace(output) == "" {
		return ""
	}
	lines := strings.Split(output, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if falsePositivePattern.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// nextClockHour resolves "2pm (Zone)" to the next occurrence after now.
func nextClockHour(hourStr, meridiem, tzName string, now time.Time) time.Time {
	hour, _ := strconv.Atoi(hourStr)
	if meridiem == "pm" && hour != 12 {
		hour += 12
	} else if meridiem == "am" && hour == 12 {
		hour = 0
	}

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		loc = time.UTC
	}

	local := now.In(loc)
	resetAt := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if resetAt.Before(local) {
		resetAt = resetAt.Add(24 * time.Hour)
	}
	return resetAt
}

// inferLimitType determines limit type based on wait duration
// If wait > 6 hours, classify as weekly limit
func inferLimitType(waitSeconds int64) LimitType {
	const sixHoursInSeconds = 6 * 60 * 60

	if waitSeconds <= 0 {
		return LimitTypeUnknown
	}
	if waitSeconds > sixHoursInSeconds {
		return LimitTypeWeekly
	}
	return LimitTypeSession
}

// tryParseJSON attempts to extract rate limit info from JSON/JSONL
func tryParseJSON(data string) *RateLimitInfo {
	var obj map[string]any
	if err := json.Unmarshal([]byte(data), &obj); err == nil {
		return extractFromJSONObject(obj)
	}

	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		obj = nil
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			if info := extractFromJSONObject(obj); info != nil {
				return info
			}
		}
	}
	return nil
}

func extractFromJSONObject(obj map[string]any) *RateLimitInfo {
	errStr := jsonErrorText(obj["error"])
	lower := strings.ToLower(errStr)
	isRateLimit := strings.Contains(errStr, "429") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit")
	if !isRateLimit {
		return nil
	}

	info := &RateLimitInfo{
		DetectedAt: time.Now(),
		LimitType:  LimitTypeUnknown,
	}

	var waitSeconds int64
	switch v := obj["retry_after"].(type) {
	case float64:
		waitSeconds = int64(v)
	case string:
		waitSeconds, _ = strconv.ParseInt(v, 10, 64)
	}
	if waitSeconds > 0 {
		info.setReset(time.Now().Add(time.Duration(waitSeconds) * time.Second))
	}
	return info
}

// jsonErrorText accepts both "error":"..." and "error":{"type":"...","message":"..."}.
func jsonErrorText(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case map[string]any:
		var parts []string
		for _, k := range []string{"type", "code", "message"} {
			if s, ok := e[k].(string); ok {
				parts = append(parts, s)
			} else if f, ok := e[k].(float64); ok {
				parts = append(parts, strconv.FormatFloat(f, 'f', -1, 64))
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// summarize keeps error messages short enough for logs and session history.
func summarize(s string) string {
	const max = 200
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
