package backend

import (
	"encoding/json"
	"strings"
)

// CompletionMarker reports the value of a boolean "completed" field when
// text is a JSON object carrying one. found is false otherwise; free-form
// text never signals completion.
func CompletionMarker(text string) (completed, found bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return false, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return false, false
	}
	v, ok := obj["completed"].(bool)
	return v, ok
}
