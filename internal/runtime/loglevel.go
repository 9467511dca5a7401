package runtime

import (
	"regexp"
	"strings"
)

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|warning|info|debug)\b`)

// InferLevel picks a log level from the first level token in message, or
// returns fallback when there is none.
func InferLevel(message, fallback string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return fallback
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn", "warning":
		return "warn"
	case "info":
		return "info"
	case "debug":
		return "debug"
	default:
		return fallback
	}
}
