// Package bytesize parses and formats payload sizes.
package bytesize

import (
	"fmt"
	"math"
	"strings"

	units "github.com/docker/go-units"
)

// Parse converts a textual size like "1024", "64KiB" or "512Mi" into bytes.
// Suffixes are binary: "1k", "1KB" and "1KiB" all mean 1024 bytes.
func Parse(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasSuffix(lower, "kib"), strings.HasSuffix(lower, "mib"), strings.HasSuffix(lower, "gib"), strings.HasSuffix(lower, "tib"):
	case strings.HasSuffix(lower, "ki"), strings.HasSuffix(lower, "mi"), strings.HasSuffix(lower, "gi"), strings.HasSuffix(lower, "ti"):
		trimmed += "B"
	}
	n, err := units.RAMInBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must be >= 0", value)
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("invalid size %q: exceeds %s", value, units.BytesSize(math.MaxInt32))
	}
	return int(n), nil
}

// Rate formats a bytes-per-second figure, or "-" when nothing was measured.
func Rate(bps float64) string {
	if bps <= 0 {
		return "-"
	}
	return units.BytesSize(bps) + "/s"
}
