package provision

import (
	"strconv"
	"strings"
)

// BatteryLow reports whether a raw battery reading is at or below the
// threshold. Readings are either a word such as "Low" or a percentage.
func BatteryLow(reading string, thresholdPercent int) bool {
	r := strings.ToLower(strings.TrimSpace(reading))
	if r == "" {
		return false
	}
	if strings.Contains(r, "low") || strings.Contains(r, "critical") {
		return true
	}
	n, err := strconv.Atoi(strings.TrimSuffix(r, "%"))
	if err != nil {
		return false
	}
	return n <= thresholdPercent
}
