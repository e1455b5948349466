package monitor

import (
	"fmt"
	"time"
)

// FormatSeconds formats a step time in seconds as "X.Xms" or "X.Xs"
func FormatSeconds(seconds float64) string {
	if seconds < 1.0 {
		ms := seconds * 1000
		return fmt.Sprintf("%.1fms", ms)
	}
	return fmt.Sprintf("%.1fs", seconds)
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatDuration formats an elapsed time as "Xh Ym", "Xm Ys" or "Xs"
func FormatDuration(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
