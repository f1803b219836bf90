package monitor

import "fmt"

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatDuration formats duration in seconds to "Xh Ym", "Xm" or "Xs"
func FormatDuration(seconds int64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// FormatRevision formats the latest revision and how many are stored
func FormatRevision(latest, stored int) string {
	if stored == latest+1 {
		return fmt.Sprintf("v%d", latest)
	}
	return fmt.Sprintf("v%d (%d stored)", latest, stored)
}

// Truncate shortens s to at most n runes, marking the cut with "…"
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
