// Package utils holds small text helpers shared by log lines and
// notifications.
package utils

import (
	"fmt"
	"strings"
	"time"
)

// FormatDuration formats a duration in a human-readable format
// Examples: "45ms", "1.5s", "2m 30s", "1h 15m"
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if minutes < 60 {
		if seconds > 0 {
			return fmt.Sprintf("%dm %ds", minutes, seconds)
		}
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	minutes = minutes % 60
	if minutes > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dh", hours)
}

// TruncateText flattens text to one line and cuts it to maxLen runes,
// ending with "..." when cut
func TruncateText(text string, maxLen int) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))

	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	return string(runes[:maxLen-3]) + "..."
}

// EscapeForLogging cuts text to maxLen runes and escapes line breaks and
// tabs so a payload stays on one log line
func EscapeForLogging(text string, maxLen int) string {
	if runes := []rune(text); len(runes) > maxLen {
		text = string(runes[:maxLen]) + "..."
	}
	return strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`).Replace(text)
}
