package utils

import (
	"fmt"
	"time"
)

// FormatDuration formats seconds into HH:MM:SS format
func FormatDuration(totalSeconds int64) string {
	h := totalSeconds / 3600
	m := (totalSeconds % 3600) / 60
	s := totalSeconds % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// FormatHoursMinutes formats a duration as "N hours & M minutes"
func FormatHoursMinutes(d time.Duration) string {
	totalSeconds := int64(d.Seconds())
	h := totalSeconds / 3600
	m := (totalSeconds % 3600) / 60
	return fmt.Sprintf("%d hours & %d minutes", h, m)
}
