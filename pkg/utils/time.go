package utils

import (
	"fmt"
	"time"
)

// Now is the clock used by the registry and liveness sweeps. Tests swap it.
var Now = time.Now

func Since(t time.Time) time.Duration { return Now().Sub(t) }

// IsExpired reports whether more than ttl has passed since t.
func IsExpired(t time.Time, ttl time.Duration) bool { return Since(t) > ttl }

// FormatDuration renders d at a precision suited to its magnitude, for
// uptime and latency fields in JSON responses.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// Kbps is the rate of sending bytes over interval, in kilobits per second.
func Kbps(bytes uint64, interval time.Duration) float64 {
	if interval <= 0 {
		return 0
	}
	return float64(bytes*8) / 1000 / interval.Seconds()
}
