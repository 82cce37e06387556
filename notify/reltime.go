package notify

import (
	"fmt"
	"time"
)

// RelativeTime renders how long ago then was, relative to now, using the
// largest applicable unit with integer division: "just now" under a minute,
// then minutes, hours, days, weeks (7 days), and months (30 days). The "ago"
// suffix is part of the rendering except for "just now".
func RelativeTime(now, then time.Time) string {
	d := now.Sub(then)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return unitAgo(int(d.Minutes()), "minute")
	case d < 24*time.Hour:
		return unitAgo(int(d.Hours()), "hour")
	case d < 7*24*time.Hour:
		return unitAgo(days(d), "day")
	case d < 30*24*time.Hour:
		return unitAgo(days(d)/7, "week")
	default:
		return unitAgo(days(d)/30, "month")
	}
}

func days(d time.Duration) int {
	return int(d / (24 * time.Hour))
}

func unitAgo(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
