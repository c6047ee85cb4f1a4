// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package export

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	Hour = time.Hour
	Day  = 24 * time.Hour
	Week = 7 * Day
)

// ParseInterval converts an export interval name into its duration.
// Accepted: "hour", "day", "week" and "every N minutes".
func ParseInterval(s string) (time.Duration, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "hour":
		return Hour, nil
	case "day":
		return Day, nil
	case "week":
		return Week, nil
	}

	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 3 && fields[0] == "every" && strings.HasPrefix(fields[2], "minute") {
		n, err := strconv.Atoi(fields[1])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid interval %q", s)
		}
		return time.Duration(n) * time.Minute, nil
	}
	return 0, fmt.Errorf("unsupported interval %q", s)
}

// IntervalBounds returns the interval of length step that ends at the most
// recent step boundary at or before now, aligned in loc.
func IntervalBounds(now time.Time, step time.Duration, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	var end time.Time
	switch {
	case step == Day:
		end = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	case step == Week:
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		end = day.AddDate(0, 0, -int(day.Weekday()))
	default:
		end = local.Truncate(step)
	}
	if step == Day || step == Week {
		return end.AddDate(0, 0, -int(step/Day)), end
	}
	return end.Add(-step), end
}
