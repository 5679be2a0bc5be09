package listing

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	hoursAgoRe   = regexp.MustCompile(`^(\d+)\s*h\s+ago$`)
	minutesAgoRe = regexp.MustCompile(`^(\d+)\s*mins\s+ago$`)
	monthDayRe   = regexp.MustCompile(`^(\d+)/(\d+)$`)
)

// EstimatePostedAt converts the relative time shown on a search result into
// an absolute timestamp. Supported forms are "N h ago", "N mins ago", and
// "M/D" (assumed to be in now's year). Anything else reports false.
func EstimatePostedAt(text string, now time.Time) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}
	if m := hoursAgoRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, false
		}
		return now.Add(-time.Duration(n) * time.Hour).Truncate(time.Second), true
	}
	if m := minutesAgoRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, false
		}
		return now.Add(-time.Duration(n) * time.Minute).Truncate(time.Second), true
	}
	if m := monthDayRe.FindStringSubmatch(text); m != nil {
		month, err1 := strconv.Atoi(m[1])
		day, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil || month < 1 || month > 12 || day < 1 || day > 31 {
			return time.Time{}, false
		}
		return time.Date(now.Year(), time.Month(month), day, 0, 0, 0, 0, now.Location()), true
	}
	return time.Time{}, false
}
