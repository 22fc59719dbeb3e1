package normalize

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var errNegativeDuration = errors.New("negative duration")

// maxDurationSeconds bounds parsed durations; larger values are garbage.
const maxDurationSeconds = math.MaxInt32

var durationPart = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([a-z]*)`)

// ParseDuration converts a call duration to whole seconds. It accepts a bare
// number of seconds ("45"), values with a unit ("45 Sec", "2 Min",
// "1 min 5 sec", "1h") and clock notation ("1:05", "1:02:03").
//
// Unrecognized input and values above maxDurationSeconds yield (0, false).
// A negative value is an error: it is a value of the wrong type, not a
// missing one.
func ParseDuration(s string) (int64, bool, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, false, errNegativeDuration
	}

	if strings.Contains(s, ":") {
		return parseClock(s)
	}

	matches := durationPart.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, false, nil
	}
	var total float64
	for _, m := range matches {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false, nil
		}
		mult, ok := unitSeconds(m[2])
		if !ok {
			return 0, false, nil
		}
		total += n * mult
	}
	secs := math.Floor(total + 0.5)
	if secs > maxDurationSeconds {
		return 0, false, nil
	}
	return int64(secs), true, nil
}

func unitSeconds(u string) (float64, bool) {
	switch u {
	case "", "s", "sec", "secs", "second", "seconds":
		return 1, true
	case "m", "min", "mins", "minute", "minutes":
		return 60, true
	case "h", "hr", "hrs", "hour", "hours":
		return 3600, true
	}
	return 0, false
}

func parseClock(s string) (int64, bool, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, false, nil
	}
	var total int64
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || n < 0 {
			return 0, false, nil
		}
		if n > maxDurationSeconds || total > (maxDurationSeconds-n)/60 {
			return 0, false, nil
		}
		total = total*60 + n
	}
	return total, true, nil
}
