// Package usagelimit detects rate-limit notices in session output, computes
// how long to wait (same-day / next-day clock disambiguation), escalates
// repeated occurrences, and provides a cancelable wait.
package usagelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Pattern names a detection class. Persisted in the occurrence history.
const (
	PatternAmPm     = "clock_ampm"
	Pattern24h      = "clock_24h"
	PatternRelative = "relative"
	PatternGeneric  = "generic"
)

// Match is one detected usage-limit notice.
type Match struct {
	Pattern string
	Text    string

	// Clock fields, valid when HasClock.
	Hour     int
	Minute   int
	HasClock bool

	// Relative duration, valid for PatternRelative.
	Duration time.Duration
}

// throttle keywords that qualify a line as a usage-limit notice. Time
// extraction only runs on qualifying lines so ordinary timestamps in output
// are not mistaken for limits.
var throttleRe = regexp.MustCompile(`(?i)usage\s+limit|rate[\s-]*limit|too many requests|quota exceeded|limit (?:has been )?reached|try again|blocked until|retry`)

var (
	amPmRe     = regexp.MustCompile(`(?i)\b(?:until|at)\s+(\d{1,2})(?::(\d{2}))?\s*([ap])\.?m\b`)
	clock24Re  = regexp.MustCompile(`(?i)\b(?:until|at)\s+(\d{1,2}):(\d{2})\b`)
	relativeRe = regexp.MustCompile(`(?i)\bin\s+(\d+)\s*(hours?|hrs?|minutes?|mins?)\b`)
)

// Detect scans output text line by line and returns the first usage-limit
// match, or nil. Patterns are tried in order: am/pm clock, 24-hour clock,
// relative duration, then the generic throttle phrase with no time attached.
func Detect(output string) *Match {
	for _, line := range strings.Split(output, "\n") {
		if !throttleRe.MatchString(line) {
			continue
		}

		if m := amPmRe.FindStringSubmatch(line); m != nil {
			hour, _ := strconv.Atoi(m[1])
			minute := 0
			if m[2] != "" {
				minute, _ = strconv.Atoi(m[2])
			}
			if hour >= 1 && hour <= 12 && minute < 60 {
				hour = hour % 12
				if strings.EqualFold(m[3], "p") {
					hour += 12
				}
				return &Match{Pattern: PatternAmPm, Text: strings.TrimSpace(line), Hour: hour, Minute: minute, HasClock: true}
			}
		}

		if m := clock24Re.FindStringSubmatch(line); m != nil {
			hour, _ := strconv.Atoi(m[1])
			minute, _ := strconv.Atoi(m[2])
			if hour < 24 && minute < 60 {
				return &Match{Pattern: Pattern24h, Text: strings.TrimSpace(line), Hour: hour, Minute: minute, HasClock: true}
			}
		}

		if m := relativeRe.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[1])
			unit := time.Minute
			if strings.HasPrefix(strings.ToLower(m[2]), "h") {
				unit = time.Hour
			}
			return &Match{Pattern: PatternRelative, Text: strings.TrimSpace(line), Duration: time.Duration(n) * unit}
		}

		return &Match{Pattern: PatternGeneric, Text: strings.TrimSpace(line)}
	}
	return nil
}

// ComputeWait turns a match into a concrete wait duration. Clock matches
// resolve against now's location: today's occurrence if still in the future,
// otherwise tomorrow's. The result is always positive; defaultCooldown
// covers generic matches and degenerate zero waits.
func ComputeWait(m *Match, now time.Time, defaultCooldown time.Duration) time.Duration {
	switch {
	case m == nil:
		return defaultCooldown
	case m.HasClock:
		target := time.Date(now.Year(), now.Month(), now.Day(), m.Hour, m.Minute, 0, 0, now.Location())
		if !target.After(now) {
			target = target.AddDate(0, 0, 1)
		}
		return target.Sub(now)
	case m.Pattern == PatternRelative && m.Duration > 0:
		return m.Duration
	default:
		return defaultCooldown
	}
}
