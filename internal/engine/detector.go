package engine

import (
	"regexp"
	"strings"
	"time"

	"github.com/taskpilot/taskpilot/internal/session"
)

// Detector decides, from successive output captures, whether the current
// step has finished. Implementations are fed one observation per poll and
// keep their own state between polls.
type Detector interface {
	// Observe records one output capture. Returns true once the step is
	// considered complete.
	Observe(output string, now time.Time) bool
	// Reset clears detector state for the next step.
	Reset()
}

// MarkerDetector is the layered text heuristic: an explicit completion
// marker completes immediately; otherwise the step completes once output has
// been hash-stable for the idle window with no busy pattern showing. The
// watchdog timeout is the final backstop above this detector.
type MarkerDetector struct {
	markers    []string
	busyRe     *regexp.Regexp
	idleStable time.Duration

	lastHash    string
	stableSince time.Time
}

// NewMarkerDetector builds a detector from the comma-separated marker list
// and optional busy-pattern regexp. An empty busyPatterns disables the busy
// gate; empty markers leave only the idle heuristic.
func NewMarkerDetector(markers string, busyPatterns string, idleStable time.Duration) (*MarkerDetector, error) {
	var busyRe *regexp.Regexp
	if busyPatterns != "" {
		re, err := regexp.Compile(busyPatterns)
		if err != nil {
			return nil, err
		}
		busyRe = re
	}

	var list []string
	for _, m := range strings.Split(markers, ",") {
		if m = strings.TrimSpace(m); m != "" {
			list = append(list, m)
		}
	}

	return &MarkerDetector{markers: list, busyRe: busyRe, idleStable: idleStable}, nil
}

func (d *MarkerDetector) Observe(output string, now time.Time) bool {
	for _, m := range d.markers {
		if strings.Contains(output, m) {
			return true
		}
	}

	if d.busyRe != nil && d.busyRe.MatchString(output) {
		// Visibly busy; restart the stability window.
		d.lastHash = ""
		return false
	}

	h := session.OutputHash(output)
	if h != d.lastHash {
		d.lastHash = h
		d.stableSince = now
		return false
	}
	return now.Sub(d.stableSince) >= d.idleStable
}

// Busy reports whether the output currently matches the busy pattern,
// independent of the completion state machine.
func (d *MarkerDetector) Busy(output string) bool {
	return d.busyRe != nil && d.busyRe.MatchString(output)
}

func (d *MarkerDetector) Reset() {
	d.lastHash = ""
	d.stableSince = time.Time{}
}
