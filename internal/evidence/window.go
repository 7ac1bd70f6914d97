// Package evidence gathers, ranks and scores the artifacts that back a triage
// report.
package evidence

import (
	"strings"
	"time"
)

// Window reasons recorded in pack provenance.
const (
	WindowDefault    = "default-window"
	WindowNarrowed   = "narrowed-window-correlation-id"
	WindowExpanded   = "expanded-window-critical"
	minWindowMinutes = 5
)

// ComputeWindow derives the evidence time window around the alert. A
// correlation id narrows it; critical/high severity widens it. The span never
// drops below five minutes either side.
func ComputeWindow(firedAt time.Time, hasCorrelationID bool, severity string, baseMinutes int) (start, end time.Time, reason string) {
	multiplier := 1.0
	reason = WindowDefault
	switch {
	case hasCorrelationID:
		multiplier = 0.8
		reason = WindowNarrowed
	case severityIn(severity, "critical", "high"):
		multiplier = 1.5
		reason = WindowExpanded
	}
	minutes := int(float64(baseMinutes) * multiplier)
	if minutes < minWindowMinutes {
		minutes = minWindowMinutes
	}
	delta := time.Duration(minutes) * time.Minute
	return firedAt.Add(-delta), firedAt.Add(delta), reason
}

func severityIn(severity string, values ...string) bool {
	lower := strings.ToLower(severity)
	for _, v := range values {
		if lower == v {
			return true
		}
	}
	return false
}
