package types

import "testing"

func TestCanTransitionAllowed(t *testing.T) {
	allowed := []struct{ from, to IncidentStatus }{
		{StatusOpen, StatusTriaging},
		{StatusTriaging, StatusAwaitingHumanReview},
		{StatusAwaitingHumanReview, StatusTriaged},
		{StatusAwaitingHumanReview, StatusOpen},
		{StatusTriaged, StatusMitigated},
		{StatusTriaged, StatusResolved},
		{StatusTriaged, StatusPostmortemRequired},
		{StatusMitigated, StatusResolved},
		{StatusMitigated, StatusPostmortemRequired},
		{StatusResolved, StatusPostmortemRequired},
		{StatusOpen, StatusFailed},
		{StatusTriaging, StatusFailed},
		{StatusAwaitingHumanReview, StatusFailed},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransitionRejected(t *testing.T) {
	rejected := []struct{ from, to IncidentStatus }{
		{StatusOpen, StatusTriaged},
		{StatusOpen, StatusResolved},
		{StatusOpen, StatusMitigated},
		{StatusTriaging, StatusTriaged},
		{StatusTriaged, StatusOpen},
		{StatusResolved, StatusMitigated},
		{StatusResolved, StatusOpen},
		{StatusPostmortemRequired, StatusResolved},
		{StatusFailed, StatusTriaged},
	}
	for _, tc := range rejected {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestReopenable(t *testing.T) {
	for _, status := range []IncidentStatus{StatusFailed, StatusAwaitingHumanReview, StatusTriaged, StatusMitigated, StatusResolved, StatusPostmortemRequired} {
		if !Reopenable(status) {
			t.Errorf("%s should reopen on a new alert", status)
		}
	}
	for _, status := range []IncidentStatus{StatusOpen, StatusTriaging} {
		if Reopenable(status) {
			t.Errorf("%s should not reopen", status)
		}
	}
}
