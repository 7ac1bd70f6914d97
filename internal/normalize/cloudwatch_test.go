package normalize

import (
	"testing"

	"iats/internal/errs"
	"iats/pkg/types"
)

const cwAlarmPayload = `{
	"id": "evt-001",
	"region": "us-east-1",
	"account": "123456789012",
	"time": "2025-11-04T09:41:00Z",
	"detail": {
		"alarmName": "iats-demo-high-error-rate",
		"state": {
			"value": "ALARM",
			"reason": "Threshold crossed: 5xx rate above 5%",
			"timestamp": "2025-11-04T09:41:02Z"
		},
		"previousState": {"value": "OK"}
	}
}`

func TestCloudWatchNormalizeAlarm(t *testing.T) {
	event, err := (&CloudWatchAdapter{}).Normalize([]byte(cwAlarmPayload))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if event.Source != types.SourceCloudWatch {
		t.Errorf("source = %s", event.Source)
	}
	if event.Severity != "critical" {
		t.Errorf("ALARM state should be critical, got %s", event.Severity)
	}
	if event.State != "ALARM" {
		t.Errorf("state = %s", event.State)
	}
	if event.EndedAt != nil {
		t.Error("ALARM state must not set ended_at")
	}
	if event.Title != "CloudWatch Alarm: iats-demo-high-error-rate" {
		t.Errorf("title = %s", event.Title)
	}
	if event.Labels["previous_state"] != "OK" {
		t.Errorf("previous_state label = %s", event.Labels["previous_state"])
	}
	if event.ResourceRefs["alarm_name"] != "iats-demo-high-error-rate" {
		t.Errorf("alarm_name ref = %s", event.ResourceRefs["alarm_name"])
	}
	if got := event.FiredAt.UTC().Format("2006-01-02T15:04:05Z"); got != "2025-11-04T09:41:02Z" {
		t.Errorf("fired_at = %s", got)
	}
}

func TestCloudWatchNormalizeOKState(t *testing.T) {
	payload := `{
		"detail": {
			"alarmName": "a",
			"state": {"value": "OK", "timestamp": "2025-11-04T10:00:00Z"}
		}
	}`
	event, err := (&CloudWatchAdapter{}).Normalize([]byte(payload))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if event.Severity != "info" {
		t.Errorf("OK state should be info, got %s", event.Severity)
	}
	if event.EndedAt == nil || !event.EndedAt.Equal(event.FiredAt) {
		t.Error("OK state should set ended_at to fired_at")
	}
}

func TestCloudWatchMissingTimestamp(t *testing.T) {
	payload := `{"detail": {"alarmName": "a", "state": {"value": "ALARM"}}}`
	_, err := (&CloudWatchAdapter{}).Normalize([]byte(payload))
	if err == nil {
		t.Fatal("expected error for missing timestamp")
	}
	if !errs.IsNormalization(err) {
		t.Fatalf("expected NormalizationError, got %T", err)
	}
}

func TestCloudWatchMissingDetail(t *testing.T) {
	_, err := (&CloudWatchAdapter{}).Normalize([]byte(`{"time": "2025-11-04T09:41:00Z"}`))
	if !errs.IsNormalization(err) {
		t.Fatalf("expected NormalizationError, got %v", err)
	}
}

func TestCloudWatchCorrelationIDPriority(t *testing.T) {
	payload := `{
		"correlation_id": "root-corr",
		"detail": {
			"alarmName": "a",
			"requestId": "req-structured-1",
			"state": {"value": "ALARM", "timestamp": "2025-11-04T09:41:02Z",
				"reason": "trace_id: reason-trace-9999"}
		}
	}`
	event, err := (&CloudWatchAdapter{}).Normalize([]byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	if event.CorrelationID != "req-structured-1" {
		t.Errorf("structured detail field should win, got %s", event.CorrelationID)
	}
}

func TestCloudWatchCorrelationIDFromReason(t *testing.T) {
	payload := `{
		"detail": {
			"alarmName": "a",
			"state": {"value": "ALARM", "timestamp": "2025-11-04T09:41:02Z",
				"reason": "errors spiked, Correlation-Id: req-reason-4242 observed"}
		}
	}`
	event, err := (&CloudWatchAdapter{}).Normalize([]byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	if event.CorrelationID != "req-reason-4242" {
		t.Errorf("reason scan correlation id = %s", event.CorrelationID)
	}
}
