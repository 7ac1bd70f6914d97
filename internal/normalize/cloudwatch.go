package normalize

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"iats/internal/errs"
	"iats/pkg/types"
)

// reasonIDPattern pulls a correlation/request/trace id out of free-form alarm
// reason text when the structured fields are empty.
var reasonIDPattern = regexp.MustCompile(`(?i)(correlation|request|trace)[ _-]?id\s*[:=]\s*([A-Za-z0-9_.:/-]{6,})`)

// CloudWatchAdapter normalizes CloudWatch alarm state-change events delivered
// through EventBridge.
type CloudWatchAdapter struct{}

func (a *CloudWatchAdapter) Source() types.AlertSource { return types.SourceCloudWatch }

type cwState struct {
	Value     string `json:"value"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

type cwDetail struct {
	AlarmName     string  `json:"alarmName"`
	State         cwState `json:"state"`
	PreviousState cwState `json:"previousState"`
}

type cwEnvelope struct {
	ID      string          `json:"id"`
	Time    string          `json:"time"`
	Region  string          `json:"region"`
	Account string          `json:"account"`
	Detail  json.RawMessage `json:"detail"`
}

func (a *CloudWatchAdapter) Normalize(payload []byte) (*types.AlertEvent, error) {
	var envelope cwEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, errs.Normalization("invalid CloudWatch payload: %v", err)
	}
	if len(envelope.Detail) == 0 || string(envelope.Detail) == "null" {
		return nil, errs.Normalization("missing detail in CloudWatch payload")
	}
	var detail cwDetail
	if err := json.Unmarshal(envelope.Detail, &detail); err != nil {
		return nil, errs.Normalization("invalid CloudWatch detail: %v", err)
	}

	alarmName := detail.AlarmName
	if alarmName == "" {
		alarmName = "unknown-alarm"
	}
	firedRaw := detail.State.Timestamp
	if firedRaw == "" {
		firedRaw = envelope.Time
	}
	if firedRaw == "" {
		return nil, errs.Normalization("missing state timestamp")
	}
	firedAt, err := parseTimestamp(firedRaw)
	if err != nil {
		return nil, errs.Normalization("invalid state timestamp %q: %v", firedRaw, err)
	}

	stateValue := detail.State.Value
	if stateValue == "" {
		stateValue = "UNKNOWN"
	}
	var endedAt *time.Time
	if stateValue == "OK" {
		t := firedAt
		endedAt = &t
	}
	severity := "info"
	if stateValue == "ALARM" {
		severity = "critical"
	}

	var detailMap, rootMap map[string]any
	_ = json.Unmarshal(envelope.Detail, &detailMap)
	_ = json.Unmarshal(payload, &rootMap)
	correlationID := extractCorrelationID(detailMap, rootMap, detail.State.Reason)

	externalID := envelope.ID
	if externalID == "" {
		externalID = alarmName
	}
	labels := map[string]string{
		"alarm_name":     alarmName,
		"region":         envelope.Region,
		"account_id":     envelope.Account,
		"previous_state": detail.PreviousState.Value,
	}
	return &types.AlertEvent{
		Source:        types.SourceCloudWatch,
		ExternalID:    externalID,
		Title:         "CloudWatch Alarm: " + alarmName,
		Severity:      severity,
		State:         stateValue,
		CorrelationID: correlationID,
		FiredAt:       firedAt,
		EndedAt:       endedAt,
		Labels:        labels,
		Annotations:   map[string]string{"reason": detail.State.Reason},
		ResourceRefs: map[string]string{
			"alarm_name":     alarmName,
			"region":         envelope.Region,
			"account_id":     envelope.Account,
			"correlation_id": correlationID,
		},
		RawPayload: json.RawMessage(payload),
	}, nil
}

// extractCorrelationID walks the structured candidates in priority order, then
// falls back to scanning the reason text.
func extractCorrelationID(detail, root map[string]any, reason string) string {
	keys := []string{"correlationId", "correlation_id", "requestId", "request_id", "traceId", "trace_id"}
	for _, source := range []map[string]any{detail, root} {
		for _, key := range keys {
			if value, ok := source[key].(string); ok && strings.TrimSpace(value) != "" {
				return strings.TrimSpace(value)
			}
		}
	}
	if match := reasonIDPattern.FindStringSubmatch(reason); match != nil {
		return match[2]
	}
	return ""
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000-0700", "2006-01-02T15:04:05-0700"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	t, err := time.Parse(time.RFC3339, raw)
	return t, err
}
