package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"iats/internal/errs"
	"iats/pkg/types"
)

// AlertmanagerAdapter normalizes Prometheus Alertmanager webhook envelopes.
type AlertmanagerAdapter struct{}

func (a *AlertmanagerAdapter) Source() types.AlertSource { return types.SourceAlertmanager }

type amEnvelope struct {
	Status            string         `json:"status"`
	GroupKey          string         `json:"groupKey"`
	CommonLabels      map[string]any `json:"commonLabels"`
	CommonAnnotations map[string]any `json:"commonAnnotations"`
}

func (a *AlertmanagerAdapter) Normalize(payload []byte) (*types.AlertEvent, error) {
	var envelope amEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, errs.Normalization("invalid Alertmanager payload: %v", err)
	}

	labels := coerceStrings(envelope.CommonLabels)
	annotations := coerceStrings(envelope.CommonAnnotations)

	name := labels["alertname"]
	if name == "" {
		name = "unknown-alertmanager-alert"
	}
	service := labels["service"]
	if service == "" {
		service = "unknown-service"
	}
	env := labels["env"]
	if env == "" {
		env = "unknown"
	}
	status := envelope.Status
	if status == "" {
		status = "firing"
	}
	severity := labels["severity"]
	if severity == "" {
		severity = "warning"
	}
	externalID := envelope.GroupKey
	if externalID == "" {
		externalID = name
	}
	correlationID := labels["correlation_id"]
	if correlationID == "" {
		correlationID = labels["trace_id"]
	}

	return &types.AlertEvent{
		Source:        types.SourceAlertmanager,
		ExternalID:    externalID,
		Title:         "Alertmanager: " + name,
		Severity:      severity,
		State:         strings.ToUpper(status),
		CorrelationID: correlationID,
		FiredAt:       time.Now().UTC(),
		Labels:        labels,
		Annotations:   annotations,
		ResourceRefs: map[string]string{
			"alert_name": name,
			"service":    service,
			"env":        env,
		},
		RawPayload: json.RawMessage(payload),
	}, nil
}
