// Package normalize converts source-specific alert payloads into canonical
// alert events.
package normalize

import (
	"fmt"

	"iats/pkg/types"
)

// Adapter normalizes one monitoring source's payloads.
type Adapter interface {
	Source() types.AlertSource
	Normalize(payload []byte) (*types.AlertEvent, error)
}

// ForSource returns the adapter for a known source.
func ForSource(source types.AlertSource) (Adapter, error) {
	switch source {
	case types.SourceCloudWatch:
		return &CloudWatchAdapter{}, nil
	case types.SourceAlertmanager:
		return &AlertmanagerAdapter{}, nil
	default:
		return nil, fmt.Errorf("no adapter for source %q", source)
	}
}

// coerceStrings flattens a generic JSON map into string values.
func coerceStrings(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}
