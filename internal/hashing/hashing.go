// Package hashing provides canonical JSON encoding and the deterministic
// hashes used for dedup keys and artifact ids.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// StableHash returns the hex sha256 of a string.
func StableHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON encodes a value with sorted keys and no insignificant
// whitespace, so equal values always produce equal bytes.
func CanonicalJSON(value any) (string, error) {
	normalized, err := normalize(value)
	if err != nil {
		return "", err
	}
	out, err := marshalCanonical(normalized)
	if err != nil {
		return "", fmt.Errorf("canonical encode: %w", err)
	}
	return out, nil
}

// MustCanonicalJSON is CanonicalJSON for values known to be encodable.
func MustCanonicalJSON(value any) string {
	out, err := CanonicalJSON(value)
	if err != nil {
		panic(err)
	}
	return out
}

// normalize round-trips arbitrary values through encoding/json so structs,
// maps and numbers collapse to the generic representation before ordering.
func normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical unmarshal: %w", err)
	}
	return generic, nil
}

func marshalCanonical(value any) (string, error) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return "", err
			}
			valJSON, err := marshalCanonical(v[k])
			if err != nil {
				return "", err
			}
			out += string(keyJSON) + ":" + valJSON
		}
		return out + "}", nil
	case []any:
		out := "["
		for i, item := range v {
			if i > 0 {
				out += ","
			}
			itemJSON, err := marshalCanonical(item)
			if err != nil {
				return "", err
			}
			out += itemJSON
		}
		return out + "]", nil
	default:
		raw, err := json.Marshal(v)
		return string(raw), err
	}
}

// DedupKey builds the deterministic incident dedup key. Labels are keyed into
// a map before encoding, so insertion order never leaks into the hash.
func DedupKey(service, env, resourceKey, correlationID string, labels map[string]string) string {
	sorted := make(map[string]string, len(labels))
	for k, v := range labels {
		sorted[k] = v
	}
	payload := map[string]any{
		"service":        service,
		"env":            env,
		"resource_key":   resourceKey,
		"correlation_id": correlationID,
		"labels":         sorted,
	}
	return StableHash(MustCanonicalJSON(payload))
}

// ArtifactID computes the stable short id for a typed artifact payload.
func ArtifactID(artifactType string, payload any) string {
	canonical := MustCanonicalJSON(payload)
	return StableHash(artifactType + ":" + canonical)[:12]
}
