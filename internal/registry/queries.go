package registry

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

type queryEntry struct {
	Query string `yaml:"query"`
}

type queryFile struct {
	Default map[string]queryEntry            `yaml:"default"`
	Alarms  map[string]map[string]queryEntry `yaml:"alarms"`
}

// QueryLibrary holds the named Logs Insights query templates, a default block
// plus per-alarm overrides.
type QueryLibrary struct {
	file queryFile
}

// LoadQueryLibrary reads the query library YAML. A missing file yields an
// empty library.
func LoadQueryLibrary(path string) (*QueryLibrary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &QueryLibrary{}, nil
		}
		return nil, fmt.Errorf("read query library: %w", err)
	}
	var file queryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse query library: %w", err)
	}
	return &QueryLibrary{file: file}, nil
}

// NamedQuery is one query template with its library name.
type NamedQuery struct {
	Name  string
	Query string
}

// QueriesFor merges the default block with the alarm-specific overrides,
// overrides last. Names come back sorted so callers see a stable order.
func (l *QueryLibrary) QueriesFor(alarmName string) []NamedQuery {
	merged := map[string]string{}
	for name, entry := range l.file.Default {
		if entry.Query != "" {
			merged[name] = entry.Query
		}
	}
	for name, entry := range l.file.Alarms[alarmName] {
		if entry.Query != "" {
			merged[name] = entry.Query
		}
	}
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]NamedQuery, 0, len(names))
	for _, name := range names {
		out = append(out, NamedQuery{Name: name, Query: merged[name]})
	}
	return out
}
