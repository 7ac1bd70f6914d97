// Package registry resolves alerts to owning services and holds the per-alarm
// logs query library.
package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry describes one registered service target.
type Entry struct {
	Service       string   `yaml:"service"`
	Env           string   `yaml:"env"`
	LogGroups     []string `yaml:"log_groups"`
	RepoLocalPath string   `yaml:"repo_local_path"`
	Owners        []string `yaml:"owners"`
	RunbookURL    string   `yaml:"runbook_url"`
	DashboardURL  string   `yaml:"dashboard_url"`
}

// FirstLogGroup returns the primary log group, with the registry fallback.
func (e Entry) FirstLogGroup() string {
	if len(e.LogGroups) > 0 {
		return e.LogGroups[0]
	}
	return "/aws/lambda/unknown"
}

type registryFile struct {
	Alarms   map[string]Entry `yaml:"alarms"`
	Services map[string]Entry `yaml:"services"`
}

// ServiceRegistry maps alarm names and service labels to registry entries.
type ServiceRegistry struct {
	alarms   map[string]Entry
	services map[string]Entry
}

// LoadServiceRegistry reads the registry YAML. ${VAR} references are expanded
// from the environment before parsing.
func LoadServiceRegistry(path string) (*ServiceRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service registry: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	var file registryFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("parse service registry: %w", err)
	}
	return &ServiceRegistry{alarms: file.Alarms, services: file.Services}, nil
}

// Resolve looks up a key in the alarm map first, then the service map.
// Unknown keys fall back to the unknown-service entry.
func (r *ServiceRegistry) Resolve(key string) Entry {
	if entry, ok := r.alarms[key]; ok {
		return entry
	}
	if entry, ok := r.services[key]; ok {
		return entry
	}
	return Entry{
		Service:   "unknown-service",
		Env:       "unknown",
		LogGroups: []string{"/aws/lambda/unknown"},
	}
}
