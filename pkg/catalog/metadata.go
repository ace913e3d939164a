package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const metadataLogPrefix = "catalog:metadata"

// Metadata is the declarative input a Catalog is built from.
type Metadata struct {
	Name         string           `json:"name" yaml:"name"`
	Version      string           `json:"version" yaml:"version"`
	Capabilities []CapabilityMeta `json:"capabilities" yaml:"capabilities"`
}

// CapabilityMeta declares one capability.
type CapabilityMeta struct {
	Name        string       `json:"name" yaml:"name"`
	Version     string       `json:"version" yaml:"version"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Resident    bool         `json:"resident" yaml:"resident"`
	Actions     []ActionMeta `json:"actions" yaml:"actions"`
}

// ActionMeta declares one action. Requires is a semver constraint over the
// host version; actions whose constraint is not met are left out.
type ActionMeta struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Mode        string         `json:"mode" yaml:"mode"`
	Permissions []string       `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Normalize   string         `json:"normalize,omitempty" yaml:"normalize,omitempty"`
	Executor    string         `json:"executor,omitempty" yaml:"executor,omitempty"`
	Disruptive  bool           `json:"disruptive,omitempty" yaml:"disruptive,omitempty"`
	Requires    string         `json:"requires,omitempty" yaml:"requires,omitempty"`
	Schema      map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// ParseMetadata decodes metadata; format is "yaml" or "json".
func ParseMetadata(data []byte, format string) (*Metadata, error) {
	var m Metadata
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%s - failed to parse yaml: %w", metadataLogPrefix, err)
		}
	case "json":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%s - failed to parse json: %w", metadataLogPrefix, err)
		}
	default:
		return nil, fmt.Errorf("%s - unsupported metadata format %q", metadataLogPrefix, format)
	}
	return &m, nil
}

// LoadMetadata reads the first readable, parseable file from paths, then
// the conventional locations, and falls back to DefaultMetadata.
func LoadMetadata(paths ...string) (*Metadata, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	all = append(all, "config/catalog.yaml", "config/catalog.json", "catalog.yaml")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		m, err := ParseMetadata(data, formatOf(p))
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse catalog file %s: %v", metadataLogPrefix, p, err))
			continue
		}
		slog.Info(fmt.Sprintf("%s - Loaded catalog metadata from %s", metadataLogPrefix, p))
		return m, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default catalog metadata", metadataLogPrefix))
	return DefaultMetadata(), nil
}

// ReadMetadataFile reads and parses one metadata file. Unlike LoadMetadata
// it never falls back.
func ReadMetadataFile(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read %s: %w", metadataLogPrefix, path, err)
	}
	return ParseMetadata(data, formatOf(path))
}

func formatOf(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "yml" {
		return "yaml"
	}
	return ext
}

// DefaultMetadata returns the built-in catalog of system capabilities.
func DefaultMetadata() *Metadata {
	return &Metadata{
		Name:    "capability-bridge",
		Version: "1.0.0",
		Capabilities: []CapabilityMeta{
			{
				Name:        "system.battery",
				Version:     "1.0.0",
				Description: "Battery level and charging state",
				Actions: []ActionMeta{
					{Name: "getStatus", Mode: "async", Executor: "background"},
				},
			},
			{
				Name:        "system.contact",
				Version:     "1.0.0",
				Description: "Address book access",
				Resident:    true,
				Actions: []ActionMeta{
					{Name: "pick", Mode: "async", Executor: "surface"},
					{
						Name:        "list",
						Mode:        "async",
						Executor:    "background",
						Permissions: []string{"READ_CONTACTS"},
						Disruptive:  true,
					},
				},
			},
			{
				Name:        "system.brightness",
				Version:     "1.0.0",
				Description: "Screen brightness of the surface",
				Resident:    true,
				Actions: []ActionMeta{
					{Name: "getValue", Mode: "sync"},
					// setValue's schema is reflected from its params struct.
					{Name: "setValue", Mode: "sync"},
				},
			},
			{
				Name:        "system.clipboard",
				Version:     "1.0.0",
				Description: "Plain-text clipboard",
				Resident:    true,
				Actions: []ActionMeta{
					{
						Name:     "set",
						Mode:     "async",
						Executor: "background",
						Schema: map[string]any{
							"type":     "object",
							"required": []any{"text"},
							"properties": map[string]any{
								"text": map[string]any{"type": "string"},
							},
						},
					},
					{Name: "get", Mode: "async", Executor: "background"},
				},
			},
			{
				Name:        "system.accelerometer",
				Version:     "1.0.0",
				Description: "Accelerometer readings",
				Resident:    true,
				Actions: []ActionMeta{
					{Name: "subscribe", Mode: "event", Executor: "background"},
				},
			},
			{
				Name:        "system.host",
				Version:     "1.0.0",
				Description: "Message channel to the embedding host application",
				Resident:    true,
				Actions: []ActionMeta{
					{Name: "register", Mode: "event", Executor: "background"},
					{Name: "send", Mode: "async", Executor: "background", Normalize: "raw"},
				},
			},
		},
	}
}
