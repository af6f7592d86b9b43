package zones

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type zoneFile struct {
	Zones []Zone `yaml:"zones"`
}

// LoadFile reads zones from YAML or JSON, either a bare list or a document
// with a top-level "zones" key, and validates them
func LoadFile(path string) ([]Zone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zones file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a zone document
func Parse(data []byte) ([]Zone, error) {
	var zones []Zone
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '-' || trimmed[0] == '[') {
		if err := yaml.Unmarshal(trimmed, &zones); err != nil {
			return nil, fmt.Errorf("failed to parse zones: %w", err)
		}
	} else {
		var doc zoneFile
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse zones: %w", err)
		}
		zones = doc.Zones
	}
	if err := Validate(zones); err != nil {
		return nil, err
	}
	return zones, nil
}
