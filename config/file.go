package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Detection *Settings `yaml:"detection"`
}

// LoadFile overlays the `detection` section of a YAML file onto s. Keys absent
// from the file keep their current value.
func LoadFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	next := s.Clone()
	fc := fileConfig{Detection: &next}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid detection settings in %s: %w", path, err)
	}

	*s = next
	return nil
}
