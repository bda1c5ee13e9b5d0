package flow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse parses a YAML flow document, applies defaults, and validates it.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse flow definition: %w", err)
	}

	def.ApplyDefaults()

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow definition: %w", err)
	}

	return &def, nil
}

// ParseJSON parses a JSON flow document, applies defaults, and validates it.
func ParseJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse flow definition: %w", err)
	}

	// Mirror the YAML alias handling for documents that use "retry_on".
	var raw struct {
		Steps []struct {
			Retry *struct {
				RetryOn []string `json:"retry_on"`
			} `json:"retry"`
		} `json:"steps"`
	}
	if err := json.Unmarshal(data, &raw); err == nil {
		for i := range def.Steps {
			if i >= len(raw.Steps) {
				break
			}
			if def.Steps[i].Retry != nil && len(def.Steps[i].Retry.RetryOnCodes) == 0 &&
				raw.Steps[i].Retry != nil && len(raw.Steps[i].Retry.RetryOn) > 0 {
				def.Steps[i].Retry.RetryOnCodes = raw.Steps[i].Retry.RetryOn
			}
		}
	}

	def.ApplyDefaults()

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow definition: %w", err)
	}

	return &def, nil
}

// LoadFile loads a flow definition from a YAML or JSON file, selected by
// extension.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	default:
		return Parse(data)
	}
}

// LoadDir loads every .yaml/.yml/.json flow definition directly under dir,
// keyed by flow id. Duplicate flow ids across files are an error.
func LoadDir(dir string) (map[string]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow directory: %w", err)
	}

	flows := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		def, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", entry.Name(), err)
		}
		if _, dup := flows[def.ID]; dup {
			return nil, fmt.Errorf("duplicate flow id %q in %s", def.ID, entry.Name())
		}
		flows[def.ID] = def
	}

	return flows, nil
}
