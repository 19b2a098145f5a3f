package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Set assigns a YAML scalar to a dotted key such as "visual.contrast" or
// "capture.backend", validates the result, and saves it.
func (m *Manager) Set(key, value string) error {
	cfg := m.Get()
	next, err := setKey(cfg, key, value)
	if err != nil {
		return err
	}
	return m.Update(next)
}

func setKey(cfg *Config, key, value string) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return nil, fmt.Errorf("invalid value %q: %w", value, err)
	}

	parts := strings.Split(key, ".")
	node := tree
	for i, part := range parts {
		cur, ok := node[part]
		if !ok {
			return nil, fmt.Errorf("configuration key not found: %s", key)
		}
		if i == len(parts)-1 {
			if _, isMap := cur.(map[string]any); isMap {
				return nil, fmt.Errorf("%s is a section, not a value", key)
			}
			node[part] = parsed
			break
		}
		child, isMap := cur.(map[string]any)
		if !isMap {
			return nil, fmt.Errorf("configuration key not found: %s", key)
		}
		node = child
	}

	out, err := yaml.Marshal(tree)
	if err != nil {
		return nil, err
	}
	next, err := Parse(out)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return next, nil
}
