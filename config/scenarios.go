package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alignedwithwhat/engine/core"
)

// scenarioPack is the on-disk shape of a scenario file.
type scenarioPack struct {
	Pairs []core.ScenarioPair `yaml:"pairs"`
}

// LoadScenarioPack reads a YAML scenario file and validates every
// pair. Duplicate IDs within one pack are rejected.
func LoadScenarioPack(path string) ([]*core.ScenarioPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario pack %s: %w", path, err)
	}
	return ParseScenarioPack(data)
}

// ParseScenarioPack parses scenario pairs from raw YAML.
func ParseScenarioPack(data []byte) ([]*core.ScenarioPair, error) {
	var pack scenarioPack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse scenario pack: %w", err)
	}
	if len(pack.Pairs) == 0 {
		return nil, fmt.Errorf("scenario pack contains no pairs")
	}

	seen := make(map[string]struct{}, len(pack.Pairs))
	out := make([]*core.ScenarioPair, 0, len(pack.Pairs))
	for i := range pack.Pairs {
		pair := pack.Pairs[i]
		if err := pair.Validate(); err != nil {
			return nil, fmt.Errorf("scenario pack entry %d: %w", i, err)
		}
		if _, dup := seen[pair.ID]; dup {
			return nil, fmt.Errorf("scenario pack entry %d: duplicate id %s", i, pair.ID)
		}
		seen[pair.ID] = struct{}{}
		out = append(out, &pair)
	}
	return out, nil
}
