package application

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	ruleset "mlm-ledger/internal/ruleset/domain"
)

// LoadDefaults returns the compiled-in defaults overlaid with the YAML file at path.
// Keys missing from the file keep their compiled-in value. An empty path skips the file.
func LoadDefaults(path string) (ruleset.RuleSet, error) {
	rs := ruleset.Defaults()
	if path == "" {
		return rs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return rs, fmt.Errorf("ruleset defaults: %w", err)
	}
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return rs, fmt.Errorf("ruleset defaults: %s: %w", path, err)
	}
	if err := rs.Validate(); err != nil {
		return rs, err
	}
	return rs, nil
}
