package roles

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ruleFile is the YAML shape of a role-rule set.
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name       string          `yaml:"name"`
	Enabled    *bool           `yaml:"enabled"`
	MatchMode  string          `yaml:"match_mode"`
	Negate     bool            `yaml:"negate"`
	Conditions []conditionSpec `yaml:"conditions"`
}

type conditionSpec struct {
	Attribute      string `yaml:"attribute"`
	Pattern        string `yaml:"pattern"`
	Negate         bool   `yaml:"negate"`
	ValueMatchMode string `yaml:"value_match_mode"`
}

// ParseRules decodes a YAML rule set and compiles every condition
// pattern. A rule without an explicit enabled flag defaults to enabled.
func ParseRules(data []byte) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse role rules: %w", err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		if spec.Name == "" {
			return nil, fmt.Errorf("role rule %d has no name", i)
		}

		rule := Rule{
			Name:      spec.Name,
			Enabled:   spec.Enabled == nil || *spec.Enabled,
			MatchMode: MatchMode(spec.MatchMode).normalize(),
			Negate:    spec.Negate,
		}

		for _, c := range spec.Conditions {
			if c.Attribute == "" {
				return nil, fmt.Errorf("role rule %q has a condition without an attribute", spec.Name)
			}
			pattern, err := regexp.Compile(c.Pattern)
			if err != nil {
				return nil, fmt.Errorf("role rule %q has an invalid pattern %q: %w", spec.Name, c.Pattern, err)
			}
			rule.Conditions = append(rule.Conditions, Condition{
				Attribute:      c.Attribute,
				Pattern:        pattern,
				Negate:         c.Negate,
				ValueMatchMode: MatchMode(c.ValueMatchMode).normalize(),
			})
		}

		rules = append(rules, rule)
	}

	return rules, nil
}

// LoadRulesFile reads and parses a YAML rule-set file.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role rules file: %w", err)
	}
	return ParseRules(data)
}
