package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openmeet/federation/pkg/attr"
)

// AttributeMaps holds the per-protocol logical-to-source attribute
// mappings, loaded from one YAML file.
type AttributeMaps struct {
	LDAP       attr.Map `yaml:"ldap"`
	OIDC       attr.Map `yaml:"oidc"`
	SAML       attr.Map `yaml:"saml"`
	Shibboleth attr.Map `yaml:"shibboleth"`
}

// LoadAttributeMaps reads the attribute map file. A missing path
// returns empty maps so adapters fall back to their defaults.
func LoadAttributeMaps(path string) (*AttributeMaps, error) {
	if path == "" {
		return &AttributeMaps{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attribute map file: %w", err)
	}
	var maps AttributeMaps
	if err := yaml.Unmarshal(data, &maps); err != nil {
		return nil, fmt.Errorf("failed to parse attribute map file: %w", err)
	}
	return &maps, nil
}
