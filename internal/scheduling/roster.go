package scheduling

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Roster is the on-disk doctor list used to seed a clinic.
type Roster struct {
	Doctors []Doctor `yaml:"doctors"`
}

// LoadRoster reads and validates a YAML roster file.
func LoadRoster(path string) ([]Doctor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scheduling: read roster: %w", err)
	}
	return ParseRoster(data)
}

// ParseRoster decodes a YAML roster.
func ParseRoster(data []byte) ([]Doctor, error) {
	var roster Roster
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("scheduling: decode roster: %w", err)
	}
	seen := make(map[string]struct{}, len(roster.Doctors))
	for i, d := range roster.Doctors {
		if d.ID == "" || d.OrganizationID == "" {
			return nil, fmt.Errorf("scheduling: roster entry %d: id and organization_id are required", i)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("scheduling: roster entry %d: duplicate doctor id %q", i, d.ID)
		}
		seen[d.ID] = struct{}{}
		if err := d.Hours.Validate(); err != nil {
			return nil, fmt.Errorf("scheduling: doctor %s: %w", d.ID, err)
		}
	}
	return roster.Doctors, nil
}
