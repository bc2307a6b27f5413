package model

import (
	"fmt"
	"regexp"
)

// Manifest is the self-registration document an agent sends on an A2A
// ping. All four fields are required.
type Manifest struct {
	AgentID   string `json:"agent_id"`
	Version   string `json:"version"`
	OwnerTeam string `json:"owner_team"`
	URL       string `json:"url"`
}

// Validate checks that every required manifest field is present.
func (m Manifest) Validate() error {
	if m.AgentID == "" {
		return fmt.Errorf("manifest field agent_id is required")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest field version is required")
	}
	if m.OwnerTeam == "" {
		return fmt.Errorf("manifest field owner_team is required")
	}
	if m.URL == "" {
		return fmt.Errorf("manifest field url is required")
	}
	return nil
}

// kebabName matches lowercase-kebab identifiers: "risk-policy", "kyc2".
var kebabName = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidateContextName rejects context names that are not lowercase-kebab.
func ValidateContextName(name string) error {
	if name == "" {
		return fmt.Errorf("context name is required")
	}
	if !kebabName.MatchString(name) {
		return fmt.Errorf("context name %q must be lowercase-kebab (letters, digits, single dashes)", name)
	}
	return nil
}
