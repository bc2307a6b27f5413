package model

import "testing"

func TestManifestValidate(t *testing.T) {
	m := Manifest{AgentID: "agent-7", Version: "1.2.0", OwnerTeam: "risk", URL: "https://agents.internal/agent-7"}
	if err := m.Validate(); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}
}

func TestManifestValidateMissingFields(t *testing.T) {
	cases := []Manifest{
		{Version: "1", OwnerTeam: "risk", URL: "u"},
		{AgentID: "a", OwnerTeam: "risk", URL: "u"},
		{AgentID: "a", Version: "1", URL: "u"},
		{AgentID: "a", Version: "1", OwnerTeam: "risk"},
	}
	for i, m := range cases {
		if err := m.Validate(); err == nil {
			t.Errorf("case %d: expected error for incomplete manifest", i)
		}
	}
}

func TestValidateContextName(t *testing.T) {
	valid := []string{"risk-policy", "kyc2", "a", "eu-gdpr-notes"}
	for _, name := range valid {
		if err := ValidateContextName(name); err != nil {
			t.Errorf("expected %q to be valid: %v", name, err)
		}
	}

	invalid := []string{"", "Risk-Policy", "risk_policy", "-risk", "risk-", "risk--policy", "risk policy"}
	for _, name := range invalid {
		if err := ValidateContextName(name); err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}
