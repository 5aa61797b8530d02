package principal

import (
	"errors"
	"testing"
)

func TestParseRoleNormalizesLegacyLabel(t *testing.T) {
	role, err := ParseRole("customer")
	if err != nil {
		t.Fatalf("expected legacy label to parse, got %v", err)
	}
	if role != RoleStudent {
		t.Fatalf("expected student, got %s", role)
	}
}

func TestParseRoleAcceptsCanonicalLabels(t *testing.T) {
	cases := map[string]Role{
		"student":   RoleStudent,
		"moderator": RoleModerator,
		"admin":     RoleAdmin,
		" Admin ":   RoleAdmin,
		"STUDENT":   RoleStudent,
	}
	for label, expected := range cases {
		role, err := ParseRole(label)
		if err != nil {
			t.Fatalf("label %q: unexpected error %v", label, err)
		}
		if role != expected {
			t.Fatalf("label %q: expected %s, got %s", label, expected, role)
		}
	}
}

func TestParseRoleRejectsUnknownLabel(t *testing.T) {
	_, err := ParseRole("superuser")
	if !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestRoleValid(t *testing.T) {
	if !RoleModerator.Valid() {
		t.Fatalf("moderator should be valid")
	}
	if Role("customer").Valid() {
		t.Fatalf("legacy label must not be valid outside ParseRole")
	}
}
