package models

import (
	"strings"

	dErrors "nest/pkg/domain-errors"
)

// Role is the capability an actor holds for an escrow.
type Role string

const (
	RoleLandlord Role = "LANDLORD"
	RoleTenant   Role = "TENANT"
	RoleArbiter  Role = "ARBITER"
	// RoleSystem is used by the deadline sweeper and payment callbacks.
	RoleSystem Role = "SYSTEM"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleLandlord, RoleTenant, RoleArbiter, RoleSystem:
		return true
	}
	return false
}

// IsApprover reports whether approval requests may be addressed to r.
func (r Role) IsApprover() bool {
	return r == RoleLandlord || r == RoleTenant || r == RoleArbiter
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", dErrors.Newf(dErrors.CodeValidation, "unknown role %q", s)
	}
	return r, nil
}

// Actor is whoever invokes an operation, as asserted by the identity provider.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is recorded on entries written by background processes.
var SystemActor = Actor{ID: "system", Role: RoleSystem}
