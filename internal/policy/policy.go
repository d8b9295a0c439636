// Package policy decides which actors may invoke which escrow operations.
// Party roles (landlord, tenant) only hold a capability on escrows where they
// are the named party; arbiter and system capabilities are global.
package policy

import (
	"fmt"

	"nest/internal/escrow/models"
	dErrors "nest/pkg/domain-errors"
)

type Operation string

const (
	OpCreateEscrow       Operation = "create_escrow"
	OpFund               Operation = "fund"
	OpAddRule            Operation = "add_rule"
	OpRequestRelease     Operation = "request_release"
	OpRaiseDispute       Operation = "raise_dispute"
	OpResolveDispute     Operation = "resolve_dispute"
	OpDecide             Operation = "decide_approval"
	OpReraise            Operation = "reraise_approvals"
	OpPropose            Operation = "propose_transaction"
	OpExecuteProposal    Operation = "execute_proposal"
	OpExpireOverdue      Operation = "expire_overdue"
	OpVerifyAudit        Operation = "verify_audit"
	OpClearIntegrityHold Operation = "clear_integrity_hold"
	OpView               Operation = "view_escrow"
	OpSearch             Operation = "search_escrows"
)

type grant struct {
	role      models.Role
	partyOnly bool
}

func party(role models.Role) grant  { return grant{role: role, partyOnly: true} }
func global(role models.Role) grant { return grant{role: role} }

var (
	landlordParty = party(models.RoleLandlord)
	tenantParty   = party(models.RoleTenant)
	arbiter       = global(models.RoleArbiter)
	system        = global(models.RoleSystem)
)

var table = map[Operation][]grant{
	OpCreateEscrow:       {landlordParty, system},
	OpFund:               {tenantParty, system},
	OpAddRule:            {landlordParty, tenantParty},
	OpRequestRelease:     {landlordParty, tenantParty, arbiter, system},
	OpRaiseDispute:       {landlordParty, tenantParty},
	OpResolveDispute:     {arbiter},
	OpDecide:             {landlordParty, tenantParty, arbiter},
	OpReraise:            {landlordParty, tenantParty, arbiter},
	OpPropose:            {landlordParty, tenantParty, arbiter},
	OpExecuteProposal:    {landlordParty, tenantParty, arbiter},
	OpExpireOverdue:      {arbiter, system},
	OpVerifyAudit:        {arbiter, system},
	OpClearIntegrityHold: {arbiter},
	OpView:               {landlordParty, tenantParty, arbiter, system},
	OpSearch:             {arbiter},
}

// Decision is the outcome of a check, with the name of the grant that matched.
type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
}

// Check evaluates op for actor. isParty tells whether the actor is the named
// party of the escrow in question.
func Check(actor models.Actor, op Operation, isParty bool) Decision {
	grants, ok := table[op]
	if !ok {
		return Decision{Reason: fmt.Sprintf("unknown operation %q", op)}
	}
	if actor.ID == "" || !actor.Role.IsValid() {
		return Decision{Reason: "unauthenticated actor"}
	}
	for _, g := range grants {
		if g.role != actor.Role {
			continue
		}
		if g.partyOnly && !isParty {
			return Decision{Reason: fmt.Sprintf("%s is not a party to this escrow", actor.Role)}
		}
		scope := "global"
		if g.partyOnly {
			scope = "party"
		}
		return Decision{Allowed: true, Rule: fmt.Sprintf("%s:%s:%s", op, g.role, scope)}
	}
	return Decision{Reason: fmt.Sprintf("role %s may not %s", actor.Role, op)}
}

// Require returns NotAuthorized when Check refuses.
func Require(actor models.Actor, op Operation, isParty bool) error {
	d := Check(actor, op, isParty)
	if !d.Allowed {
		return dErrors.New(dErrors.CodeNotAuthorized, d.Reason)
	}
	return nil
}
