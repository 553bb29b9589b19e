package crypto

import (
	"encoding/json"
	"fmt"

	"suimessenger/internal/domain"
	apperrors "suimessenger/pkg/errors"
)

// ProofModule is the on-ledger module holding the approval predicates
const ProofModule = "messenger"

var approvalFunctions = map[domain.DecryptRole]string{
	domain.RoleSender:    "seal_approve_sender",
	domain.RoleRecipient: "seal_approve_recipient",
}

// AuthorizationProof is a non-executing call to a policy predicate. Key servers dry-run it
// against the ledger and release key shares only if it would succeed.
type AuthorizationProof struct {
	Package  string          `json:"package"`
	Module   string          `json:"module"`
	Function string          `json:"function"`
	PolicyID string          `json:"policy_id"`
	Scope    domain.ObjectID `json:"scope"`
	Caller   domain.Identity `json:"caller"`
}

// Role returns the role whose predicate the proof calls
func (p AuthorizationProof) Role() domain.DecryptRole {
	for role, fn := range approvalFunctions {
		if fn == p.Function {
			return role
		}
	}
	return 0
}

// BuildProof serializes the authorization proof for role
func BuildProof(packageID string, role domain.DecryptRole, scope domain.ConversationScope, plaintextHash domain.PlaintextHash, caller domain.Identity) ([]byte, error) {
	fn, ok := approvalFunctions[role]
	if !ok {
		return nil, apperrors.ValidationError(fmt.Sprintf("unsupported decrypt role %d", role))
	}
	return json.Marshal(AuthorizationProof{
		Package:  packageID,
		Module:   ProofModule,
		Function: fn,
		PolicyID: plaintextHash.String(),
		Scope:    scope.ObjectID,
		Caller:   caller,
	})
}

// ParseProof decodes proof bytes produced by BuildProof
func ParseProof(data []byte) (AuthorizationProof, error) {
	var p AuthorizationProof
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("invalid authorization proof: %w", err)
	}
	if p.Role() == 0 {
		return p, fmt.Errorf("invalid authorization proof: unknown function %q", p.Function)
	}
	return p, nil
}
