package memledger

import (
	"context"
	"encoding/hex"
	"fmt"

	"suimessenger/internal/domain"
	"suimessenger/internal/service/crypto"
)

// Approve dry-runs the predicate named by proof on behalf of caller. It fails with
// domain.ErrAccessDenied unless the call would succeed for a ciphertext bound to
// namespace and policyID.
func (l *Ledger) Approve(ctx context.Context, namespace, policyID, proof []byte, caller domain.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := crypto.ParseProof(proof)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAccessDenied, err)
	}

	switch {
	case p.Package != l.cfg.PackageID || p.Module != crypto.ProofModule:
		return denied("proof targets another package")
	case p.Caller != caller:
		return denied("proof caller is not the session owner")
	case p.PolicyID != hex.EncodeToString(policyID):
		return denied("policy id mismatch")
	case string(p.Scope[:]) != string(namespace):
		return denied("scope does not match ciphertext namespace")
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	conv, ok := l.conversations[p.Scope]
	if !ok {
		return denied("unknown conversation")
	}
	if !conv.includes(caller) {
		return denied("caller is not a participant")
	}

	role := p.Role()
	for _, m := range l.messages[p.Scope][p.PolicyID] {
		if role == domain.RoleSender && m.sender == caller {
			return nil
		}
		if role == domain.RoleRecipient && m.recipient == caller {
			return nil
		}
	}
	return denied(fmt.Sprintf("no message grants the %s role", role))
}

func denied(reason string) error {
	return fmt.Errorf("%w: %s", domain.ErrAccessDenied, reason)
}
