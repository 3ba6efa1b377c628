// Package policy decides who may move an escrow transaction between states.
// It is pure: every decision is a function of the actor, the transaction
// snapshot and the target status, and nothing here reads or writes storage.
package policy

import (
	"fmt"

	"github.com/atmx/escrow-engine/internal/model"
)

// SystemID identifies the internal actor that drives gateway callbacks,
// capture timeouts and operator cancellations.
const SystemID = "system"

// Actor is the authenticated party on whose behalf an operation runs.
type Actor struct {
	ID   string     `json:"id"`
	Role model.Role `json:"role"`
}

// System returns the internal actor.
func System() Actor {
	return Actor{ID: SystemID, Role: model.RoleSystem}
}

// IsSystem reports whether a is the internal actor.
func (a Actor) IsSystem() bool {
	return a.Role == model.RoleSystem
}

// Decision is the outcome of an authorization check. Err is nil when
// Allowed is true and otherwise wraps model.ErrAuthorization or
// model.ErrInvalidState.
type Decision struct {
	Allowed bool
	Reason  string
	Err     error
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(kind error, format string, args ...any) Decision {
	reason := fmt.Sprintf(format, args...)
	return Decision{Reason: reason, Err: fmt.Errorf("%w: %s", kind, reason)}
}

type edge struct {
	from, to model.TxStatus
}

// transitions is the complete state machine. A transaction that does not
// exist yet has the empty status.
var transitions = map[edge]func(Actor, *model.Transaction) Decision{
	{"", model.TxPending}:                 canCreate,
	{model.TxPending, model.TxInEscrow}:   systemOnly,
	{model.TxPending, model.TxCancelled}:  systemOnly,
	{model.TxInEscrow, model.TxCompleted}: buyerOnly,
}

// CanTransition reports whether actor may move txn to target. For a
// purchase, pass a provisional transaction with an empty status whose
// SellerID is the product's seller and whose BuyerID is the actor.
func CanTransition(actor Actor, txn *model.Transaction, target model.TxStatus) Decision {
	if txn == nil {
		return deny(model.ErrInvalidState, "no transaction")
	}
	if actor.ID == "" {
		return deny(model.ErrAuthorization, "anonymous actor")
	}
	if txn.Status.Terminal() {
		return deny(model.ErrInvalidState, "transaction %s is %s", txn.ID, txn.Status)
	}
	check, ok := transitions[edge{txn.Status, target}]
	if !ok {
		return deny(model.ErrInvalidState, "transition %s -> %s is not allowed", displayStatus(txn.Status), target)
	}
	return check(actor, txn)
}

func canCreate(actor Actor, txn *model.Transaction) Decision {
	if actor.Role != model.RoleBuyer {
		return deny(model.ErrAuthorization, "role %s cannot purchase", actor.Role)
	}
	if actor.ID == txn.SellerID {
		return deny(model.ErrAuthorization, "seller cannot purchase own product")
	}
	if txn.BuyerID != actor.ID {
		return deny(model.ErrAuthorization, "purchase must be made by the buyer")
	}
	return allow()
}

func systemOnly(actor Actor, txn *model.Transaction) Decision {
	if !actor.IsSystem() {
		return deny(model.ErrAuthorization, "only the system may move %s out of %s", txn.ID, txn.Status)
	}
	return allow()
}

func buyerOnly(actor Actor, txn *model.Transaction) Decision {
	if actor.ID != txn.BuyerID || actor.IsSystem() {
		return deny(model.ErrAuthorization, "only the buyer may confirm delivery of %s", txn.ID)
	}
	return allow()
}

// CanView reports whether actor may read txn.
func CanView(actor Actor, txn *model.Transaction) Decision {
	if actor.IsSystem() || actor.ID == txn.BuyerID || actor.ID == txn.SellerID {
		return allow()
	}
	return deny(model.ErrAuthorization, "transaction %s belongs to other accounts", txn.ID)
}

// CanEditProduct reports whether actor may change the listing of p.
func CanEditProduct(actor Actor, p *model.Product) Decision {
	if actor.Role != model.RoleSeller || actor.ID != p.SellerID {
		return deny(model.ErrAuthorization, "product %s is owned by another seller", p.ID)
	}
	return allow()
}

func displayStatus(s model.TxStatus) string {
	if s == "" {
		return "new"
	}
	return string(s)
}
