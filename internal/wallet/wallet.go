// Package wallet maintains account balances. Balances only move through
// Credit and Debit, which run inside the caller's unit of work and never
// retry.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/policy"
	"github.com/atmx/escrow-engine/internal/store"
)

// NewAccount is the signup input. An empty ID is generated.
type NewAccount struct {
	ID    string     `json:"id"`
	Email string     `json:"email"`
	Role  model.Role `json:"role"`
}

// Wallet is the wallet store component.
type Wallet struct {
	store store.Store
}

// New creates a wallet backed by s.
func New(s store.Store) *Wallet {
	return &Wallet{store: s}
}

// Credit adds amount to the account and returns the new balance.
func Credit(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := model.ValidateAmount("credit amount", amount); err != nil {
		return decimal.Zero, err
	}
	bal, err := tx.AdjustBalance(ctx, accountID, amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit %s: %w", accountID, err)
	}
	return bal, nil
}

// Debit subtracts amount from the account. If the balance would go below
// zero it returns *model.InsufficientFundsError and changes nothing.
func Debit(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := model.ValidateAmount("debit amount", amount); err != nil {
		return decimal.Zero, err
	}
	bal, err := tx.AdjustBalance(ctx, accountID, amount.Neg())
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit %s: %w", accountID, err)
	}
	return bal, nil
}

// Open creates an account with a zero balance.
func (w *Wallet) Open(ctx context.Context, in NewAccount) (*model.Account, error) {
	if !in.Role.Valid() {
		return nil, fmt.Errorf("%w: role must be buyer or seller", model.ErrValidation)
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid email %q", model.ErrValidation, in.Email)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	acct := &model.Account{
		ID:            in.ID,
		Email:         addr.Address,
		Role:          in.Role,
		WalletBalance: decimal.Zero,
		CreatedAt:     time.Now().UTC(),
	}
	err = w.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertAccount(ctx, acct)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("account opened", "account_id", acct.ID, "role", acct.Role)
	return acct, nil
}

// Account returns the account snapshot.
func (w *Wallet) Account(ctx context.Context, id string) (*model.Account, error) {
	return w.store.GetAccount(ctx, id)
}

// Balance returns the current wallet balance.
func (w *Wallet) Balance(ctx context.Context, id string) (decimal.Decimal, error) {
	a, err := w.store.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return a.WalletBalance, nil
}

// Withdraw debits the actor's own wallet. Paying the money out is handled
// outside the engine.
func (w *Wallet) Withdraw(ctx context.Context, actor policy.Actor, amount decimal.Decimal) (decimal.Decimal, error) {
	if actor.ID == "" || actor.IsSystem() {
		return decimal.Zero, fmt.Errorf("%w: withdrawals need an account holder", model.ErrAuthorization)
	}
	var bal decimal.Decimal
	err := w.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		bal, err = Debit(ctx, tx, actor.ID, amount)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}

	slog.Info("withdrawal", "account_id", actor.ID, "amount", amount.StringFixed(2), "balance", bal.StringFixed(2))
	return bal, nil
}
