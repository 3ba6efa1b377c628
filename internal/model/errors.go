package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error taxonomy. Components wrap these with fmt.Errorf("%w: ...") so callers
// can classify with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrConflict          = errors.New("conflict")
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAuthorization     = errors.New("not authorized")
	ErrNotFound          = errors.New("not found")
	ErrGateway           = errors.New("payment gateway error")
	ErrRelease           = errors.New("payment release failed")
)

// InsufficientFundsError carries the balance that rejected a debit.
type InsufficientFundsError struct {
	AccountID string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: account=%s required=%s available=%s",
		e.AccountID, e.Required.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// ReleaseError reports a failed gateway release. The transaction it names is
// left in_escrow so the caller can retry.
type ReleaseError struct {
	TransactionID string
	Err           error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("payment release failed: transaction=%s: %v", e.TransactionID, e.Err)
}

func (e *ReleaseError) Is(target error) bool {
	return target == ErrRelease || target == ErrGateway
}

func (e *ReleaseError) Unwrap() error { return e.Err }
