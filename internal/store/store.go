// Package store defines the persistence interface for the escrow engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for catalog browsing), and in-memory (for testing and development).
//
// Every mutation of Product.status, Transaction.status and
// Account.walletBalance goes through a Tx obtained from Atomic, so a unit of
// work either commits all of its row changes or none of them.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/model"
)

// ProductFilter narrows ListProducts. Zero values match everything.
type ProductFilter struct {
	Status   model.ProductStatus
	SellerID string
}

// Reader is the read-only view used outside of a unit of work.
type Reader interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	GetProduct(ctx context.Context, id string) (*model.Product, error)

	// ListProducts returns products newest first.
	ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error)

	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)

	// ListTransactionsByAccount returns transactions where the account is
	// buyer or seller, newest first.
	ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error)

	// ListExpiredPending returns pending transactions whose capture deadline
	// is before the given instant, oldest first.
	ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]model.Transaction, error)

	// SumInEscrow returns the total amount and count of in_escrow transactions.
	SumInEscrow(ctx context.Context) (decimal.Decimal, int, error)
}

// Tx is the row-level API available inside a unit of work. Status setters
// are compare-and-set: they return model.ErrConflict when the stored status
// is not the expected one.
type Tx interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	InsertAccount(ctx context.Context, a *model.Account) error

	// AdjustBalance adds delta (which may be negative) to the wallet and
	// returns the new balance. A result below zero is rejected with
	// model.ErrInsufficientFunds and the balance is left unchanged.
	AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error)

	GetProduct(ctx context.Context, id string) (*model.Product, error)
	InsertProduct(ctx context.Context, p *model.Product) error

	// UpdateListing rewrites title, description, price and image refs of an
	// available product. Any other status yields model.ErrConflict.
	UpdateListing(ctx context.Context, p *model.Product) error

	SetProductStatus(ctx context.Context, id string, from, to model.ProductStatus) error

	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	InsertTransaction(ctx context.Context, t *model.Transaction) error
	SetTransactionStatus(ctx context.Context, id string, from, to model.TxStatus, reason string) error
}

// Store is the persistence interface.
type Store interface {
	Reader

	// Atomic runs fn as one serializable unit of work. If fn returns an
	// error nothing it wrote is visible to any reader, ever.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
