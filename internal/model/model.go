// Package model defines the core domain types shared across the escrow engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is the marketplace role of an account. A system actor is not an
// account role; it only appears on the authorization path.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleSystem Role = "system"
)

// Valid reports whether r is a role an account may hold.
func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleSeller
}

// ProductStatus is the availability of a listing.
type ProductStatus string

const (
	ProductAvailable ProductStatus = "available"
	ProductReserved  ProductStatus = "reserved"
	ProductSold      ProductStatus = "sold"
)

// TxStatus is the lifecycle state of an escrow transaction.
// pending → in_escrow → completed, with pending → cancelled as the only escape.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxInEscrow  TxStatus = "in_escrow"
	TxCompleted TxStatus = "completed"
	TxCancelled TxStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s TxStatus) Terminal() bool {
	return s == TxCompleted || s == TxCancelled
}

// Account is a marketplace identity with a single non-negative wallet.
type Account struct {
	ID            string          `json:"id" db:"id"`
	Email         string          `json:"email" db:"email"`
	Role          Role            `json:"role" db:"role"`
	WalletBalance decimal.Decimal `json:"wallet_balance" db:"wallet_balance"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Clone returns a copy safe to hand to callers.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Product is a listing owned by a seller. SellerID never changes; Price is
// frozen while a transaction holds the product.
type Product struct {
	ID          string          `json:"id" db:"id"`
	SellerID    string          `json:"seller_id" db:"seller_id"`
	Title       string          `json:"title" db:"title"`
	Description string          `json:"description" db:"description"`
	Price       decimal.Decimal `json:"price" db:"price"`
	ImageRefs   []string        `json:"image_refs" db:"image_refs"` // opaque storage locators
	Status      ProductStatus   `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy of the product.
func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	c := *p
	if p.ImageRefs != nil {
		c.ImageRefs = append([]string(nil), p.ImageRefs...)
	}
	return &c
}

// Transaction is one purchase of one product. BuyerID, SellerID and Amount
// are snapshotted at creation and never modified.
type Transaction struct {
	ID              string          `json:"id" db:"id"`
	ProductID       string          `json:"product_id" db:"product_id"`
	BuyerID         string          `json:"buyer_id" db:"buyer_id"`
	SellerID        string          `json:"seller_id" db:"seller_id"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Status          TxStatus        `json:"status" db:"status"`
	CancelReason    string          `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CaptureDeadline time.Time       `json:"capture_deadline" db:"capture_deadline"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy safe to hand to callers.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
