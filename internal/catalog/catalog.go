// Package catalog owns product listings and their availability.
//
// Reserve, Release and Finalize are the only ways a product changes status.
// Each is a single compare-and-set inside the caller's unit of work, so the
// escrow engine can compose them with transaction and wallet writes.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/policy"
	"github.com/atmx/escrow-engine/internal/store"
)

// NewProduct is the input to Create.
type NewProduct struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	ImageRefs   []string        `json:"image_refs"`
}

// Edit changes a listing. Nil fields are left as they are.
type Edit struct {
	Title       *string          `json:"title,omitempty"`
	Description *string          `json:"description,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	ImageRefs   []string         `json:"image_refs,omitempty"`
}

// Filter narrows List. Zero values match everything.
type Filter = store.ProductFilter

// Catalog is the product store component.
type Catalog struct {
	store store.Store
	now   func() time.Time
}

// New creates a catalog backed by s.
func New(s store.Store) *Catalog {
	return &Catalog{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Create lists a new product for the acting seller.
func (c *Catalog) Create(ctx context.Context, seller policy.Actor, in NewProduct) (*model.Product, error) {
	if seller.Role != model.RoleSeller {
		return nil, fmt.Errorf("%w: role %s cannot list products", model.ErrAuthorization, seller.Role)
	}
	if err := validateListing(in.Title, in.Price); err != nil {
		return nil, err
	}

	now := c.now()
	p := &model.Product{
		ID:          uuid.NewString(),
		SellerID:    seller.ID,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Price:       in.Price,
		ImageRefs:   append([]string{}, in.ImageRefs...),
		Status:      model.ProductAvailable,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := c.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.GetAccount(ctx, seller.ID)
		if err != nil {
			return err
		}
		if acct.Role != model.RoleSeller {
			return fmt.Errorf("%w: account %s is not a seller", model.ErrAuthorization, acct.ID)
		}
		return tx.InsertProduct(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("product listed", "product_id", p.ID, "seller_id", p.SellerID, "price", p.Price.StringFixed(2))
	return p, nil
}

// Get returns a snapshot of the product.
func (c *Catalog) Get(ctx context.Context, id string) (*model.Product, error) {
	return c.store.GetProduct(ctx, id)
}

// List returns products newest first.
func (c *Catalog) List(ctx context.Context, f Filter) ([]model.Product, error) {
	return c.store.ListProducts(ctx, f)
}

// UpdateListing applies an edit on behalf of the owning seller. Only an
// available product may be edited; its price is frozen once reserved.
func (c *Catalog) UpdateListing(ctx context.Context, seller policy.Actor, id string, e Edit) (*model.Product, error) {
	var updated *model.Product
	err := c.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetProduct(ctx, id)
		if err != nil {
			return err
		}
		if d := policy.CanEditProduct(seller, p); !d.Allowed {
			return d.Err
		}
		if p.Status != model.ProductAvailable {
			return fmt.Errorf("%w: product %s is %s", model.ErrInvalidState, id, p.Status)
		}

		if e.Title != nil {
			p.Title = strings.TrimSpace(*e.Title)
		}
		if e.Description != nil {
			p.Description = *e.Description
		}
		if e.Price != nil {
			p.Price = *e.Price
		}
		if e.ImageRefs != nil {
			p.ImageRefs = append([]string{}, e.ImageRefs...)
		}
		if err := validateListing(p.Title, p.Price); err != nil {
			return err
		}
		p.UpdatedAt = c.now()

		if err := tx.UpdateListing(ctx, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Reserve moves a product from available to reserved in a unit of its own.
func (c *Catalog) Reserve(ctx context.Context, id string) error {
	return c.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		return Reserve(ctx, tx, id)
	})
}

// Release moves a product from reserved back to available in a unit of its own.
func (c *Catalog) Release(ctx context.Context, id string) error {
	return c.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		return Release(ctx, tx, id)
	})
}

// Finalize moves a product from reserved to sold in a unit of its own.
func (c *Catalog) Finalize(ctx context.Context, id string) error {
	return c.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		return Finalize(ctx, tx, id)
	})
}

// Reserve claims an available product. Of any number of concurrent callers
// exactly one succeeds; the rest get model.ErrConflict.
func Reserve(ctx context.Context, tx store.Tx, id string) error {
	if err := tx.SetProductStatus(ctx, id, model.ProductAvailable, model.ProductReserved); err != nil {
		return fmt.Errorf("reserve product %s: %w", id, err)
	}
	return nil
}

// Release returns a reserved product to the catalog.
func Release(ctx context.Context, tx store.Tx, id string) error {
	if err := tx.SetProductStatus(ctx, id, model.ProductReserved, model.ProductAvailable); err != nil {
		return fmt.Errorf("release product %s: %w", id, err)
	}
	return nil
}

// Finalize marks a reserved product sold.
func Finalize(ctx context.Context, tx store.Tx, id string) error {
	if err := tx.SetProductStatus(ctx, id, model.ProductReserved, model.ProductSold); err != nil {
		return fmt.Errorf("finalize product %s: %w", id, err)
	}
	return nil
}

func validateListing(title string, price decimal.Decimal) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title is required", model.ErrValidation)
	}
	return model.ValidateAmount("price", price)
}
