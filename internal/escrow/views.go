package escrow

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/policy"
)

// TransactionView is a transaction joined with the product and party
// details an account dashboard lists.
type TransactionView struct {
	model.Transaction
	ProductTitle string          `json:"product_title"`
	ProductPrice decimal.Decimal `json:"product_price"`
	BuyerEmail   string          `json:"buyer_email"`
	SellerEmail  string          `json:"seller_email"`
}

// Recent returns up to limit of the actor's transactions, newest first, with
// product title and price and both parties' emails. A limit of zero returns
// all of them.
func (e *Engine) Recent(ctx context.Context, actor policy.Actor, limit int) ([]TransactionView, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", model.ErrValidation)
	}
	txns, err := e.ListForAccount(ctx, actor)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(txns) > limit {
		txns = txns[:limit]
	}

	products := make(map[string]*model.Product)
	emails := make(map[string]string)
	email := func(id string) (string, error) {
		if v, ok := emails[id]; ok {
			return v, nil
		}
		a, err := e.store.GetAccount(ctx, id)
		if err != nil {
			return "", err
		}
		emails[id] = a.Email
		return a.Email, nil
	}

	views := make([]TransactionView, 0, len(txns))
	for _, t := range txns {
		p, ok := products[t.ProductID]
		if !ok {
			if p, err = e.store.GetProduct(ctx, t.ProductID); err != nil {
				return nil, err
			}
			products[t.ProductID] = p
		}
		v := TransactionView{Transaction: t, ProductTitle: p.Title, ProductPrice: p.Price}
		if v.BuyerEmail, err = email(t.BuyerID); err != nil {
			return nil, err
		}
		if v.SellerEmail, err = email(t.SellerID); err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}
