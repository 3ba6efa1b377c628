package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Atomic holds the write lock for the whole unit and stages writes in an
// overlay, so units are serialized and a failed unit leaves no trace.
// Readers take the read lock and therefore only ever see committed state.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	products map[string]*model.Product
	txns     map[string]*model.Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		products: make(map[string]*model.Product),
		txns:     make(map[string]*model.Transaction),
	}
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		s:        s,
		accounts: make(map[string]*model.Account),
		products: make(map[string]*model.Product),
		txns:     make(map[string]*model.Transaction),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	for id, p := range tx.products {
		s.products[id] = p
	}
	for id, t := range tx.txns {
		s.txns[id] = t
	}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, id)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) GetProduct(_ context.Context, id string) (*model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", model.ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListProducts(_ context.Context, filter ProductFilter) ([]model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]model.Product, 0, len(s.products))
	for _, p := range s.products {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.SellerID != "" && p.SellerID != filter.SellerID {
			continue
		}
		products = append(products, *p.Clone())
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].CreatedAt.Equal(products[j].CreatedAt) {
			return products[i].ID > products[j].ID
		}
		return products[i].CreatedAt.After(products[j].CreatedAt)
	})
	return products, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.txns[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", model.ErrNotFound, id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTransactionsByAccount(_ context.Context, accountID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.txns {
		if t.BuyerID == accountID || t.SellerID == accountID {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListExpiredPending(_ context.Context, before time.Time, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.txns {
		if t.Status == model.TxPending && t.CaptureDeadline.Before(before) {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CaptureDeadline.Before(result[j].CaptureDeadline)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) SumInEscrow(_ context.Context) (decimal.Decimal, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	count := 0
	for _, t := range s.txns {
		if t.Status == model.TxInEscrow {
			total = total.Add(t.Amount)
			count++
		}
	}
	return total, count, nil
}

// memoryTx stages writes; reads fall through to the committed maps.
// The parent's write lock is held for the lifetime of the tx.
type memoryTx struct {
	s        *MemoryStore
	accounts map[string]*model.Account
	products map[string]*model.Product
	txns     map[string]*model.Transaction
}

func (t *memoryTx) account(id string) (*model.Account, bool) {
	if a, ok := t.accounts[id]; ok {
		return a, true
	}
	a, ok := t.s.accounts[id]
	return a, ok
}

func (t *memoryTx) product(id string) (*model.Product, bool) {
	if p, ok := t.products[id]; ok {
		return p, true
	}
	p, ok := t.s.products[id]
	return p, ok
}

func (t *memoryTx) txn(id string) (*model.Transaction, bool) {
	if x, ok := t.txns[id]; ok {
		return x, true
	}
	x, ok := t.s.txns[id]
	return x, ok
}

func (t *memoryTx) GetAccount(_ context.Context, id string) (*model.Account, error) {
	a, ok := t.account(id)
	if !ok {
		return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, id)
	}
	return a.Clone(), nil
}

func (t *memoryTx) InsertAccount(_ context.Context, a *model.Account) error {
	if _, ok := t.account(a.ID); ok {
		return fmt.Errorf("%w: account %s already exists", model.ErrConflict, a.ID)
	}
	t.accounts[a.ID] = a.Clone()
	return nil
}

func (t *memoryTx) AdjustBalance(_ context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	a, ok := t.account(id)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: account %s", model.ErrNotFound, id)
	}
	next := a.WalletBalance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, &model.InsufficientFundsError{
			AccountID: id,
			Required:  delta.Neg(),
			Available: a.WalletBalance,
		}
	}
	staged := a.Clone()
	staged.WalletBalance = next
	t.accounts[id] = staged
	return next, nil
}

func (t *memoryTx) GetProduct(_ context.Context, id string) (*model.Product, error) {
	p, ok := t.product(id)
	if !ok {
		return nil, fmt.Errorf("%w: product %s", model.ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (t *memoryTx) InsertProduct(_ context.Context, p *model.Product) error {
	if _, ok := t.product(p.ID); ok {
		return fmt.Errorf("%w: product %s already exists", model.ErrConflict, p.ID)
	}
	t.products[p.ID] = p.Clone()
	return nil
}

func (t *memoryTx) UpdateListing(_ context.Context, p *model.Product) error {
	cur, ok := t.product(p.ID)
	if !ok {
		return fmt.Errorf("%w: product %s", model.ErrNotFound, p.ID)
	}
	if cur.Status != model.ProductAvailable {
		return fmt.Errorf("%w: product %s is %s", model.ErrConflict, p.ID, cur.Status)
	}
	staged := cur.Clone()
	staged.Title = p.Title
	staged.Description = p.Description
	staged.Price = p.Price
	staged.ImageRefs = append([]string(nil), p.ImageRefs...)
	staged.UpdatedAt = p.UpdatedAt
	t.products[p.ID] = staged
	return nil
}

func (t *memoryTx) SetProductStatus(_ context.Context, id string, from, to model.ProductStatus) error {
	cur, ok := t.product(id)
	if !ok {
		return fmt.Errorf("%w: product %s", model.ErrNotFound, id)
	}
	if cur.Status != from {
		return fmt.Errorf("%w: product %s is %s, expected %s", model.ErrConflict, id, cur.Status, from)
	}
	staged := cur.Clone()
	staged.Status = to
	staged.UpdatedAt = time.Now().UTC()
	t.products[id] = staged
	return nil
}

func (t *memoryTx) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	x, ok := t.txn(id)
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", model.ErrNotFound, id)
	}
	return x.Clone(), nil
}

func (t *memoryTx) InsertTransaction(_ context.Context, x *model.Transaction) error {
	if _, ok := t.txn(x.ID); ok {
		return fmt.Errorf("%w: transaction %s already exists", model.ErrConflict, x.ID)
	}
	// Mirrors the partial unique index on open transactions per product.
	if !x.Status.Terminal() {
		if open := t.openTransactionsFor(x.ProductID); len(open) > 0 {
			return fmt.Errorf("%w: product %s already has open transaction %s", model.ErrConflict, x.ProductID, open[0])
		}
	}
	t.txns[x.ID] = x.Clone()
	return nil
}

func (t *memoryTx) openTransactionsFor(productID string) []string {
	var ids []string
	seen := make(map[string]bool)
	for id, x := range t.txns {
		seen[id] = true
		if x.ProductID == productID && !x.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	for id, x := range t.s.txns {
		if seen[id] {
			continue
		}
		if x.ProductID == productID && !x.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *memoryTx) SetTransactionStatus(_ context.Context, id string, from, to model.TxStatus, reason string) error {
	cur, ok := t.txn(id)
	if !ok {
		return fmt.Errorf("%w: transaction %s", model.ErrNotFound, id)
	}
	if cur.Status != from {
		return fmt.Errorf("%w: transaction %s is %s, expected %s", model.ErrConflict, id, cur.Status, from)
	}
	staged := cur.Clone()
	staged.Status = to
	if reason != "" {
		staged.CancelReason = reason
	}
	staged.UpdatedAt = time.Now().UTC()
	t.txns[id] = staged
	return nil
}
