package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for product reads. Units of work go to the primary; every product a
// committed unit touched is evicted afterwards. Reads inside a unit never
// consult the cache, so engine decisions always see the primary.
//
// Eviction bumps a per-product generation before deleting the entry. A fill
// only lands if the generation it saw before reading the primary is still
// current, so a slow reader cannot write back a copy older than the last
// committed unit.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Units of work (primary, then invalidate) ---

func (s *CachedStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var touched []string
	err := s.primary.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		rec := &recordingTx{Tx: tx}
		err := fn(ctx, rec)
		touched = rec.productIDs()
		return err
	})
	if err != nil {
		return err
	}
	for _, id := range touched {
		s.evict(ctx, id)
	}
	return nil
}

func (s *CachedStore) evict(ctx context.Context, id string) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, productGenKey(id))
		pipe.Del(ctx, productKey(id))
		return nil
	})
	if err != nil {
		slog.Warn("product cache eviction failed", "product_id", id, "err", err)
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	data, err := s.rdb.Get(ctx, productKey(id)).Bytes()
	if err == nil {
		var p model.Product
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: note the generation, then read from primary.
	gen, genErr := s.generation(ctx, id)
	p, err := s.primary.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if genErr == nil {
		s.fill(ctx, p, gen)
	}
	return p, nil
}

func (s *CachedStore) generation(ctx context.Context, id string) (int64, error) {
	gen, err := s.rdb.Get(ctx, productGenKey(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// fill caches p unless a unit touching it committed after gen was read.
func (s *CachedStore) fill(ctx context.Context, p *model.Product, gen int64) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	genKey := productGenKey(p.ID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, productKey(p.ID), data, s.ttl)
			return nil
		})
		return err
	}, genKey)
	if err != nil && !errors.Is(err, errStaleFill) && !errors.Is(err, redis.TxFailedErr) {
		slog.Debug("product cache fill failed", "product_id", p.ID, "err", err)
	}
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error) {
	return s.primary.ListProducts(ctx, filter)
}

func (s *CachedStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.primary.GetTransaction(ctx, id)
}

func (s *CachedStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByAccount(ctx, accountID)
}

func (s *CachedStore) ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]model.Transaction, error) {
	return s.primary.ListExpiredPending(ctx, before, limit)
}

func (s *CachedStore) SumInEscrow(ctx context.Context) (decimal.Decimal, int, error) {
	return s.primary.SumInEscrow(ctx)
}

// recordingTx remembers which products a unit wrote.
type recordingTx struct {
	Tx
	mu      sync.Mutex
	touched map[string]struct{}
}

func (r *recordingTx) touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.touched == nil {
		r.touched = make(map[string]struct{})
	}
	r.touched[id] = struct{}{}
}

func (r *recordingTx) productIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.touched))
	for id := range r.touched {
		ids = append(ids, id)
	}
	return ids
}

func (r *recordingTx) InsertProduct(ctx context.Context, p *model.Product) error {
	r.touch(p.ID)
	return r.Tx.InsertProduct(ctx, p)
}

func (r *recordingTx) UpdateListing(ctx context.Context, p *model.Product) error {
	r.touch(p.ID)
	return r.Tx.UpdateListing(ctx, p)
}

func (r *recordingTx) SetProductStatus(ctx context.Context, id string, from, to model.ProductStatus) error {
	r.touch(id)
	return r.Tx.SetProductStatus(ctx, id, from, to)
}

var errStaleFill = errors.New("product changed since read")

func productKey(id string) string    { return fmt.Sprintf("product:%s", id) }
func productGenKey(id string) string { return fmt.Sprintf("product:%s:gen", id) }
