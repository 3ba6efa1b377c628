//go:build integration

package escrow

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/atmx/escrow-engine/internal/catalog"
	"github.com/atmx/escrow-engine/internal/gateway"
	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/policy"
	"github.com/atmx/escrow-engine/internal/store"
	"github.com/atmx/escrow-engine/internal/wallet"
)

// Run with: TEST_DATABASE_URL=... go test -tags integration ./internal/escrow/

type pgHarness struct {
	engine  *Engine
	catalog *catalog.Catalog
	wallet  *wallet.Wallet
}

func newPostgresHarness(t *testing.T) *pgHarness {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	ps := store.NewPostgresStore(pool)
	require.NoError(t, ps.Migrate(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE transactions, products, accounts`)
	require.NoError(t, err)

	w := wallet.New(ps)
	for _, a := range []wallet.NewAccount{
		{ID: seller.ID, Email: "seller@example.com", Role: model.RoleSeller},
		{ID: buyer.ID, Email: "buyer@example.com", Role: model.RoleBuyer},
		{ID: buyer2.ID, Email: "buyer2@example.com", Role: model.RoleBuyer},
	} {
		_, err := w.Open(ctx, a)
		require.NoError(t, err)
	}
	e := New(ps, newFakeGateway(), WithCaptureWindow(time.Minute))
	t.Cleanup(e.Wait)
	return &pgHarness{engine: e, catalog: catalog.New(ps), wallet: w}
}

func (h *pgHarness) escrowed(t *testing.T, who policy.Actor, price string) *model.Transaction {
	t.Helper()
	ctx := context.Background()
	p, err := h.catalog.Create(ctx, seller, catalog.NewProduct{Title: "Camera", Price: d(price)})
	require.NoError(t, err)
	txn, err := h.engine.Purchase(ctx, who, p.ID)
	require.NoError(t, err)
	h.engine.Wait()
	txn, err = h.engine.HandleCaptureResult(ctx, gateway.CaptureResult{TransactionID: txn.ID, Success: true})
	require.NoError(t, err)
	return txn
}

func TestPostgres_ConcurrentConfirmLoserIsInvalidState(t *testing.T) {
	h := newPostgresHarness(t)
	ctx := context.Background()
	txn := h.escrowed(t, buyer, "99.95")

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.ConfirmDelivery(ctx, buyer, txn.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, model.ErrInvalidState)
	}
	require.Equal(t, 1, wins)

	bal, err := h.wallet.Balance(ctx, seller.ID)
	require.NoError(t, err)
	require.True(t, bal.Equal(d("99.95")), "seller balance %s", bal)
}

func TestPostgres_CompletionsForOneSellerBothSucceed(t *testing.T) {
	h := newPostgresHarness(t)
	ctx := context.Background()
	first := h.escrowed(t, buyer, "10")
	second := h.escrowed(t, buyer2, "15")

	// Both units credit the same seller row.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []struct {
		actor policy.Actor
		id    string
	}{{buyer, first.ID}, {buyer2, second.ID}} {
		wg.Add(1)
		go func(i int, actor policy.Actor, id string) {
			defer wg.Done()
			_, errs[i] = h.engine.ConfirmDelivery(ctx, actor, id)
		}(i, c.actor, c.id)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	bal, err := h.wallet.Balance(ctx, seller.ID)
	require.NoError(t, err)
	require.True(t, bal.Equal(d("25")), "seller balance %s", bal)

	total, count, err := h.engine.InFlight(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
	require.True(t, total.IsZero())
}
