package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// SQLSTATE codes the store maps onto model errors.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgNumericOutOfRange    = "22003"
)

// maxAttempts bounds how often a unit is re-run after a serialization
// failure or deadlock.
const maxAttempts = 3

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// every unit of work runs at SERIALIZABLE isolation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Atomic runs fn in a SERIALIZABLE transaction. A unit that loses a
// serialization race is re-run from scratch, so on the next attempt fn sees
// the winner's committed rows and decides again.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return retrySerializable(ctx, func() error {
		return s.attempt(ctx, fn)
	})
}

func (s *PostgresStore) attempt(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err, "commit unit of work")
	}
	return nil
}

// retrySerializable calls run until it succeeds, fails with something other
// than a serialization failure, or maxAttempts is reached. The last race
// loss is returned as model.ErrConflict.
func retrySerializable(ctx context.Context, run func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = run()
		if !isSerializationFailure(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 5 * time.Millisecond):
		}
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	accountColumns = `id, email, role, wallet_balance::TEXT, created_at`
	productColumns = `id, seller_id, title, description, price::TEXT, image_refs, status, created_at, updated_at`
	txnColumns     = `id, product_id, buyer_id, seller_id, amount::TEXT, status, cancel_reason,
	                  capture_deadline, created_at, updated_at`
)

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.pool, id, false)
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	return getProduct(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+productColumns+`
		 FROM products
		 WHERE ($1 = '' OR status = $1) AND ($2 = '' OR seller_id = $2)
		 ORDER BY created_at DESC, id DESC`,
		string(filter.Status), filter.SellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return getTransaction(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txnColumns+`
		 FROM transactions
		 WHERE buyer_id = $1 OR seller_id = $1
		 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+txnColumns+`
		 FROM transactions
		 WHERE status = 'pending' AND capture_deadline < $1
		 ORDER BY capture_deadline
		 LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) SumInEscrow(ctx context.Context) (decimal.Decimal, int, error) {
	var totalS string
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT, COUNT(*)
		 FROM transactions WHERE status = 'in_escrow'`).Scan(&totalS, &count)
	if err != nil {
		return decimal.Zero, 0, err
	}
	total, err := decimal.NewFromString(totalS)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("parse escrow total: %w", err)
	}
	return total, count, nil
}

// pgTx implements Tx on top of a pgx transaction. Single-row reads take a
// row lock so concurrent units queue instead of failing serialization.
type pgTx struct {
	q querier
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, t.q, id, true)
}

func (t *pgTx) InsertAccount(ctx context.Context, a *model.Account) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO accounts (id, email, role, wallet_balance, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		a.ID, a.Email, string(a.Role), a.WalletBalance.String(), a.CreatedAt)
	return classify(err, "insert account "+a.ID)
}

func (t *pgTx) AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balanceS string
	err := t.q.QueryRow(ctx,
		`UPDATE accounts
		 SET wallet_balance = wallet_balance + $2::NUMERIC
		 WHERE id = $1 AND wallet_balance + $2::NUMERIC >= 0
		 RETURNING wallet_balance::TEXT`,
		id, delta.String()).Scan(&balanceS)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the account is missing or the guard rejected the delta.
		acc, getErr := getAccount(ctx, t.q, id, false)
		if getErr != nil {
			return decimal.Zero, getErr
		}
		return decimal.Zero, &model.InsufficientFundsError{
			AccountID: id,
			Required:  delta.Neg(),
			Available: acc.WalletBalance,
		}
	}
	if err != nil {
		return decimal.Zero, classify(err, "adjust balance "+id)
	}
	return decimal.NewFromString(balanceS)
}

func (t *pgTx) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	return getProduct(ctx, t.q, id, true)
}

func (t *pgTx) InsertProduct(ctx context.Context, p *model.Product) error {
	refs := p.ImageRefs
	if refs == nil {
		refs = []string{}
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO products (id, seller_id, title, description, price, image_refs, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9)`,
		p.ID, p.SellerID, p.Title, p.Description, p.Price.String(), refs,
		string(p.Status), p.CreatedAt, p.UpdatedAt)
	return classify(err, "insert product "+p.ID)
}

func (t *pgTx) UpdateListing(ctx context.Context, p *model.Product) error {
	refs := p.ImageRefs
	if refs == nil {
		refs = []string{}
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE products
		 SET title = $2, description = $3, price = $4::NUMERIC, image_refs = $5, updated_at = $6
		 WHERE id = $1 AND status = 'available'`,
		p.ID, p.Title, p.Description, p.Price.String(), refs, p.UpdatedAt)
	if err != nil {
		return classify(err, "update listing "+p.ID)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getProduct(ctx, t.q, p.ID, false); err != nil {
			return err
		}
		return fmt.Errorf("%w: product %s is not available", model.ErrConflict, p.ID)
	}
	return nil
}

func (t *pgTx) SetProductStatus(ctx context.Context, id string, from, to model.ProductStatus) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE products SET status = $3, updated_at = now()
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return classify(err, "set product status "+id)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getProduct(ctx, t.q, id, false); err != nil {
			return err
		}
		return fmt.Errorf("%w: product %s is not %s", model.ErrConflict, id, from)
	}
	return nil
}

func (t *pgTx) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return getTransaction(ctx, t.q, id, true)
}

func (t *pgTx) InsertTransaction(ctx context.Context, x *model.Transaction) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO transactions (id, product_id, buyer_id, seller_id, amount, status, cancel_reason,
		                           capture_deadline, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)`,
		x.ID, x.ProductID, x.BuyerID, x.SellerID, x.Amount.String(), string(x.Status),
		x.CancelReason, x.CaptureDeadline, x.CreatedAt, x.UpdatedAt)
	return classify(err, "insert transaction "+x.ID)
}

func (t *pgTx) SetTransactionStatus(ctx context.Context, id string, from, to model.TxStatus, reason string) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE transactions
		 SET status = $3, cancel_reason = CASE WHEN $4 = '' THEN cancel_reason ELSE $4 END, updated_at = now()
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), reason)
	if err != nil {
		return classify(err, "set transaction status "+id)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getTransaction(ctx, t.q, id, false); err != nil {
			return err
		}
		return fmt.Errorf("%w: transaction %s is not %s", model.ErrConflict, id, from)
	}
	return nil
}

// --- shared query helpers ---

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func getAccount(ctx context.Context, q querier, id string, forUpdate bool) (*model.Account, error) {
	var a model.Account
	var role, balanceS string
	err := q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`+lockClause(forUpdate), id).
		Scan(&a.ID, &a.Email, &role, &balanceS, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, classify(err, "get account "+id)
	}
	a.Role = model.Role(role)
	if a.WalletBalance, err = decimal.NewFromString(balanceS); err != nil {
		return nil, fmt.Errorf("parse balance of account %s: %w", id, err)
	}
	return &a, nil
}

func getProduct(ctx context.Context, q querier, id string, forUpdate bool) (*model.Product, error) {
	p, err := scanProduct(q.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`+lockClause(forUpdate), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, classify(err, "get product "+id)
	}
	return p, nil
}

func getTransaction(ctx context.Context, q querier, id string, forUpdate bool) (*model.Transaction, error) {
	x, err := scanTransaction(q.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1`+lockClause(forUpdate), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, classify(err, "get transaction "+id)
	}
	return x, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*model.Product, error) {
	var p model.Product
	var priceS, status string
	if err := row.Scan(&p.ID, &p.SellerID, &p.Title, &p.Description, &priceS,
		&p.ImageRefs, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(priceS)
	if err != nil {
		return nil, fmt.Errorf("parse price of product %s: %w", p.ID, err)
	}
	p.Price = price
	p.Status = model.ProductStatus(status)
	return &p, nil
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var x model.Transaction
	var amountS, status string
	if err := row.Scan(&x.ID, &x.ProductID, &x.BuyerID, &x.SellerID, &amountS, &status,
		&x.CancelReason, &x.CaptureDeadline, &x.CreatedAt, &x.UpdatedAt); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(amountS)
	if err != nil {
		return nil, fmt.Errorf("parse amount of transaction %s: %w", x.ID, err)
	}
	x.Amount = amount
	x.Status = model.TxStatus(status)
	return &x, nil
}

func scanTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	var result []model.Transaction
	for rows.Next() {
		x, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *x)
	}
	return result, rows.Err()
}

// classify maps race-loss SQLSTATEs onto model.ErrConflict and constraint
// failures onto model.ErrValidation. The *pgconn.PgError stays in the chain
// so Atomic can tell a serialization failure from a unique violation.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return fmt.Errorf("%w: %s: %w", model.ErrConflict, op, pgErr)
		case pgCheckViolation, pgNumericOutOfRange:
			return fmt.Errorf("%w: %s: %w", model.ErrValidation, op, pgErr)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
