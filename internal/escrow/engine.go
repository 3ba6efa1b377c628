// Package escrow drives the purchase lifecycle:
//
//	pending ──capture ok──▶ in_escrow ──buyer confirms──▶ completed
//	   │
//	   └──capture failed / timed out / operator──▶ cancelled
//
// Every step that touches more than one record runs inside a single
// store.Atomic unit, so a product reservation, a transaction status and a
// wallet balance always move together or not at all. The payment gateway is
// only ever called outside of a unit.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/catalog"
	"github.com/atmx/escrow-engine/internal/gateway"
	"github.com/atmx/escrow-engine/internal/metrics"
	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/policy"
	"github.com/atmx/escrow-engine/internal/store"
	"github.com/atmx/escrow-engine/internal/wallet"
)

// DefaultCaptureWindow bounds how long a transaction may wait for its
// capture result before the sweeper cancels it.
const DefaultCaptureWindow = 15 * time.Minute

const captureSubmitTimeout = 30 * time.Second

// Option configures an Engine.
type Option func(*Engine)

// WithCaptureWindow sets the capture deadline offset.
func WithCaptureWindow(d time.Duration) Option {
	return func(e *Engine) { e.window = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the escrow state machine.
type Engine struct {
	store   store.Store
	gateway gateway.Gateway
	window  time.Duration
	now     func() time.Time
	events  emitter
	submits sync.WaitGroup
}

// New creates an engine.
func New(s store.Store, gw gateway.Gateway, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		gateway: gw,
		window:  DefaultCaptureWindow,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers a listener for committed transitions.
func (e *Engine) Subscribe(l Listener) {
	e.events.subscribe(l)
}

// Purchase reserves the product for the buyer and opens a pending
// transaction priced at the product's current price. Capture is submitted
// to the gateway after the unit commits.
func (e *Engine) Purchase(ctx context.Context, buyer policy.Actor, productID string) (*model.Transaction, error) {
	now := e.now()
	var txn *model.Transaction
	err := e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		candidate := &model.Transaction{
			ID:              uuid.NewString(),
			ProductID:       p.ID,
			BuyerID:         buyer.ID,
			SellerID:        p.SellerID,
			Amount:          p.Price,
			CaptureDeadline: now.Add(e.window),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if d := policy.CanTransition(buyer, candidate, model.TxPending); !d.Allowed {
			return d.Err
		}
		if _, err := tx.GetAccount(ctx, buyer.ID); err != nil {
			return err
		}
		if err := catalog.Reserve(ctx, tx, p.ID); err != nil {
			return err
		}
		candidate.Status = model.TxPending
		if err := tx.InsertTransaction(ctx, candidate); err != nil {
			return err
		}
		txn = candidate
		return nil
	})
	if err != nil {
		e.reject("purchase", err)
		slog.Info("purchase rejected", "product_id", productID, "buyer_id", buyer.ID, "err", err)
		return nil, err
	}

	e.committed("", txn)
	e.submitCapture(ctx, txn)
	return txn.Clone(), nil
}

// submitCapture hands the capture to the gateway without holding anything.
// A submission error cancels the transaction straight away.
func (e *Engine) submitCapture(ctx context.Context, txn *model.Transaction) {
	req := gateway.CaptureRequest{
		TransactionID: txn.ID,
		Amount:        txn.Amount,
		BuyerID:       txn.BuyerID,
	}
	e.submits.Add(1)
	go func() {
		defer e.submits.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), captureSubmitTimeout)
		defer cancel()

		start := time.Now()
		err := e.gateway.Capture(ctx, req)
		metrics.ObserveGateway("capture", start, err)
		if err == nil {
			return
		}
		slog.Warn("capture submission failed", "transaction_id", txn.ID, "err", err)
		if _, cerr := e.cancel(ctx, policy.System(), txn.ID, "capture submission failed"); cerr != nil {
			slog.Error("cancel after failed capture", "transaction_id", txn.ID, "err", cerr)
		}
	}()
}

// Wait blocks until every capture submission started by Purchase has
// returned.
func (e *Engine) Wait() {
	e.submits.Wait()
}

// HandleCaptureResult applies the gateway's capture outcome.
func (e *Engine) HandleCaptureResult(ctx context.Context, res gateway.CaptureResult) (*model.Transaction, error) {
	if !res.Success {
		reason := res.Reason
		if reason == "" {
			reason = "capture failed"
		}
		return e.cancel(ctx, policy.System(), res.TransactionID, reason)
	}

	var txn, seen *model.Transaction
	var from model.TxStatus
	err := e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetTransaction(ctx, res.TransactionID)
		if err != nil {
			return err
		}
		seen = cur
		if d := policy.CanTransition(policy.System(), cur, model.TxInEscrow); !d.Allowed {
			return d.Err
		}
		if err := setStatus(ctx, tx, cur, model.TxInEscrow, ""); err != nil {
			return err
		}
		from, txn = model.TxPending, cur
		return nil
	})
	if err != nil {
		e.reject("capture", err)
		if errors.Is(err, model.ErrInvalidState) && seen != nil && seen.Status == model.TxCancelled {
			metrics.LateCapturesTotal.Inc()
			slog.Warn("capture succeeded after cancellation, refund required",
				"transaction_id", seen.ID,
				"buyer_id", seen.BuyerID,
				"amount", seen.Amount.StringFixed(2),
				"cancel_reason", seen.CancelReason,
			)
		}
		return nil, err
	}

	e.committed(from, txn)
	return txn.Clone(), nil
}

// Cancel moves a pending transaction to cancelled and returns the product
// to the catalog.
func (e *Engine) Cancel(ctx context.Context, actor policy.Actor, txnID, reason string) (*model.Transaction, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	return e.cancel(ctx, actor, txnID, reason)
}

func (e *Engine) cancel(ctx context.Context, actor policy.Actor, txnID, reason string) (*model.Transaction, error) {
	var txn *model.Transaction
	err := e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetTransaction(ctx, txnID)
		if err != nil {
			return err
		}
		if d := policy.CanTransition(actor, cur, model.TxCancelled); !d.Allowed {
			return d.Err
		}
		if err := catalog.Release(ctx, tx, cur.ProductID); err != nil {
			return err
		}
		if err := setStatus(ctx, tx, cur, model.TxCancelled, reason); err != nil {
			return err
		}
		txn = cur
		return nil
	})
	if err != nil {
		e.reject("cancel", err)
		return nil, err
	}

	e.committed(model.TxPending, txn)
	return txn.Clone(), nil
}

// ConfirmDelivery releases the held payment to the seller. The gateway is
// called first; only when it succeeds does one unit complete the
// transaction, credit the seller and mark the product sold. A failed
// release leaves the transaction in_escrow and returns *model.ReleaseError.
func (e *Engine) ConfirmDelivery(ctx context.Context, buyer policy.Actor, txnID string) (*model.Transaction, error) {
	cur, err := e.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if d := policy.CanTransition(buyer, cur, model.TxCompleted); !d.Allowed {
		e.reject("confirm", d.Err)
		return nil, d.Err
	}

	start := time.Now()
	receipt, err := e.gateway.Release(ctx, gateway.ReleaseRequest{
		TransactionID: cur.ID,
		Amount:        cur.Amount,
		SellerID:      cur.SellerID,
	})
	metrics.ObserveGateway("release", start, err)
	if err != nil {
		relErr := &model.ReleaseError{TransactionID: cur.ID, Err: err}
		e.reject("confirm", relErr)
		slog.Error("payment release failed", "transaction_id", cur.ID, "err", err)
		return nil, relErr
	}

	var txn *model.Transaction
	err = e.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetTransaction(ctx, txnID)
		if err != nil {
			return err
		}
		if d := policy.CanTransition(buyer, cur, model.TxCompleted); !d.Allowed {
			return d.Err
		}
		if err := setStatus(ctx, tx, cur, model.TxCompleted, ""); err != nil {
			return err
		}
		if _, err := wallet.Credit(ctx, tx, cur.SellerID, cur.Amount); err != nil {
			return err
		}
		if err := catalog.Finalize(ctx, tx, cur.ProductID); err != nil {
			return err
		}
		txn = cur
		return nil
	})
	if err != nil {
		// The gateway keyed the release on the transaction id, so a retry
		// after this point does not pay the seller twice.
		e.reject("confirm", err)
		slog.Error("completion after release failed", "transaction_id", txnID, "reference", receipt.Reference, "err", err)
		return nil, err
	}

	slog.Info("payment released", "transaction_id", txn.ID, "seller_id", txn.SellerID,
		"amount", txn.Amount.StringFixed(2), "reference", receipt.Reference)
	e.committed(model.TxInEscrow, txn)
	return txn.Clone(), nil
}

// ExpirePending cancels pending transactions whose capture deadline has
// passed and returns how many it cancelled.
func (e *Engine) ExpirePending(ctx context.Context) (int, error) {
	const batch = 100
	expired, err := e.store.ListExpiredPending(ctx, e.now(), batch)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, x := range expired {
		if _, err := e.cancel(ctx, policy.System(), x.ID, "capture window expired"); err != nil {
			// Lost the race to a capture callback.
			if errors.Is(err, model.ErrInvalidState) {
				continue
			}
			slog.Error("expire pending transaction", "transaction_id", x.ID, "err", err)
			continue
		}
		metrics.ExpiredTotal.Inc()
		n++
	}
	return n, nil
}

// Get returns a transaction visible to the actor.
func (e *Engine) Get(ctx context.Context, actor policy.Actor, txnID string) (*model.Transaction, error) {
	txn, err := e.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if d := policy.CanView(actor, txn); !d.Allowed {
		return nil, d.Err
	}
	return txn, nil
}

// ListForAccount returns the actor's transactions as buyer or seller,
// newest first.
func (e *Engine) ListForAccount(ctx context.Context, actor policy.Actor) ([]model.Transaction, error) {
	if actor.ID == "" {
		return nil, fmt.Errorf("%w: anonymous actor", model.ErrAuthorization)
	}
	return e.store.ListTransactionsByAccount(ctx, actor.ID)
}

// InFlight returns the total amount and number of in_escrow transactions.
func (e *Engine) InFlight(ctx context.Context) (decimal.Decimal, int, error) {
	total, count, err := e.store.SumInEscrow(ctx)
	if err != nil {
		return decimal.Zero, 0, err
	}
	metrics.InEscrowAmount.Set(total.InexactFloat64())
	metrics.InEscrowCount.Set(float64(count))
	return total, count, nil
}

// setStatus compare-and-sets cur to next and updates cur in place. A
// concurrent writer that got there first surfaces as ErrInvalidState.
func setStatus(ctx context.Context, tx store.Tx, cur *model.Transaction, next model.TxStatus, reason string) error {
	err := tx.SetTransactionStatus(ctx, cur.ID, cur.Status, next, reason)
	if errors.Is(err, model.ErrConflict) {
		return fmt.Errorf("%w: transaction %s moved concurrently", model.ErrInvalidState, cur.ID)
	}
	if err != nil {
		return err
	}
	cur.Status = next
	if reason != "" {
		cur.CancelReason = reason
	}
	return nil
}

func (e *Engine) committed(from model.TxStatus, txn *model.Transaction) {
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "new"
	}
	metrics.TransitionsTotal.WithLabelValues(fromLabel, string(txn.Status)).Inc()
	slog.Info("transaction transition",
		"transaction_id", txn.ID,
		"product_id", txn.ProductID,
		"from", fromLabel,
		"to", txn.Status,
		"amount", txn.Amount.StringFixed(2),
	)
	e.events.emit(Event{Type: eventType(txn.Status), From: from, Transaction: *txn, At: e.now()})
}

func (e *Engine) reject(op string, err error) {
	metrics.RejectionsTotal.WithLabelValues(op, kindOf(err)).Inc()
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, model.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrAuthorization):
		return "authorization"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrGateway):
		return "gateway"
	default:
		return "internal"
	}
}
