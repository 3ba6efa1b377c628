// Package market provides the HTTP surface of the escrow marketplace:
// account signup, catalog browsing and listing, purchases, delivery
// confirmation, the payment gateway webhook and the transaction event
// stream.
//
// All monetary values use shopspring/decimal, never float64 for money.
package market

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/catalog"
	"github.com/atmx/escrow-engine/internal/escrow"
	"github.com/atmx/escrow-engine/internal/gateway"
	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/policy"
	"github.com/atmx/escrow-engine/internal/wallet"
)

// Service holds the components the handlers call into.
type Service struct {
	catalog       *catalog.Catalog
	wallet        *wallet.Wallet
	engine        *escrow.Engine
	gatewaySecret []byte
}

// NewService creates the HTTP service.
func NewService(c *catalog.Catalog, w *wallet.Wallet, e *escrow.Engine, gatewaySecret string) *Service {
	return &Service{catalog: c, wallet: w, engine: e, gatewaySecret: []byte(gatewaySecret)}
}

// --- Request/Response types ---

// SignupRequest is the JSON body for POST /accounts. The account ID and
// role come from the bearer token.
type SignupRequest struct {
	Email string `json:"email"`
}

// WithdrawRequest is the JSON body for POST /wallet/withdrawals.
type WithdrawRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// BalanceResponse reports a wallet balance.
type BalanceResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

// CancelRequest is the JSON body for POST /transactions/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// InFlightResponse is the JSON body of GET /escrow/in-flight.
type InFlightResponse struct {
	Total decimal.Decimal `json:"total"`
	Count int             `json:"count"`
}

// --- Accounts and wallet ---

// Signup handles POST /api/v1/accounts
func (s *Service) Signup(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req SignupRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := s.wallet.Open(r.Context(), wallet.NewAccount{ID: actor.ID, Email: req.Email, Role: actor.Role})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// Me handles GET /api/v1/accounts/me
func (s *Service) Me(w http.ResponseWriter, r *http.Request) {
	acct, err := s.wallet.Account(r.Context(), mustActor(r).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Withdraw handles POST /api/v1/wallet/withdrawals
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	bal, err := s.wallet.Withdraw(r.Context(), actor, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{AccountID: actor.ID, Balance: bal})
}

// --- Catalog ---

// ListProducts handles GET /api/v1/products?status=&seller=
func (s *Service) ListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := catalog.Filter{
		Status:   model.ProductStatus(q.Get("status")),
		SellerID: q.Get("seller"),
	}
	switch f.Status {
	case "", model.ProductAvailable, model.ProductReserved, model.ProductSold:
	default:
		writeError(w, fmt.Errorf("%w: unknown status %q", model.ErrValidation, f.Status))
		return
	}

	products, err := s.catalog.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if products == nil {
		products = []model.Product{}
	}
	writeJSON(w, http.StatusOK, products)
}

// CreateProduct handles POST /api/v1/products
func (s *Service) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req catalog.NewProduct
	if !decode(w, r, &req) {
		return
	}
	p, err := s.catalog.Create(r.Context(), mustActor(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetProduct handles GET /api/v1/products/{productID}
func (s *Service) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.catalog.Get(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdateProduct handles PATCH /api/v1/products/{productID}
func (s *Service) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req catalog.Edit
	if !decode(w, r, &req) {
		return
	}
	p, err := s.catalog.UpdateListing(r.Context(), mustActor(r), chi.URLParam(r, "productID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Escrow ---

// Purchase handles POST /api/v1/products/{productID}/purchase
func (s *Service) Purchase(w http.ResponseWriter, r *http.Request) {
	txn, err := s.engine.Purchase(r.Context(), mustActor(r), chi.URLParam(r, "productID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// ListTransactions handles GET /api/v1/transactions?limit=5
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, fmt.Errorf("%w: limit must be an integer", model.ErrValidation))
			return
		}
		limit = n
	}
	views, err := s.engine.Recent(r.Context(), mustActor(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// GetTransaction handles GET /api/v1/transactions/{txnID}
func (s *Service) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := s.engine.Get(r.Context(), mustActor(r), chi.URLParam(r, "txnID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// ConfirmDelivery handles POST /api/v1/transactions/{txnID}/confirm
func (s *Service) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	txn, err := s.engine.ConfirmDelivery(r.Context(), mustActor(r), chi.URLParam(r, "txnID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// CancelTransaction handles POST /api/v1/transactions/{txnID}/cancel
func (s *Service) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	txn, err := s.engine.Cancel(r.Context(), mustActor(r), chi.URLParam(r, "txnID"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// InFlight handles GET /api/v1/escrow/in-flight
func (s *Service) InFlight(w http.ResponseWriter, r *http.Request) {
	total, count, err := s.engine.InFlight(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InFlightResponse{Total: total, Count: count})
}

// CaptureWebhook handles POST /api/v1/gateway/captures, the processor's
// signed capture callback.
func (s *Service) CaptureWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeValidation, "unreadable body")
		return
	}
	if !gateway.VerifySignature(s.gatewaySecret, body, r.Header.Get(gateway.SignatureHeader)) {
		slog.Warn("capture webhook signature mismatch", "remote", r.RemoteAddr)
		writeErrorCode(w, http.StatusUnauthorized, CodeUnauthorized, "invalid signature")
		return
	}

	var res gateway.CaptureResult
	if err := json.Unmarshal(body, &res); err != nil || res.TransactionID == "" {
		writeErrorCode(w, http.StatusBadRequest, CodeValidation, "invalid capture result")
		return
	}
	txn, err := s.engine.HandleCaptureResult(r.Context(), res)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// --- helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return false
	}
	return true
}

// mustActor returns the actor placed by Authenticator.Middleware. Routes
// using it are always mounted behind that middleware.
func mustActor(r *http.Request) policy.Actor {
	actor, _ := ActorFrom(r.Context())
	return actor
}
