package market_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/catalog"
	"github.com/atmx/escrow-engine/internal/escrow"
	"github.com/atmx/escrow-engine/internal/gateway"
	"github.com/atmx/escrow-engine/internal/idempotency"
	"github.com/atmx/escrow-engine/internal/market"
	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/store"
	"github.com/atmx/escrow-engine/internal/wallet"
)

const (
	jwtSecret     = "test-jwt-secret"
	gatewaySecret = "test-gateway-secret"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	router  chi.Router
	engine  *escrow.Engine
	sandbox *gateway.Sandbox
}

func newTestEnv(t *testing.T, purchasesPerMin, burst int) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	sb := gateway.NewSandbox(0)
	engine := escrow.New(ms, sb)
	svc := market.NewService(catalog.New(ms), wallet.New(ms), engine, gatewaySecret)

	auth := market.NewAuthenticator(jwtSecret)
	hub := market.NewWSHub(auth)
	r := chi.NewRouter()
	svc.Routes(r, auth, market.NewRateLimiter(purchasesPerMin, burst), idempotency.NewMemoryStore(time.Hour), hub)

	t.Cleanup(engine.Wait)
	return &testEnv{router: r, engine: engine, sandbox: sb}
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, tok string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) capture(t *testing.T, txnID string, success bool) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(gateway.CaptureResult{TransactionID: txnID, Success: success})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/captures", bytes.NewReader(body))
	req.Header.Set(gateway.SignatureHeader, gateway.Sign([]byte(gatewaySecret), body))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
}

func expectCode(t *testing.T, w *httptest.ResponseRecorder, status int, code market.ErrorCode) {
	t.Helper()
	expectStatus(t, w, status)
	var resp market.ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != code {
		t.Errorf("expected code %s, got %s (%s)", code, resp.Code, resp.Message)
	}
}

type actors struct {
	seller, buyer, buyer2, operator string
}

// seed signs up a seller and two buyers and lists one product.
func (e *testEnv) seed(t *testing.T, price string) (actors, model.Product) {
	t.Helper()
	a := actors{
		seller:   token(t, "seller-1", "seller"),
		buyer:    token(t, "buyer-1", "buyer"),
		buyer2:   token(t, "buyer-2", "buyer"),
		operator: token(t, "ops-1", market.RoleOperator),
	}
	for i, tok := range []string{a.seller, a.buyer, a.buyer2} {
		w := e.do(t, http.MethodPost, "/api/v1/accounts", tok, market.SignupRequest{Email: fmt.Sprintf("user%d@example.com", i)})
		expectStatus(t, w, http.StatusCreated)
	}

	w := e.do(t, http.MethodPost, "/api/v1/products", a.seller, catalog.NewProduct{Title: "Record player", Price: d(price)})
	expectStatus(t, w, http.StatusCreated)
	var p model.Product
	json.Unmarshal(w.Body.Bytes(), &p)
	return a, p
}

func (e *testEnv) purchase(t *testing.T, tok, productID string) model.Transaction {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/products/"+productID+"/purchase", tok, nil)
	expectStatus(t, w, http.StatusCreated)
	var txn model.Transaction
	json.Unmarshal(w.Body.Bytes(), &txn)
	return txn
}

// --- Accounts ---

func TestSignupAndMe(t *testing.T) {
	env := newTestEnv(t, 60, 10)
	tok := token(t, "alice", "buyer")

	w := env.do(t, http.MethodPost, "/api/v1/accounts", tok, market.SignupRequest{Email: "alice@example.com"})
	expectStatus(t, w, http.StatusCreated)

	w = env.do(t, http.MethodPost, "/api/v1/accounts", tok, market.SignupRequest{Email: "alice@example.com"})
	expectCode(t, w, http.StatusConflict, market.CodeConflict)

	w = env.do(t, http.MethodGet, "/api/v1/accounts/me", tok, nil)
	expectStatus(t, w, http.StatusOK)
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.ID != "alice" || acct.Role != model.RoleBuyer || !acct.WalletBalance.IsZero() {
		t.Errorf("unexpected account: %+v", acct)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, 60, 10)

	w := env.do(t, http.MethodGet, "/api/v1/accounts/me", "", nil)
	expectCode(t, w, http.StatusUnauthorized, market.CodeUnauthorized)

	w = env.do(t, http.MethodGet, "/api/v1/accounts/me", "garbage", nil)
	expectCode(t, w, http.StatusUnauthorized, market.CodeUnauthorized)

	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "x", "role": "buyer", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("wrong-secret"))
	w = env.do(t, http.MethodGet, "/api/v1/accounts/me", forged, nil)
	expectCode(t, w, http.StatusUnauthorized, market.CodeUnauthorized)

	// Browsing is public.
	w = env.do(t, http.MethodGet, "/api/v1/products", "", nil)
	expectStatus(t, w, http.StatusOK)
}

// --- Escrow flow over HTTP ---

func TestFullPurchaseFlow(t *testing.T) {
	env := newTestEnv(t, 60, 10)
	a, p := env.seed(t, "120.00")

	txn := env.purchase(t, a.buyer, p.ID)
	if txn.Status != model.TxPending || !txn.Amount.Equal(d("120")) {
		t.Fatalf("unexpected transaction: %+v", txn)
	}

	w := env.do(t, http.MethodGet, "/api/v1/products/"+p.ID, "", nil)
	expectStatus(t, w, http.StatusOK)
	var prod model.Product
	json.Unmarshal(w.Body.Bytes(), &prod)
	if prod.Status != model.ProductReserved {
		t.Errorf("expected reserved, got %s", prod.Status)
	}

	// Someone else cannot buy it now.
	w = env.do(t, http.MethodPost, "/api/v1/products/"+p.ID+"/purchase", a.buyer2, nil)
	expectCode(t, w, http.StatusConflict, market.CodeConflict)

	// Confirming before capture is an invalid state.
	w = env.do(t, http.MethodPost, "/api/v1/transactions/"+txn.ID+"/confirm", a.buyer, nil)
	expectCode(t, w, http.StatusConflict, market.CodeInvalidState)

	expectStatus(t, env.capture(t, txn.ID, true), http.StatusOK)

	w = env.do(t, http.MethodPost, "/api/v1/transactions/"+txn.ID+"/confirm", a.seller, nil)
	expectCode(t, w, http.StatusForbidden, market.CodeForbidden)

	w = env.do(t, http.MethodPost, "/api/v1/transactions/"+txn.ID+"/confirm", a.buyer, nil)
	expectStatus(t, w, http.StatusOK)
	var done model.Transaction
	json.Unmarshal(w.Body.Bytes(), &done)
	if done.Status != model.TxCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}

	w = env.do(t, http.MethodGet, "/api/v1/accounts/me", a.seller, nil)
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if !acct.WalletBalance.Equal(d("120")) {
		t.Errorf("seller should be credited 120, got %s", acct.WalletBalance)
	}

	w = env.do(t, http.MethodGet, "/api/v1/transactions?limit=5", a.buyer, nil)
	expectStatus(t, w, http.StatusOK)
	var list []escrow.TransactionView
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(list))
	}
	if v := list[0]; v.ProductTitle != "Record player" || !v.ProductPrice.Equal(d("120")) ||
		v.SellerEmail != "user0@example.com" || v.BuyerEmail != "user1@example.com" {
		t.Errorf("unexpected view: %+v", v)
	}

	w = env.do(t, http.MethodGet, "/api/v1/transactions?limit=many", a.buyer, nil)
	expectCode(t, w, http.StatusBadRequest, market.CodeValidation)

	w = env.do(t, http.MethodGet, "/api/v1/transactions/"+txn.ID, a.buyer2, nil)
	expectCode(t, w, http.StatusForbidden, market.CodeForbidden)
}

func TestCaptureWebhook_RejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, 60, 10)
	a, p := env.seed(t, "10")
	txn := env.purchase(t, a.buyer, p.ID)

	body := []byte(fmt.Sprintf(`{"transaction_id":%q,"success":true}`, txn.ID))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/captures", bytes.NewReader(body))
	req.Header.Set(gateway.SignatureHeader, gateway.Sign([]byte("not-the-secret"), body))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	expectCode(t, w, http.StatusUnauthorized, market.CodeUnauthorized)

	w = env.do(t, http.MethodGet, "/api/v1/transactions/"+txn.ID, a.buyer, nil)
	var got model.Transaction
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Status != model.TxPending {
		t.Errorf("forged callback must not move the transaction, got %s", got.Status)
	}
}

func TestCaptureFailureFreesProduct(t *testing.T) {
	env := newTestEnv(t, 60, 10)
	a, p := env.seed(t, "10")
	txn := env.purchase(t, a.buyer, p.ID)

	w := env.capture(t, txn.ID, false)
	expectStatus(t, w, http.StatusOK)
	var got model.Transaction
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Status != model.TxCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}

	env.purchase(t, a.buyer2, p.ID)
}

func TestReleaseFailureIsGatewayError(t *testing.T) {
	env := newTestEnv(t, 60, 10)
	a, p := env.seed(t, "10")
	txn := env.purchase(t, a.buyer, p.ID)
	expectStatus(t, env.capture(t, txn.ID, true), http.StatusOK)

	env.sandbox.FailReleases(true)
	w := env.do(t, http.MethodPost, "/api/v1/transactions/"+txn.ID+"/confirm", a.buyer, nil)
	expectCode(t, w, http.StatusBadGateway, market.CodeGateway)

	w = env.do(t, http.MethodGet, "/api/v1/transactions/"+txn.ID, a.buyer, nil)
	var got model.Transaction
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Status != model.TxInEscrow {
		t.Errorf("expected in_escrow after failed release, got %s", got.Status)
	}

	env.sandbox.FailReleases(false)
	w = env.do(t, http.MethodPost, "/api/v1/transactions/"+txn.ID+"/confirm", a.buyer, nil)
	expectStatus(t, w, http.StatusOK)
}

func TestPurchase_SellerRejected(t *testing.T) {
	env := newTestEnv(t, 60, 10)
	a, p := env.seed(t, "10")

	w := env.do(t, http.MethodPost, "/api/v1/products/"+p.ID+"/purchase", a.seller, nil)
	expectCode(t, w, http.StatusForbidden, market.CodeForbidden)

	w = env.do(t, http.MethodPost, "/api/v1/products/missing/purchase", a.buyer, nil)
	expectCode(t, w, http.StatusNotFound, market.CodeNotFound)
}

func TestPurchase_IdempotencyKeyReplays(t *testing.T) {
	env := newTestEnv(t, 60, 10)
	a, p := env.seed(t, "10")
	path := "/api/v1/products/" + p.ID + "/purchase"

	first := env.do(t, http.MethodPost, path, a.buyer, nil, "Idempotency-Key", "k-1")
	expectStatus(t, first, http.StatusCreated)
	second := env.do(t, http.MethodPost, path, a.buyer, nil, "Idempotency-Key", "k-1")
	expectStatus(t, second, http.StatusCreated)

	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if second.Header().Get("X-Idempotency-Hit") != "true" {
		t.Error("expected replay marker")
	}

	// A fresh key is a fresh attempt, and the product is taken.
	third := env.do(t, http.MethodPost, path, a.buyer, nil, "Idempotency-Key", "k-2")
	expectCode(t, third, http.StatusConflict, market.CodeConflict)
}

func TestPurchase_RateLimited(t *testing.T) {
	env := newTestEnv(t, 1, 2)
	a, _ := env.seed(t, "10")

	codes := []int{}
	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodPost, "/api/v1/products/missing/purchase", a.buyer, nil)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusNotFound || codes[1] != http.StatusNotFound || codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected 404, 404, 429, got %v", codes)
	}
}

func TestOperatorEndpoints(t *testing.T) {
	env := newTestEnv(t, 60, 10)
	a, p := env.seed(t, "33.30")
	txn := env.purchase(t, a.buyer, p.ID)

	w := env.do(t, http.MethodPost, "/api/v1/transactions/"+txn.ID+"/cancel", a.buyer, market.CancelRequest{Reason: "nope"})
	expectCode(t, w, http.StatusForbidden, market.CodeForbidden)

	w = env.do(t, http.MethodGet, "/api/v1/escrow/in-flight", a.seller, nil)
	expectCode(t, w, http.StatusForbidden, market.CodeForbidden)

	w = env.do(t, http.MethodPost, "/api/v1/transactions/"+txn.ID+"/cancel", a.operator, market.CancelRequest{Reason: "fraud review"})
	expectStatus(t, w, http.StatusOK)
	var got model.Transaction
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Status != model.TxCancelled || got.CancelReason != "fraud review" {
		t.Errorf("unexpected transaction: %+v", got)
	}

	second := env.purchase(t, a.buyer2, p.ID)
	expectStatus(t, env.capture(t, second.ID, true), http.StatusOK)

	w = env.do(t, http.MethodGet, "/api/v1/escrow/in-flight", a.operator, nil)
	expectStatus(t, w, http.StatusOK)
	var inflight market.InFlightResponse
	json.Unmarshal(w.Body.Bytes(), &inflight)
	if inflight.Count != 1 || !inflight.Total.Equal(d("33.30")) {
		t.Errorf("unexpected in-flight: %+v", inflight)
	}
}

func TestProductsEndpoints(t *testing.T) {
	env := newTestEnv(t, 60, 10)
	a, p := env.seed(t, "10")

	w := env.do(t, http.MethodPost, "/api/v1/products", a.buyer, catalog.NewProduct{Title: "x", Price: d("1")})
	expectCode(t, w, http.StatusForbidden, market.CodeForbidden)

	w = env.do(t, http.MethodPost, "/api/v1/products", a.seller, catalog.NewProduct{Title: "x", Price: d("1.234")})
	expectCode(t, w, http.StatusBadRequest, market.CodeValidation)

	w = env.do(t, http.MethodGet, "/api/v1/products?status=lost", "", nil)
	expectCode(t, w, http.StatusBadRequest, market.CodeValidation)

	title := "Vintage record player"
	w = env.do(t, http.MethodPatch, "/api/v1/products/"+p.ID, a.seller, catalog.Edit{Title: &title})
	expectStatus(t, w, http.StatusOK)

	env.purchase(t, a.buyer, p.ID)
	price := d("5")
	w = env.do(t, http.MethodPatch, "/api/v1/products/"+p.ID, a.seller, catalog.Edit{Price: &price})
	expectCode(t, w, http.StatusConflict, market.CodeInvalidState)

	w = env.do(t, http.MethodGet, "/api/v1/products?status=available", "", nil)
	expectStatus(t, w, http.StatusOK)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected no available products, got %s", w.Body.String())
	}
}

func TestWithdraw(t *testing.T) {
	env := newTestEnv(t, 60, 10)
	a, _ := env.seed(t, "10")

	w := env.do(t, http.MethodPost, "/api/v1/wallet/withdrawals", a.seller, market.WithdrawRequest{Amount: d("1")})
	expectCode(t, w, http.StatusPaymentRequired, market.CodeInsufficientFunds)

	w = env.do(t, http.MethodPost, "/api/v1/wallet/withdrawals", a.seller, market.WithdrawRequest{Amount: d("-1")})
	expectCode(t, w, http.StatusBadRequest, market.CodeValidation)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   market.ErrorCode
	}{
		{fmt.Errorf("%w: x", model.ErrValidation), http.StatusBadRequest, market.CodeValidation},
		{fmt.Errorf("reserve: %w", model.ErrConflict), http.StatusConflict, market.CodeConflict},
		{model.ErrInvalidState, http.StatusConflict, market.CodeInvalidState},
		{&model.InsufficientFundsError{AccountID: "a"}, http.StatusPaymentRequired, market.CodeInsufficientFunds},
		{model.ErrAuthorization, http.StatusForbidden, market.CodeForbidden},
		{model.ErrNotFound, http.StatusNotFound, market.CodeNotFound},
		{&model.ReleaseError{TransactionID: "t", Err: errors.New("down")}, http.StatusBadGateway, market.CodeGateway},
		{errors.New("boom"), http.StatusInternalServerError, market.CodeInternal},
	}
	for _, tt := range tests {
		status, body := market.MapError(tt.err)
		if status != tt.status || body.Code != tt.code {
			t.Errorf("%v: expected %d %s, got %d %s", tt.err, tt.status, tt.code, status, body.Code)
		}
	}
}
