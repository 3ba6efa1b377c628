package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/model"
)

func TestSignAndVerify(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"transaction_id":"t1","success":true}`)
	sig := Sign(secret, body)

	if !VerifySignature(secret, body, sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature([]byte("other"), body, sig) {
		t.Error("signature from wrong secret accepted")
	}
	if VerifySignature(secret, []byte(`{"transaction_id":"t2"}`), sig) {
		t.Error("signature over different body accepted")
	}
	if VerifySignature(secret, body, "not-hex") {
		t.Error("malformed signature accepted")
	}
}

func TestHTTPClient_Release(t *testing.T) {
	secret := "gw-secret"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/releases" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !VerifySignature([]byte(secret), body, r.Header.Get(SignatureHeader)) {
			t.Error("request signature invalid")
		}
		if got := r.Header.Get("Idempotency-Key"); got != "t1" {
			t.Errorf("expected idempotency key t1, got %q", got)
		}
		var req ReleaseRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if !req.Amount.Equal(decimal.RequireFromString("12.50")) || req.SellerID != "s1" {
			t.Errorf("unexpected request: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reference":"rel_42"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", secret)
	res, err := c.Release(context.Background(), ReleaseRequest{
		TransactionID: "t1", Amount: decimal.RequireFromString("12.50"), SellerID: "s1",
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Reference != "rel_42" {
		t.Errorf("expected rel_42, got %q", res.Reference)
	}
}

func TestHTTPClient_ErrorStatusIsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "processor down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "x")
	err := c.Capture(context.Background(), CaptureRequest{TransactionID: "t1", Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, model.ErrGateway) {
		t.Errorf("expected ErrGateway, got %v", err)
	}
}

func TestHTTPClient_UnreachableIsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(url, "x")
	_, err := c.Release(context.Background(), ReleaseRequest{TransactionID: "t1", Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, model.ErrGateway) {
		t.Errorf("expected ErrGateway, got %v", err)
	}
}

func TestSandbox_CaptureCallbacks(t *testing.T) {
	sb := NewSandbox(time.Millisecond)
	var mu sync.Mutex
	results := map[string]CaptureResult{}
	sb.OnCapture(func(_ context.Context, res CaptureResult) {
		mu.Lock()
		defer mu.Unlock()
		results[res.TransactionID] = res
	})

	if err := sb.Capture(context.Background(), CaptureRequest{TransactionID: "ok"}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	sb.FailCaptures(true)
	if err := sb.Capture(context.Background(), CaptureRequest{TransactionID: "declined"}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	sb.Wait()

	mu.Lock()
	defer mu.Unlock()
	if !results["ok"].Success {
		t.Error("expected first capture to succeed")
	}
	if results["declined"].Success || results["declined"].Reason == "" {
		t.Errorf("expected declined capture with reason, got %+v", results["declined"])
	}
}

func TestSandbox_ReleaseIsIdempotent(t *testing.T) {
	sb := NewSandbox(0)
	req := ReleaseRequest{TransactionID: "t1", Amount: decimal.NewFromInt(5), SellerID: "s1"}

	first, err := sb.Release(context.Background(), req)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := sb.Release(context.Background(), req)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if first.Reference != second.Reference {
		t.Errorf("retried release should return the same reference, got %s and %s", first.Reference, second.Reference)
	}
	if sb.Released() != 1 || sb.ReleaseCalls() != 2 {
		t.Errorf("expected 1 payout from 2 calls, got %d from %d", sb.Released(), sb.ReleaseCalls())
	}

	sb.FailReleases(true)
	if _, err := sb.Release(context.Background(), ReleaseRequest{TransactionID: "t2"}); !errors.Is(err, model.ErrGateway) {
		t.Errorf("expected ErrGateway, got %v", err)
	}
}
