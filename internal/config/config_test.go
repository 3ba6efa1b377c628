package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CAPTURE_WINDOW", "")
	t.Setenv("PURCHASE_BURST", "")
	cfg := Load()

	if cfg.CaptureWindow != 15*time.Minute {
		t.Errorf("expected default capture window, got %s", cfg.CaptureWindow)
	}
	if cfg.PurchaseBurst != 5 {
		t.Errorf("expected default burst 5, got %d", cfg.PurchaseBurst)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CAPTURE_WINDOW", "90s")
	t.Setenv("PURCHASE_RATE_PER_MIN", "12")
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("PURCHASE_BURST", "-3")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %q", cfg.Port)
	}
	if cfg.CaptureWindow != 90*time.Second {
		t.Errorf("expected 90s, got %s", cfg.CaptureWindow)
	}
	if cfg.PurchaseRatePerMin != 12 {
		t.Errorf("expected 12, got %d", cfg.PurchaseRatePerMin)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("malformed duration should fall back, got %s", cfg.SweepInterval)
	}
	if cfg.PurchaseBurst != 5 {
		t.Errorf("negative burst should fall back, got %d", cfg.PurchaseBurst)
	}
}
