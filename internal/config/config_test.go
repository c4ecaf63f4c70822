package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %s, want %s", cfg.Port, DefaultPort)
	}
	if cfg.BaseCurrency != DefaultBaseCurrency {
		t.Errorf("BaseCurrency = %s, want %s", cfg.BaseCurrency, DefaultBaseCurrency)
	}
	if cfg.ReconcileInterval != DefaultReconcileInterval {
		t.Errorf("ReconcileInterval = %s", cfg.ReconcileInterval)
	}

	// Default gateway set with per-gateway signature algorithms.
	ps, ok := cfg.Gateways["paystack"]
	if !ok {
		t.Fatal("expected paystack gateway configured by default")
	}
	if ps.Algo != AlgoHMACSHA512 {
		t.Errorf("paystack algo = %s, want %s", ps.Algo, AlgoHMACSHA512)
	}
	if ps.Timeout != DefaultGatewayTimeout {
		t.Errorf("paystack timeout = %s", ps.Timeout)
	}
	if fw := cfg.Gateways["flutterwave"]; fw.Algo != AlgoHMACSHA256 {
		t.Errorf("flutterwave algo = %s, want %s", fw.Algo, AlgoHMACSHA256)
	}
}

func TestLoadGatewayOverrides(t *testing.T) {
	t.Setenv("GATEWAYS", "paystack,stripe")
	t.Setenv("GATEWAY_PAYSTACK_SECRET", "sk_test_abc")
	t.Setenv("GATEWAY_PAYSTACK_TIMEOUT", "3s")
	t.Setenv("GATEWAY_PAYSTACK_FEE_PERCENT", "1.95")
	t.Setenv("GATEWAY_PAYSTACK_FEE_FIXED", "0.10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	ps := cfg.Gateways["paystack"]
	if ps.Secret != "sk_test_abc" {
		t.Errorf("Secret = %s", ps.Secret)
	}
	if ps.Timeout != 3*time.Second {
		t.Errorf("Timeout = %s, want 3s", ps.Timeout)
	}
	if ps.FeePercent.String() != "1.95" {
		t.Errorf("FeePercent = %s", ps.FeePercent)
	}
	if ps.FeeFixed.String() != "0.1" {
		t.Errorf("FeeFixed = %s", ps.FeeFixed)
	}
	if st := cfg.Gateways["stripe"]; st.Algo != AlgoStripe {
		t.Errorf("stripe algo = %s", st.Algo)
	}
}

func TestLoadRejectsBadAlgo(t *testing.T) {
	t.Setenv("GATEWAYS", "paystack")
	t.Setenv("GATEWAY_PAYSTACK_ALGO", "md5")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown signature algorithm")
	}
}

func TestValidateProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("GATEWAYS", "paystack")

	if _, err := Load(); err == nil {
		t.Fatal("expected error: production without gateway secret")
	}

	t.Setenv("GATEWAY_PAYSTACK_SECRET", "sk_live_abc")
	if _, err := Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
