package fx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider()
	p.SetRate("USD", "GHS", dec("12.04"))
	ctx := context.Background()

	rate, err := p.Rate(ctx, "USD", "GHS")
	if err != nil {
		t.Fatalf("Rate failed: %v", err)
	}
	if !rate.Equal(dec("12.04")) {
		t.Errorf("rate = %s, want 12.04", rate)
	}

	// same-currency is always 1
	rate, err = p.Rate(ctx, "GHS", "ghs")
	if err != nil || !rate.Equal(decimal.NewFromInt(1)) {
		t.Errorf("same-currency rate = %s, %v", rate, err)
	}

	if _, err := p.Rate(ctx, "EUR", "GHS"); !errors.Is(err, ErrRateUnavailable) {
		t.Errorf("expected ErrRateUnavailable, got %v", err)
	}
}

func TestHTTPProvider_Rate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("base") != "USD" {
			http.Error(w, "unknown base", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"base":"USD","rates":{"GHS":12.04,"NGN":1520.5}}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, 2*time.Second, nil)
	ctx := context.Background()

	rate, err := p.Rate(ctx, "USD", "GHS")
	if err != nil {
		t.Fatalf("Rate failed: %v", err)
	}
	if !rate.Equal(dec("12.04")) {
		t.Errorf("rate = %s, want 12.04", rate)
	}

	if _, err := p.Rate(ctx, "USD", "KES"); !errors.Is(err, ErrRateUnavailable) {
		t.Errorf("missing pair: expected ErrRateUnavailable, got %v", err)
	}
	if _, err := p.Rate(ctx, "XXX", "GHS"); !errors.Is(err, ErrRateUnavailable) {
		t.Errorf("non-200: expected ErrRateUnavailable, got %v", err)
	}
}

func TestHTTPProvider_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, 20*time.Millisecond, nil)
	if _, err := p.Rate(context.Background(), "USD", "GHS"); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable on timeout, got %v", err)
	}
}

type countingProvider struct {
	calls atomic.Int64
	inner RateProvider
}

func (c *countingProvider) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	c.calls.Add(1)
	return c.inner.Rate(ctx, from, to)
}

func TestCachedProvider(t *testing.T) {
	static := NewStaticProvider()
	static.SetRate("USD", "GHS", dec("12"))
	counting := &countingProvider{inner: static}
	p := NewCachedProvider(counting, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := p.Rate(ctx, "USD", "GHS"); err != nil {
			t.Fatalf("Rate failed: %v", err)
		}
	}
	if got := counting.calls.Load(); got != 1 {
		t.Errorf("inner called %d times, want 1", got)
	}

	// expire the entry
	now := time.Now()
	p.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := p.Rate(ctx, "USD", "GHS"); err != nil {
		t.Fatalf("Rate after expiry failed: %v", err)
	}
	if got := counting.calls.Load(); got != 2 {
		t.Errorf("inner called %d times after expiry, want 2", got)
	}

	// failures propagate; nothing stale is served
	if _, err := p.Rate(ctx, "EUR", "GHS"); !errors.Is(err, ErrRateUnavailable) {
		t.Errorf("expected ErrRateUnavailable, got %v", err)
	}
}

func TestConvert_RoundsHalfUp(t *testing.T) {
	static := NewStaticProvider()
	static.SetRate("USD", "GHS", dec("12.045"))
	got, err := Convert(context.Background(), static, dec("10"), "USD", "GHS")
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if !got.Equal(dec("120.45")) {
		t.Errorf("converted = %s, want 120.45", got)
	}
}
