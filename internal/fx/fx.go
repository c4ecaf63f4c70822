// Package fx resolves exchange rates for converting gateway transaction
// amounts into the platform's base currency.
//
// Conversion is fail-closed: when no rate can be resolved within the
// configured timeout the caller gets ErrRateUnavailable and must not
// fund the escrow with a guessed amount.
package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agriconnect/settlement/internal/money"
)

// ErrRateUnavailable means no rate could be resolved for the pair.
var ErrRateUnavailable = errors.New("fx: exchange rate unavailable")

// RateProvider returns the multiplier converting one unit of from into to.
type RateProvider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

func pairKey(from, to string) string {
	return strings.ToUpper(from) + ":" + strings.ToUpper(to)
}

// StaticProvider returns fixed rates. Used in demo mode and tests.
type StaticProvider struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

// NewStaticProvider creates a static rate provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{rates: make(map[string]decimal.Decimal)}
}

// SetRate sets the rate for a currency pair.
func (p *StaticProvider) SetRate(from, to string, rate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[pairKey(from, to)] = rate
}

// Rate returns the configured rate, or ErrRateUnavailable.
func (p *StaticProvider) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	if strings.EqualFold(from, to) {
		return decimal.NewFromInt(1), nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if rate, ok := p.rates[pairKey(from, to)]; ok {
		return rate, nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: no rate for %s:%s", ErrRateUnavailable, from, to)
}

// HTTPProvider fetches rates from a JSON rates endpoint
// (GET {baseURL}?base={from} returning {"base": "...", "rates": {"GHS": 12.04, ...}}).
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPProvider creates a rate provider with a bounded request timeout.
func NewHTTPProvider(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type ratesResponse struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

// Rate fetches the from→to rate. Any failure (network, timeout, missing
// pair, malformed body) maps to ErrRateUnavailable.
func (p *HTTPProvider) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if strings.EqualFold(from, to) {
		return decimal.NewFromInt(1), nil
	}

	url := fmt.Sprintf("%s?base=%s", p.baseURL, strings.ToUpper(from))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("rate fetch failed", "pair", pairKey(from, to), "error", err)
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("rate endpoint returned non-200", "pair", pairKey(from, to), "status", resp.StatusCode)
		return decimal.Decimal{}, fmt.Errorf("%w: status %d", ErrRateUnavailable, resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}

	rate, ok := body.Rates[strings.ToUpper(to)]
	if !ok || rate.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: no rate for %s:%s", ErrRateUnavailable, from, to)
	}
	return rate, nil
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// CachedProvider wraps another provider with a TTL cache so a burst of
// webhook callbacks does not hammer the rates endpoint.
type CachedProvider struct {
	inner RateProvider
	ttl   time.Duration
	mu    sync.RWMutex
	cache map[string]cachedRate
	now   func() time.Time
}

// NewCachedProvider wraps inner with a per-pair TTL cache.
func NewCachedProvider(inner RateProvider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		ttl:   ttl,
		cache: make(map[string]cachedRate),
		now:   time.Now,
	}
}

// Rate returns a cached rate when fresh, otherwise delegates to the
// inner provider. A stale cache entry is never served after an inner
// failure: conversion stays fail-closed.
func (p *CachedProvider) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	key := pairKey(from, to)

	p.mu.RLock()
	entry, ok := p.cache[key]
	p.mu.RUnlock()
	if ok && p.now().Sub(entry.fetchedAt) < p.ttl {
		return entry.rate, nil
	}

	rate, err := p.inner.Rate(ctx, from, to)
	if err != nil {
		return decimal.Decimal{}, err
	}

	p.mu.Lock()
	p.cache[key] = cachedRate{rate: rate, fetchedAt: p.now()}
	p.mu.Unlock()
	return rate, nil
}

// Convert applies the from→to rate to amount and rounds half-up to two
// fraction digits.
func Convert(ctx context.Context, p RateProvider, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	rate, err := p.Rate(ctx, from, to)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return money.Round(amount.Mul(rate)), nil
}
