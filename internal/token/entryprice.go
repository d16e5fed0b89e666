// Package token resolves token metadata and entry prices.
package token

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Well-known stable mints. Entry price recovery short-circuits these to
// zero so PnL math never treats the numeraire as a position.
var stableMints = map[string]string{
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": "USDC",
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": "USDT",
	"USD1ttGY1N17NEEHLmELoaybftRBUSErhqYiQzvEmuB":  "USD1",
}

var stableSymbols = map[string]bool{
	"USDC": true,
	"USDT": true,
	"USD1": true,
}

// PriceSource is the external lookup the recoverer falls back to.
type PriceSource interface {
	Prices(ctx context.Context, mints []string) (map[string]PricePoint, error)
}

// PricePoint mirrors the data-endpoint price shape.
type PricePoint struct {
	Mint      string
	PriceUsd  float64
	UpdatedAt int64
}

// IsStable reports whether the mint or symbol is a known stable.
func IsStable(mint, symbol string) bool {
	if _, ok := stableMints[mint]; ok {
		return true
	}
	return stableSymbols[strings.ToUpper(symbol)]
}

// EntryPriceRecoverer resolves the USD entry price for a mint, caching
// results per process.
type EntryPriceRecoverer struct {
	source PriceSource

	mu    sync.Mutex
	cache map[string]float64
	ttl   time.Duration
	at    map[string]time.Time
}

// NewEntryPriceRecoverer wires a recoverer over a price source.
func NewEntryPriceRecoverer(source PriceSource) *EntryPriceRecoverer {
	return &EntryPriceRecoverer{
		source: source,
		cache:  make(map[string]float64),
		at:     make(map[string]time.Time),
		ttl:    time.Minute,
	}
}

// Recover returns the USD entry price for a mint. Stable mints return 0
// without touching the price source.
func (r *EntryPriceRecoverer) Recover(ctx context.Context, mint, symbol string) (float64, error) {
	if IsStable(mint, symbol) {
		return 0, nil
	}

	r.mu.Lock()
	if price, ok := r.cache[mint]; ok && time.Since(r.at[mint]) < r.ttl {
		r.mu.Unlock()
		return price, nil
	}
	r.mu.Unlock()

	prices, err := r.source.Prices(ctx, []string{mint})
	if err != nil {
		return 0, err
	}
	point, ok := prices[mint]
	if !ok {
		log.Warn().Str("mint", mint).Msg("entry price unavailable from data endpoint")
		return 0, nil
	}

	r.mu.Lock()
	r.cache[mint] = point.PriceUsd
	r.at[mint] = time.Now()
	r.mu.Unlock()
	return point.PriceUsd, nil
}
