package token

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls  int
	prices map[string]PricePoint
}

func (c *countingSource) Prices(_ context.Context, mints []string) (map[string]PricePoint, error) {
	c.calls++
	out := make(map[string]PricePoint)
	for _, m := range mints {
		if p, ok := c.prices[m]; ok {
			out[m] = p
		}
	}
	return out, nil
}

func TestStableMintShortCircuits(t *testing.T) {
	src := &countingSource{}
	r := NewEntryPriceRecoverer(src)

	for _, tc := range []struct{ mint, symbol string }{
		{"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", ""},
		{"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", ""},
		{"USD1ttGY1N17NEEHLmELoaybftRBUSErhqYiQzvEmuB", ""},
		{"SomeOtherMint1111111111111111111111111111111", "usdc"},
	} {
		price, err := r.Recover(context.Background(), tc.mint, tc.symbol)
		require.NoError(t, err)
		assert.Zero(t, price)
	}
	assert.Zero(t, src.calls, "stable mints must not hit the price source")
}

func TestRecoverCachesLookups(t *testing.T) {
	mint := "Bonk1111111111111111111111111111111111111111"
	src := &countingSource{prices: map[string]PricePoint{
		mint: {Mint: mint, PriceUsd: 0.000021},
	}}
	r := NewEntryPriceRecoverer(src)

	first, err := r.Recover(context.Background(), mint, "BONK")
	require.NoError(t, err)
	assert.Equal(t, 0.000021, first)

	second, err := r.Recover(context.Background(), mint, "BONK")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.calls, "second lookup should come from cache")
}
