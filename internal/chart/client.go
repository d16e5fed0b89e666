package chart

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// PricePoint is one spot price from the batch price endpoint.
type PricePoint struct {
	Mint      string  `json:"mint"`
	PriceUsd  float64 `json:"priceUsd"`
	UpdatedAt int64   `json:"updatedAt"` // unix ms
}

// Client talks to the market-data endpoint. It wraps a resty HTTP
// client with retry on 5xx and transport errors.
type Client struct {
	http *resty.Client
}

// NewClient creates a data-endpoint client rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(300 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{http: httpClient}
}

// OHLCV fetches candles for a pool over [from, to] (unix ms) and
// returns them normalised ascending.
func (c *Client) OHLCV(ctx context.Context, poolAddress string, from, to int64) ([]Candle, error) {
	var result struct {
		Candles []Candle `json:"candles"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"pool": poolAddress,
			"from": fmt.Sprintf("%d", from),
			"to":   fmt.Sprintf("%d", to),
		}).
		SetResult(&result).
		Get("/ohlcv")
	if err != nil {
		return nil, fmt.Errorf("fetch ohlcv: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch ohlcv: status %d: %s", resp.StatusCode(), resp.String())
	}
	candles := Normalize(result.Candles)
	log.Debug().Str("pool", poolAddress).Int("candles", len(candles)).Msg("ohlcv fetched")
	return candles, nil
}

// Prices fetches current prices for a mint set in one batch call.
// The returned map only contains mints the endpoint knew about.
func (c *Client) Prices(ctx context.Context, mints []string) (map[string]PricePoint, error) {
	if len(mints) == 0 {
		return map[string]PricePoint{}, nil
	}

	var result struct {
		Prices []PricePoint `json:"prices"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("mints", strings.Join(mints, ",")).
		SetResult(&result).
		Get("/prices")
	if err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch prices: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make(map[string]PricePoint, len(result.Prices))
	for _, p := range result.Prices {
		out[p.Mint] = p
	}
	return out, nil
}
