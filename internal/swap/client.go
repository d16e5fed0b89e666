// Package swap submits sell orders to the external swap engine. The
// daemon never signs transactions itself; the engine owns keys and
// returns the submitted txid plus its quote.
package swap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Request is one sell submission. Either TokenAmount or Percent is
// set, never both.
type Request struct {
	WalletAlias string   `json:"walletAlias"`
	WalletID    int64    `json:"walletId"`
	Mint        string   `json:"mint"`
	Side        string   `json:"side"` // always "sell" from this daemon
	TokenAmount *float64 `json:"tokenAmount,omitempty"`
	Percent     *float64 `json:"percent,omitempty"`
	Reason      string   `json:"reason"`
	TradeUuid   string   `json:"tradeUuid"`
}

// Result is the engine's response to a submission.
type Result struct {
	Txid      string      `json:"txid"`
	SwapQuote interface{} `json:"swapQuote,omitempty"`
	// Monitor carries everything a txMonitor job needs.
	Monitor *MonitorPayload `json:"monitor,omitempty"`
}

// MonitorPayload seeds the follow-up transaction monitor.
type MonitorPayload struct {
	Txid         string   `json:"txid"`
	WalletPubkey string   `json:"walletPubkey"`
	Mint         string   `json:"mint"`
	SolUsdPrice  *float64 `json:"solUsdPrice,omitempty"`
}

// Client talks to the swap engine.
type Client struct {
	http *resty.Client
}

// NewClient creates a swap-engine client rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0). // sells are never auto-retried
		SetHeader("Content-Type", "application/json")
	return &Client{http: httpClient}
}

// Execute submits a sell and returns the engine's result.
func (c *Client) Execute(ctx context.Context, req Request) (*Result, error) {
	var result Result
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/swap")
	if err != nil {
		return nil, fmt.Errorf("submit swap: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("submit swap: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Txid == "" {
		return nil, fmt.Errorf("submit swap: engine returned no txid")
	}

	log.Info().
		Str("wallet", req.WalletAlias).
		Str("mint", req.Mint).
		Str("reason", req.Reason).
		Str("txid", result.Txid).
		Msg("💸 sell submitted")
	return &result, nil
}
