package sellops

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"solana-warchest/internal/hub"
	"solana-warchest/internal/monitor"
	"solana-warchest/internal/storage"
	"solana-warchest/internal/swap"
)

// submitFullExit sells the whole position. An explicit token amount is
// preferred; a missing or non-positive amount falls back to a 100%
// sell with a warning.
func (c *Controller) submitFullExit(ctx context.Context, pos *storage.PositionSummary, reason string) {
	var amount, percent *float64
	if pos.CurrentTokenAmount != nil && *pos.CurrentTokenAmount > 0 {
		amount = pos.CurrentTokenAmount
	} else {
		full := 100.0
		percent = &full
		log.Warn().
			Str("wallet", c.spec.Alias).
			Str("mint", pos.Mint).
			Msg("token amount unknown, selling by percent")
	}
	c.submit(ctx, pos, reason, amount, percent)
}

// submitPartial sells pct of the position.
func (c *Controller) submitPartial(ctx context.Context, pos *storage.PositionSummary, reason string, pct *float64) {
	if pct == nil {
		trim := DefaultTrimPct
		pct = &trim
	}
	c.submit(ctx, pos, reason, nil, pct)
}

func (c *Controller) submit(ctx context.Context, pos *storage.PositionSummary, reason string, amount, percent *float64) {
	if c.trader == nil {
		return
	}
	if c.observeOnly.Load() {
		log.Info().
			Str("wallet", c.spec.Alias).
			Str("mint", pos.Mint).
			Str("reason", reason).
			Msg("observe mode, sell suppressed")
		return
	}
	if err := c.trader.SubmitSell(ctx, pos, c.spec.Alias, reason, amount, percent); err != nil {
		log.Error().Err(err).
			Str("wallet", c.spec.Alias).
			Str("mint", pos.Mint).
			Str("reason", reason).
			Msg("sell submission failed")
	}
}

// SwapExecutor runs the actual swap. Satisfied by *swap.Client.
type SwapExecutor interface {
	Execute(ctx context.Context, req swap.Request) (*swap.Result, error)
}

// JobRunner is the hub surface the trader needs.
type JobRunner interface {
	Run(ctx context.Context, cmd hub.Command, namespace string, payload interface{}, opts hub.Options) (interface{}, error)
}

// HubTrader routes sells through the hub coordinator's swap namespace
// and chains a txMonitor job for the returned txid.
type HubTrader struct {
	hub            JobRunner
	walletPubkey   string
	walletID       int64
	monitorTimeout time.Duration
}

// NewHubTrader wires the hub-backed trader. The swap and txMonitor
// workers must already be registered on the coordinator.
func NewHubTrader(runner JobRunner, walletPubkey string, walletID int64, monitorTimeout time.Duration) *HubTrader {
	if monitorTimeout <= 0 {
		monitorTimeout = 120 * time.Second
	}
	return &HubTrader{hub: runner, walletPubkey: walletPubkey, walletID: walletID, monitorTimeout: monitorTimeout}
}

// SubmitSell implements Trader. A busy wallet namespace surfaces as an
// error to the caller; the debounce already spaced the attempts.
func (t *HubTrader) SubmitSell(ctx context.Context, pos *storage.PositionSummary, walletAlias, reason string, tokenAmount, percent *float64) error {
	req := swap.Request{
		WalletAlias: walletAlias,
		WalletID:    t.walletID,
		Mint:        pos.Mint,
		Side:        "sell",
		TokenAmount: tokenAmount,
		Percent:     percent,
		Reason:      reason,
		TradeUuid:   pos.TradeUuid,
	}

	ns := hub.Namespace(hub.CommandSwap, walletAlias)
	raw, err := t.hub.Run(ctx, hub.CommandSwap, ns, req, hub.Options{})
	if err != nil {
		return err
	}

	result := coerceSwapResult(raw)
	if result == nil || result.Monitor == nil {
		return nil
	}

	// Chain the monitor job. Failure to start it is never fatal.
	job := monitor.Job{
		Txid:         result.Txid,
		WalletPubkey: t.walletPubkey,
		WalletID:     t.walletID,
		WalletAlias:  walletAlias,
		Mint:         pos.Mint,
		Side:         "sell",
		SolUsdPrice:  result.Monitor.SolUsdPrice,
		SwapQuote:    result.SwapQuote,
	}
	monNs := hub.Namespace(hub.CommandTxMonitor, result.Txid)
	go func() {
		_, err := t.hub.Run(context.Background(), hub.CommandTxMonitor, monNs, job, hub.Options{
			TimeoutMs: t.monitorTimeout.Milliseconds(),
		})
		if err != nil {
			log.Warn().Err(err).Str("txid", result.Txid).Msg("tx monitor job failed")
		}
	}()
	return nil
}

// coerceSwapResult tolerates workers returning either the typed result
// or a generic JSON document.
func coerceSwapResult(raw interface{}) *swap.Result {
	switch v := raw.(type) {
	case *swap.Result:
		return v
	case swap.Result:
		return &v
	default:
		data, err := json.Marshal(raw)
		if err != nil {
			return nil
		}
		var result swap.Result
		if err := json.Unmarshal(data, &result); err != nil || result.Txid == "" {
			return nil
		}
		return &result
	}
}
