// Package monitor tracks submitted transactions to a terminal status
// and recovers trade insights from confirmed ones.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"solana-warchest/internal/blockchain"
	"solana-warchest/internal/hud"
	"solana-warchest/internal/storage"
)

// TxFetcher fetches transactions. (nil, nil) means not yet visible.
type TxFetcher interface {
	GetTransaction(ctx context.Context, txid string) (*blockchain.TransactionResult, error)
}

// Subscriber is the optional push channel for signature updates.
type Subscriber interface {
	SignatureSubscribe(txid string, handler blockchain.SignatureHandler) (uint64, error)
	Unsubscribe(method string, subID uint64)
}

// LogsSubscriber is the wider-net fallback a subscriber may offer: a
// logs filter on the fee payer catches the signature even when the
// direct signature subscription is rejected.
type LogsSubscriber interface {
	LogsSubscribe(mentions string, handler func(signature string, errVal interface{}, slot uint64)) (uint64, error)
}

// TradeRecorder persists recovered trade events.
type TradeRecorder interface {
	RecordTradeEvent(ctx context.Context, t *storage.TradeEvent) error
}

// EventSink receives HUD events.
type EventSink interface {
	PublishHudEvent(ev hud.Event)
}

// Job identifies one transaction to monitor.
type Job struct {
	Txid         string      `json:"txid"`
	WalletPubkey string      `json:"walletPubkey"`
	WalletID     int64       `json:"walletId"`
	WalletAlias  string      `json:"walletAlias"`
	Mint         string      `json:"mint"`
	Side         string      `json:"side,omitempty"`
	Size         float64     `json:"size,omitempty"`
	SolUsdPrice  *float64    `json:"solUsdPrice,omitempty"`
	SwapQuote    interface{} `json:"swapQuote,omitempty"`
}

// Config tunes the monitor.
type Config struct {
	PollAttempts    int
	PollInterval    time.Duration
	Retry           blockchain.RetryPolicy
	ExplorerBaseURL string
}

// DefaultConfig returns the standard polling configuration.
func DefaultConfig() Config {
	return Config{
		PollAttempts: 40,
		PollInterval: 1500 * time.Millisecond,
		Retry:        blockchain.DefaultRetryPolicy(),
	}
}

// Outcome is the terminal result of a monitor run.
type Outcome struct {
	Status  string   `json:"status"` // confirmed | failed | timeout
	Slot    uint64   `json:"slot,omitempty"`
	Err     string   `json:"err,omitempty"`
	Insight *Insight `json:"insight,omitempty"`
}

// Monitor drives one transaction at a time to a terminal status.
type Monitor struct {
	fetcher    TxFetcher
	subscriber Subscriber
	recorder   TradeRecorder
	sink       EventSink
	cfg        Config
}

// New wires a monitor. subscriber, recorder and sink may be nil.
func New(fetcher TxFetcher, subscriber Subscriber, recorder TradeRecorder, sink EventSink, cfg Config) *Monitor {
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 40
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}
	return &Monitor{fetcher: fetcher, subscriber: subscriber, recorder: recorder, sink: sink, cfg: cfg}
}

// Run tracks a transaction until confirmed, failed or timeout. Fetch
// errors are retried under the backoff policy; exhaustion aborts the
// run with a RetryExhausted error.
func (m *Monitor) Run(ctx context.Context, job Job) (*Outcome, error) {
	if err := blockchain.ValidateTxid(job.Txid); err != nil {
		return nil, err
	}

	// Push subscription is an accelerator; any failure degrades to
	// polling.
	sigCh := make(chan blockchain.SignatureNotification, 1)
	if m.subscriber != nil {
		subID, err := m.subscriber.SignatureSubscribe(job.Txid, func(n blockchain.SignatureNotification) {
			select {
			case sigCh <- n:
			default:
			}
		})
		if err == nil {
			defer m.subscriber.Unsubscribe("signatureSubscribe", subID)
		} else if logsSub, ok := m.subscriber.(LogsSubscriber); ok && job.WalletPubkey != "" {
			log.Warn().Err(err).Str("txid", job.Txid).Msg("signature subscribe failed, trying logs filter")
			logsID, lerr := logsSub.LogsSubscribe(job.WalletPubkey, func(signature string, errVal interface{}, slot uint64) {
				if signature != job.Txid {
					return
				}
				select {
				case sigCh <- blockchain.SignatureNotification{Slot: slot, Err: errVal}:
				default:
				}
			})
			if lerr != nil {
				log.Warn().Err(lerr).Str("txid", job.Txid).Msg("logs subscribe failed, polling only")
			} else {
				defer m.subscriber.Unsubscribe("logsSubscribe", logsID)
			}
		} else {
			log.Warn().Err(err).Str("txid", job.Txid).Msg("signature subscribe failed, polling only")
		}
	}

	for attempt := 0; attempt < m.cfg.PollAttempts; attempt++ {
		tx, err := m.fetchOnce(ctx, job.Txid)
		if err != nil {
			return nil, err
		}
		if tx != nil {
			return m.finish(ctx, job, tx)
		}

		select {
		case <-ctx.Done():
			return nil, blockchain.E(blockchain.KindTimeout, "monitor.Run", ctx.Err())
		case <-sigCh:
			// Signature landed; the next fetch should see it.
			log.Debug().Str("txid", job.Txid).Msg("signature notification received")
		case <-time.After(m.cfg.PollInterval):
		}
	}

	outcome := &Outcome{Status: "timeout"}
	m.emitHud(job, outcome)
	log.Warn().Str("txid", job.Txid).Int("attempts", m.cfg.PollAttempts).Msg("⏳ transaction not visible, giving up")
	return outcome, nil
}

// fetchOnce wraps one transaction fetch in the retry policy.
func (m *Monitor) fetchOnce(ctx context.Context, txid string) (*blockchain.TransactionResult, error) {
	var tx *blockchain.TransactionResult
	err := m.cfg.Retry.Do(ctx, "monitor.fetch", func(ctx context.Context) error {
		var err error
		tx, err = m.fetcher.GetTransaction(ctx, txid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// finish resolves the terminal status, recovers the insight, persists
// the trade event (best-effort) and emits the HUD event.
func (m *Monitor) finish(ctx context.Context, job Job, tx *blockchain.TransactionResult) (*Outcome, error) {
	outcome := &Outcome{Status: "confirmed", Slot: tx.Slot}
	if tx.Meta != nil && tx.Meta.Err != nil {
		outcome.Status = "failed"
		outcome.Err = fmt.Sprintf("%v", tx.Meta.Err)
	}

	outcome.Insight = RecoverInsight(tx, job.WalletPubkey, job.SolUsdPrice)

	if outcome.Status == "confirmed" && m.recorder != nil {
		if ev := BuildTradeEvent(job.Txid, job.WalletID, job.WalletAlias, outcome.Insight); ev != nil {
			if err := m.recorder.RecordTradeEvent(ctx, ev); err != nil {
				log.Warn().Err(err).Str("txid", job.Txid).Msg("trade event persist failed")
			}
		}
	}

	m.emitHud(job, outcome)
	log.Info().
		Str("txid", job.Txid).
		Str("status", outcome.Status).
		Uint64("slot", outcome.Slot).
		Msg("transaction terminal")
	return outcome, nil
}

// emitHud publishes the terminal HUD event. Failures are the sink's
// problem; the monitor never blocks on it.
func (m *Monitor) emitHud(job Job, outcome *Outcome) {
	if m.sink == nil {
		return
	}
	category := hud.CategoryForStatus(outcome.Status)
	// The HUD shows the short translation; the raw chain error stays
	// on the outcome.
	errText := outcome.Err
	if errText != "" {
		errText = blockchain.HumanError(errors.New(errText))
	}
	ev := hud.Event{
		Txid:           job.Txid,
		Status:         outcome.Status,
		StatusCategory: category,
		StatusEmoji:    hud.EmojiForCategory(category),
		Slot:           outcome.Slot,
		Err:            errText,
		Context: hud.EventContext{
			Wallet: job.WalletAlias,
			Mint:   job.Mint,
			Side:   job.Side,
			Size:   job.Size,
		},
		Insight:    outcome.Insight,
		SwapQuote:  job.SwapQuote,
		ObservedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if m.cfg.ExplorerBaseURL != "" {
		ev.TxSummary = &hud.TxSummary{
			ExplorerUrl: m.cfg.ExplorerBaseURL + "/tx/" + job.Txid,
			Short:       shortTxid(job.Txid),
		}
	}
	m.sink.PublishHudEvent(ev)
}

func shortTxid(txid string) string {
	if len(txid) <= 12 {
		return txid
	}
	return txid[:6] + "…" + txid[len(txid)-6:]
}
