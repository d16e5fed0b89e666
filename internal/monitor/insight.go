package monitor

import (
	"math"

	"solana-warchest/internal/blockchain"
	"solana-warchest/internal/storage"
)

// WrappedSolMint is the numeraire and never counts as a traded token.
const WrappedSolMint = "So11111111111111111111111111111111111111112"

const lamportsPerSol = 1e9

// tokenDeltaEpsilon is the smallest token delta treated as a trade.
const tokenDeltaEpsilon = 1e-9

// Insight is what actually happened to the wallet in a transaction.
type Insight struct {
	Mint             string   `json:"mint"`
	Side             string   `json:"side"` // buy | sell | transfer
	TokenDelta       float64  `json:"tokenDelta"`
	SolDelta         float64  `json:"solDelta"`
	FeesSol          float64  `json:"feesSol"`
	PriceSolPerToken *float64 `json:"priceSolPerToken"`
	PriceUsdPerToken *float64 `json:"priceUsdPerToken"`
	SolUsdPrice      *float64 `json:"solUsdPrice"`
	ExecutedAt       int64    `json:"executedAt"` // unix ms
	Slot             uint64   `json:"slot"`
}

// RecoverInsight derives the wallet's token and SOL deltas from a
// fetched transaction. Returns nil when the wallet had no balance
// movement worth reporting.
func RecoverInsight(tx *blockchain.TransactionResult, walletPubkey string, solUsdPrice *float64) *Insight {
	if tx == nil || tx.Meta == nil {
		return nil
	}
	meta := tx.Meta

	// Token deltas for this wallet, keyed by mint.
	pre := make(map[string]float64)
	for _, b := range meta.PreTokenBalances {
		if b.Owner == walletPubkey && b.UITokenAmount.UIAmount != nil {
			pre[b.Mint] += *b.UITokenAmount.UIAmount
		}
	}
	deltas := make(map[string]float64)
	for _, b := range meta.PostTokenBalances {
		if b.Owner != walletPubkey || b.UITokenAmount.UIAmount == nil {
			continue
		}
		deltas[b.Mint] = *b.UITokenAmount.UIAmount - pre[b.Mint]
		delete(pre, b.Mint)
	}
	// Accounts emptied entirely only appear in preTokenBalances.
	for mint, amount := range pre {
		deltas[mint] = -amount
	}

	// Pick the non-numeraire mint with the largest absolute delta.
	var mint string
	var tokenDelta float64
	for m, d := range deltas {
		if m == WrappedSolMint {
			continue
		}
		if math.Abs(d) > math.Abs(tokenDelta) {
			mint, tokenDelta = m, d
		}
	}

	// SOL delta at the wallet's account index, fee included for the
	// fee payer.
	var solDelta float64
	for i, key := range tx.Transaction.Message.AccountKeys {
		if key.Pubkey != walletPubkey {
			continue
		}
		if i < len(meta.PreBalances) && i < len(meta.PostBalances) {
			solDelta = (float64(meta.PostBalances[i]) - float64(meta.PreBalances[i])) / lamportsPerSol
		}
		break
	}
	feesSol := float64(meta.Fee) / lamportsPerSol

	side := classifySide(tokenDelta, solDelta)
	if side == "" {
		return nil
	}

	ins := &Insight{
		Mint:        mint,
		Side:        side,
		TokenDelta:  tokenDelta,
		SolDelta:    solDelta,
		FeesSol:     feesSol,
		SolUsdPrice: solUsdPrice,
		Slot:        tx.Slot,
	}
	if tx.BlockTime != nil {
		ins.ExecutedAt = *tx.BlockTime * 1000
	}

	if math.Abs(tokenDelta) > tokenDeltaEpsilon {
		grossSol := math.Abs(solDelta)
		if side == "buy" {
			// Spend excludes the network fee.
			grossSol = math.Max(grossSol-feesSol, 0)
		}
		if grossSol > 0 {
			price := grossSol / math.Abs(tokenDelta)
			ins.PriceSolPerToken = &price
			if solUsdPrice != nil {
				usd := price * *solUsdPrice
				ins.PriceUsdPerToken = &usd
			}
		}
	}
	return ins
}

func classifySide(tokenDelta, solDelta float64) string {
	switch {
	case tokenDelta > tokenDeltaEpsilon && solDelta < 0:
		return "buy"
	case tokenDelta < -tokenDeltaEpsilon && solDelta > 0:
		return "sell"
	case math.Abs(tokenDelta) <= tokenDeltaEpsilon && solDelta < 0:
		return "transfer"
	case math.Abs(tokenDelta) > tokenDeltaEpsilon:
		// Token moved without a SOL leg (airdrop, wallet transfer).
		return "transfer"
	default:
		return ""
	}
}

// BuildTradeEvent converts an insight into the persisted trade event.
// Returns nil when the insight does not describe a fill.
func BuildTradeEvent(txid string, walletID int64, walletAlias string, ins *Insight) *storage.TradeEvent {
	if ins == nil || ins.Mint == "" || math.Abs(ins.TokenDelta) <= tokenDeltaEpsilon {
		return nil
	}
	feesSol := ins.FeesSol
	ev := &storage.TradeEvent{
		Txid:             txid,
		WalletID:         walletID,
		WalletAlias:      walletAlias,
		Mint:             ins.Mint,
		Side:             ins.Side,
		TokenAmount:      math.Abs(ins.TokenDelta),
		SolAmount:        math.Abs(ins.SolDelta),
		PriceSolPerToken: ins.PriceSolPerToken,
		PriceUsdPerToken: ins.PriceUsdPerToken,
		SolUsdPrice:      ins.SolUsdPrice,
		FeesSol:          &feesSol,
		ExecutedAt:       ins.ExecutedAt,
	}
	if ins.SolUsdPrice != nil {
		feesUsd := feesSol * *ins.SolUsdPrice
		ev.FeesUsd = &feesUsd
	}
	return ev
}
