// Package health assembles the process health block for status.json
// and the ops endpoint.
package health

import (
	"runtime"
	"time"

	"solana-warchest/internal/blockchain"
)

// WSProbe reports subscription connectivity.
type WSProbe interface {
	Connected() bool
}

// RPCProbe reports client-side RPC counters.
type RPCProbe interface {
	Stats() blockchain.Stats
	LatencyMs() int64
}

// Report is the health block published in status.json.
type Report struct {
	Process ProcessHealth  `json:"process"`
	WS      WSHealth       `json:"ws"`
	Wallets []WalletHealth `json:"wallets"`
	RPC     RPCHealth      `json:"rpcStats"`
}

// ProcessHealth covers the daemon itself.
type ProcessHealth struct {
	UptimeSec  int64 `json:"uptimeSec"`
	Goroutines int   `json:"goroutines"`
}

// WSHealth covers the subscription channel.
type WSHealth struct {
	Connected bool `json:"connected"`
}

// WalletHealth is one managed wallet's view.
type WalletHealth struct {
	Alias         string `json:"alias"`
	OpenPositions int    `json:"openPositions"`
}

// RPCHealth mirrors the RPC client counters.
type RPCHealth struct {
	Requests    uint64 `json:"requests"`
	Errors      uint64 `json:"errors"`
	CircuitOpen bool   `json:"circuitOpen"`
	LatencyMs   int64  `json:"latencyMs"`
}

// Checker snapshots health on demand.
type Checker struct {
	started time.Time
	ws      WSProbe
	rpc     RPCProbe

	walletsFn func() []WalletHealth
}

// NewChecker wires a checker. ws and rpc may be nil; walletsFn feeds
// the per-wallet block and may be nil.
func NewChecker(ws WSProbe, rpc RPCProbe, walletsFn func() []WalletHealth) *Checker {
	return &Checker{started: time.Now(), ws: ws, rpc: rpc, walletsFn: walletsFn}
}

// Report builds the current health block.
func (c *Checker) Report() Report {
	rep := Report{
		Process: ProcessHealth{
			UptimeSec:  int64(time.Since(c.started).Seconds()),
			Goroutines: runtime.NumGoroutine(),
		},
		Wallets: []WalletHealth{},
	}
	if c.ws != nil {
		rep.WS.Connected = c.ws.Connected()
	}
	if c.rpc != nil {
		stats := c.rpc.Stats()
		rep.RPC = RPCHealth{
			Requests:    stats.Requests,
			Errors:      stats.Errors,
			CircuitOpen: stats.CircuitOpen,
			LatencyMs:   c.rpc.LatencyMs(),
		}
	}
	if c.walletsFn != nil {
		rep.Wallets = c.walletsFn()
	}
	return rep
}
