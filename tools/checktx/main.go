package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"solana-warchest/internal/blockchain"
	"solana-warchest/internal/config"
	"solana-warchest/internal/monitor"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./tools/checktx <TX_SIGNATURE> [WALLET_PUBKEY]")
		fmt.Println("Example: go run ./tools/checktx 2gHc4gtPHJgVJhccGytQqivvETZoyfiAu12UTE3vN4v6WPz3mGmPGmwxS7NwbXcv28NAQP6Re8rdi2XS9tU6rMRs")
		os.Exit(1)
	}

	txSig := os.Args[1]

	fmt.Println("📊 TX STATUS CHECKER")
	fmt.Println("===================")
	fmt.Printf("TX: %s\n\n", txSig)

	mgr, err := config.NewManager("config/warchest.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		return
	}
	cfg := mgr.Get()

	rpc := blockchain.NewRPCClient(cfg.RPC.Endpoint, cfg.RPC.FallbackURL, mgr.APIKey())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := rpc.GetTransaction(ctx, txSig)
	if err != nil {
		fmt.Printf("❌ RPC Error: %v\n", err)
		os.Exit(1)
	}
	if result == nil {
		fmt.Println("⏳ Transaction not yet visible")
		return
	}

	status := "SUCCESS"
	if result.Meta != nil && result.Meta.Err != nil {
		status = "FAILED"
	}
	fmt.Printf("Status: %s\n", status)
	fmt.Printf("Slot: %d\n", result.Slot)

	if status == "FAILED" {
		fmt.Println("\n📋 ERROR DETAILS:")
		fmt.Printf("%+v\n", result.Meta.Err)
		return
	}

	if len(os.Args) >= 3 {
		insight := monitor.RecoverInsight(result, os.Args[2], nil)
		if insight == nil {
			fmt.Println("\nNo token fill recovered for that wallet")
			return
		}
		fmt.Println("\n💡 RECOVERED INSIGHT:")
		pretty, _ := json.MarshalIndent(insight, "", "  ")
		fmt.Println(string(pretty))
	}
}
