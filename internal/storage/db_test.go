package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnsureWallet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	w, err := db.EnsureWallet(ctx, "sniper", "PubkeyA", "cyan")
	if err != nil {
		t.Fatalf("EnsureWallet: %v", err)
	}
	if w.ID == 0 {
		t.Error("new wallet must get an id")
	}

	// Same pair resolves to the same row.
	again, err := db.EnsureWallet(ctx, "sniper", "PubkeyA", "")
	if err != nil {
		t.Fatalf("EnsureWallet replay: %v", err)
	}
	if again.ID != w.ID {
		t.Errorf("replay id = %d, want %d", again.ID, w.ID)
	}

	// Same alias with a different pubkey is never silently corrected.
	_, err = db.EnsureWallet(ctx, "sniper", "PubkeyB", "")
	if !errors.Is(err, ErrAliasTaken) {
		t.Errorf("mismatch err = %v, want ErrAliasTaken", err)
	}
}

func TestEnsureOpenPositionRunIsStable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, err := db.EnsureOpenPositionRun(ctx, 1, "MintA")
	if err != nil {
		t.Fatalf("EnsureOpenPositionRun: %v", err)
	}
	second, err := db.EnsureOpenPositionRun(ctx, 1, "MintA")
	if err != nil {
		t.Fatalf("EnsureOpenPositionRun replay: %v", err)
	}
	if first != second {
		t.Errorf("trade uuid changed across calls: %s vs %s", first, second)
	}

	other, _ := db.EnsureOpenPositionRun(ctx, 1, "MintB")
	if other == first {
		t.Error("different mints must get different runs")
	}

	positions, err := db.LoadOpenPositions(ctx, 1)
	if err != nil {
		t.Fatalf("LoadOpenPositions: %v", err)
	}
	if len(positions) != 2 {
		t.Errorf("open positions = %d, want 2", len(positions))
	}
}

func TestRecordTradeEventIgnoresReplay(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	price := 0.002
	event := &TradeEvent{
		Txid:             "tx1",
		WalletID:         1,
		WalletAlias:      "sniper",
		Mint:             "MintA",
		Side:             "buy",
		TokenAmount:      500,
		SolAmount:        1,
		PriceSolPerToken: &price,
		ExecutedAt:       1700000000000,
	}
	if err := db.RecordTradeEvent(ctx, event); err != nil {
		t.Fatalf("RecordTradeEvent: %v", err)
	}

	// A replay with different pricing must not overwrite the original.
	replayPrice := 9.9
	replay := *event
	replay.WalletAlias = "other"
	replay.PriceSolPerToken = &replayPrice
	if err := db.RecordTradeEvent(ctx, &replay); err != nil {
		t.Fatalf("RecordTradeEvent replay: %v", err)
	}

	stored, err := db.GetTradeEvent(ctx, "tx1", "MintA")
	if err != nil {
		t.Fatalf("GetTradeEvent: %v", err)
	}
	if stored == nil {
		t.Fatal("trade event missing")
	}
	if stored.WalletAlias != "sniper" {
		t.Errorf("wallet_alias = %q, original must win", stored.WalletAlias)
	}
	if stored.PriceSolPerToken == nil || *stored.PriceSolPerToken != price {
		t.Error("original pricing must survive a replay")
	}
}

func TestLoadPnlMissingIsNil(t *testing.T) {
	db := openTestDB(t)

	pnl, err := db.LoadPnl(context.Background(), "no-such-run")
	if err != nil {
		t.Fatalf("LoadPnl: %v", err)
	}
	if pnl != nil {
		t.Error("missing pnl row must return nil, not an error")
	}
}

func TestInsertEvaluation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	row := &EvaluationRow{
		WalletAlias:    "sniper",
		Mint:           "MintA",
		TradeUuid:      "run-1",
		CreatedAt:      1700000000000,
		Recommendation: "hold",
		WorstSeverity:  "warn",
		FailedCount:    1,
		SnapshotJSON:   `{"decision":"hold"}`,
	}
	if err := db.InsertEvaluation(ctx, row); err != nil {
		t.Fatalf("InsertEvaluation: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.RecordSessionStart(ctx, "sniper")
	if err != nil {
		t.Fatalf("RecordSessionStart: %v", err)
	}
	if id == 0 {
		t.Error("session id must be assigned")
	}
	if err := db.RecordSessionStop(ctx, id, "operator_request"); err != nil {
		t.Fatalf("RecordSessionStop: %v", err)
	}
}
