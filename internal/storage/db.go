package storage

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite store. It is the single persistence layer for the
// wallet registry, the open-position view, market reference data, the
// evaluation log and the trade-event ledger.
type DB struct {
	db *sql.DB

	// Trade events are single-writer by contract; readers are free.
	tradeMu sync.Mutex
}

// Wallet is a row in the wallet registry.
type Wallet struct {
	ID     int64
	Alias  string
	Pubkey string
	Color  string
}

// PositionSummary is one open position as seen by a controller tick.
type PositionSummary struct {
	PositionID          int64
	WalletID            int64
	Mint                string
	TradeUuid           string
	StrategyName        string // empty = infer
	OpenedAt            int64
	LastTradeAt         int64
	CurrentTokenAmount  *float64
	EntryPriceSol       *float64
	EntryPriceUsd       *float64
	ExpectedNotionalUsd *float64
	Source              string
}

// CoinRecord is price/meta reference data for a mint.
type CoinRecord struct {
	Mint         string
	Symbol       string
	Name         string
	PriceUsd     *float64
	PriceSol     *float64
	MarketCapUsd *float64
	LastUpdated  int64
}

// PoolRecord is one liquidity pool for a mint.
type PoolRecord struct {
	Addr         string
	Mint         string
	LiquidityUsd *float64
	LastUpdated  int64
}

// EventsRecord is aggregate trade activity for one interval.
type EventsRecord struct {
	Mint           string
	Interval       string
	Buys           int64
	Sells          int64
	VolumeUsd      *float64
	PriceChangePct *float64
	LastUpdated    int64
}

// RiskRecord is the risk view for a mint.
type RiskRecord struct {
	Mint        string
	Score       *float64
	Flags       []string
	LastUpdated int64
}

// PnlRecord is the pnl view for a trade run.
type PnlRecord struct {
	TradeUuid           string
	RealizedUsd         *float64
	UnrealizedUsd       *float64
	AvgCostUsd          *float64
	PositionTokenAmount *float64
	LastUpdated         int64
}

// TradeEvent is a persisted fill derived from a confirmed transaction.
type TradeEvent struct {
	ID               int64
	Txid             string
	WalletID         int64
	WalletAlias      string
	Mint             string
	Side             string // "buy" | "sell" | "transfer"
	TokenAmount      float64
	SolAmount        float64
	PriceSolPerToken *float64
	PriceUsdPerToken *float64
	SolUsdPrice      *float64
	FeesSol          *float64
	FeesUsd          *float64
	SlippagePct      *float64
	PriceImpactPct   *float64
	ExecutedAt       int64 // ms
}

// EvaluationRow is one persisted evaluation tick.
type EvaluationRow struct {
	WalletAlias    string
	Mint           string
	TradeUuid      string
	CreatedAt      int64
	Recommendation string
	WorstSeverity  string
	FailedCount    int
	SnapshotJSON   string
}

// NewDB opens (or creates) the store.
func NewDB(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("database initialized")
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alias TEXT NOT NULL UNIQUE,
		pubkey TEXT NOT NULL,
		color TEXT
	);

	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wallet_id INTEGER NOT NULL,
		mint TEXT NOT NULL,
		trade_uuid TEXT NOT NULL UNIQUE,
		strategy_name TEXT,
		opened_at INTEGER NOT NULL,
		last_trade_at INTEGER NOT NULL DEFAULT 0,
		token_amount REAL,
		entry_price_sol REAL,
		entry_price_usd REAL,
		expected_notional_usd REAL,
		source TEXT NOT NULL DEFAULT '',
		open INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS coins (
		mint TEXT PRIMARY KEY,
		symbol TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		price_usd REAL,
		price_sol REAL,
		market_cap_usd REAL,
		last_updated INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pools (
		addr TEXT PRIMARY KEY,
		mint TEXT NOT NULL,
		liquidity_usd REAL,
		last_updated INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		mint TEXT NOT NULL,
		interval TEXT NOT NULL,
		buys INTEGER NOT NULL DEFAULT 0,
		sells INTEGER NOT NULL DEFAULT 0,
		volume_usd REAL,
		price_change_pct REAL,
		last_updated INTEGER NOT NULL,
		PRIMARY KEY (mint, interval)
	);

	CREATE TABLE IF NOT EXISTS risk (
		mint TEXT PRIMARY KEY,
		score REAL,
		flags TEXT NOT NULL DEFAULT '',
		last_updated INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pnl (
		trade_uuid TEXT PRIMARY KEY,
		realized_usd REAL,
		unrealized_usd REAL,
		avg_cost_usd REAL,
		position_token_amount REAL,
		last_updated INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		txid TEXT NOT NULL,
		wallet_id INTEGER NOT NULL,
		wallet_alias TEXT NOT NULL,
		mint TEXT NOT NULL,
		side TEXT NOT NULL,
		token_amount REAL NOT NULL,
		sol_amount REAL NOT NULL,
		price_sol REAL,
		price_usd REAL,
		sol_usd_price REAL,
		fees_sol REAL,
		fees_usd REAL,
		slippage_pct REAL,
		price_impact_pct REAL,
		executed_at INTEGER NOT NULL,
		UNIQUE (txid, mint)
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wallet_alias TEXT NOT NULL,
		mint TEXT NOT NULL,
		trade_uuid TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		recommendation TEXT NOT NULL,
		worst_severity TEXT NOT NULL,
		failed_count INTEGER NOT NULL,
		snapshot_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		wallet_alias TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		stopped_at INTEGER,
		stop_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_positions_wallet_open ON positions(wallet_id, open);
	CREATE INDEX IF NOT EXISTS idx_trades_executed ON trades(executed_at);
	CREATE INDEX IF NOT EXISTS idx_evaluations_trade ON evaluations(trade_uuid, created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// EnsureWallet resolves an (alias, pubkey) pair against the registry. A
// row with the same alias but a different pubkey is an error, never
// silently corrected.
func (d *DB) EnsureWallet(ctx context.Context, alias, pubkey, color string) (*Wallet, error) {
	var w Wallet
	err := d.db.QueryRowContext(ctx,
		`SELECT id, alias, pubkey, COALESCE(color, '') FROM wallets WHERE alias = ?`, alias).
		Scan(&w.ID, &w.Alias, &w.Pubkey, &w.Color)
	if err == nil {
		if w.Pubkey != pubkey {
			return nil, ErrWalletMismatch(alias, w.Pubkey, pubkey)
		}
		return &w, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	res, err := d.db.ExecContext(ctx,
		`INSERT INTO wallets (alias, pubkey, color) VALUES (?, ?, ?)`, alias, pubkey, color)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Wallet{ID: id, Alias: alias, Pubkey: pubkey, Color: color}, nil
}

// LoadOpenPositions returns the open-position view for a wallet.
func (d *DB) LoadOpenPositions(ctx context.Context, walletID int64) ([]*PositionSummary, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, wallet_id, mint, trade_uuid, COALESCE(strategy_name, ''),
		       opened_at, last_trade_at, token_amount, entry_price_sol,
		       entry_price_usd, expected_notional_usd, source
		FROM positions WHERE wallet_id = ? AND open = 1`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*PositionSummary
	for rows.Next() {
		var p PositionSummary
		var amount, priceSol, priceUsd, notional sql.NullFloat64
		if err := rows.Scan(&p.PositionID, &p.WalletID, &p.Mint, &p.TradeUuid,
			&p.StrategyName, &p.OpenedAt, &p.LastTradeAt,
			&amount, &priceSol, &priceUsd, &notional, &p.Source); err != nil {
			return nil, err
		}
		p.CurrentTokenAmount = nullFloat(amount)
		p.EntryPriceSol = nullFloat(priceSol)
		p.EntryPriceUsd = nullFloat(priceUsd)
		p.ExpectedNotionalUsd = nullFloat(notional)
		positions = append(positions, &p)
	}
	return positions, rows.Err()
}

// EnsureOpenPositionRun returns the tradeUuid of the open run for
// (walletID, mint), creating the run when none exists. The uuid is
// stable across monitor re-attachments and strategy changes.
func (d *DB) EnsureOpenPositionRun(ctx context.Context, walletID int64, mint string) (string, error) {
	var tradeUuid string
	err := d.db.QueryRowContext(ctx,
		`SELECT trade_uuid FROM positions WHERE wallet_id = ? AND mint = ? AND open = 1`,
		walletID, mint).Scan(&tradeUuid)
	if err == nil {
		return tradeUuid, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	tradeUuid = uuid.NewString()
	now := time.Now().Unix()
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO positions (wallet_id, mint, trade_uuid, opened_at, last_trade_at, source, open)
		VALUES (?, ?, ?, ?, ?, 'monitor', 1)`,
		walletID, mint, tradeUuid, now, now)
	if err != nil {
		return "", err
	}
	return tradeUuid, nil
}

// LoadCoin returns the coin record for a mint, or nil when absent.
func (d *DB) LoadCoin(ctx context.Context, mint string) (*CoinRecord, error) {
	var c CoinRecord
	var priceUsd, priceSol, mcap sql.NullFloat64
	err := d.db.QueryRowContext(ctx, `
		SELECT mint, symbol, name, price_usd, price_sol, market_cap_usd, last_updated
		FROM coins WHERE mint = ?`, mint).
		Scan(&c.Mint, &c.Symbol, &c.Name, &priceUsd, &priceSol, &mcap, &c.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.PriceUsd = nullFloat(priceUsd)
	c.PriceSol = nullFloat(priceSol)
	c.MarketCapUsd = nullFloat(mcap)
	return &c, nil
}

// LoadBestPool returns the deepest pool for a mint (liquidity first,
// recency breaks ties), or nil when the mint has no pools.
func (d *DB) LoadBestPool(ctx context.Context, mint string) (*PoolRecord, error) {
	var p PoolRecord
	var liq sql.NullFloat64
	err := d.db.QueryRowContext(ctx, `
		SELECT addr, mint, liquidity_usd, last_updated
		FROM pools WHERE mint = ?
		ORDER BY liquidity_usd DESC, last_updated DESC LIMIT 1`, mint).
		Scan(&p.Addr, &p.Mint, &liq, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.LiquidityUsd = nullFloat(liq)
	return &p, nil
}

// LoadEvents returns interval aggregates for a mint, keyed by interval.
// Missing intervals are simply absent from the map.
func (d *DB) LoadEvents(ctx context.Context, mint string, intervals []string) (map[string]*EventsRecord, error) {
	out := make(map[string]*EventsRecord, len(intervals))
	for _, interval := range intervals {
		var e EventsRecord
		var vol, change sql.NullFloat64
		err := d.db.QueryRowContext(ctx, `
			SELECT mint, interval, buys, sells, volume_usd, price_change_pct, last_updated
			FROM events WHERE mint = ? AND interval = ?`, mint, interval).
			Scan(&e.Mint, &e.Interval, &e.Buys, &e.Sells, &vol, &change, &e.LastUpdated)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		e.VolumeUsd = nullFloat(vol)
		e.PriceChangePct = nullFloat(change)
		out[interval] = &e
	}
	return out, nil
}

// LoadRisk returns the risk record for a mint, or nil when absent.
func (d *DB) LoadRisk(ctx context.Context, mint string) (*RiskRecord, error) {
	var r RiskRecord
	var score sql.NullFloat64
	var flags string
	err := d.db.QueryRowContext(ctx,
		`SELECT mint, score, flags, last_updated FROM risk WHERE mint = ?`, mint).
		Scan(&r.Mint, &score, &flags, &r.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Score = nullFloat(score)
	if flags != "" {
		r.Flags = strings.Split(flags, ",")
	}
	return &r, nil
}

// LoadPnl returns the pnl view for a trade run, or nil when absent.
func (d *DB) LoadPnl(ctx context.Context, tradeUuid string) (*PnlRecord, error) {
	var p PnlRecord
	var realized, unrealized, avgCost, amount sql.NullFloat64
	err := d.db.QueryRowContext(ctx, `
		SELECT trade_uuid, realized_usd, unrealized_usd, avg_cost_usd,
		       position_token_amount, last_updated
		FROM pnl WHERE trade_uuid = ?`, tradeUuid).
		Scan(&p.TradeUuid, &realized, &unrealized, &avgCost, &amount, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.RealizedUsd = nullFloat(realized)
	p.UnrealizedUsd = nullFloat(unrealized)
	p.AvgCostUsd = nullFloat(avgCost)
	p.PositionTokenAmount = nullFloat(amount)
	return &p, nil
}

// RecordTradeEvent persists a trade event through the single-writer
// entry point. Replays of the same (txid, mint) are ignored so the
// original pricing fields and wallet_alias are preserved.
func (d *DB) RecordTradeEvent(ctx context.Context, t *TradeEvent) error {
	d.tradeMu.Lock()
	defer d.tradeMu.Unlock()

	_, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades
		(txid, wallet_id, wallet_alias, mint, side, token_amount, sol_amount,
		 price_sol, price_usd, sol_usd_price, fees_sol, fees_usd,
		 slippage_pct, price_impact_pct, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Txid, t.WalletID, t.WalletAlias, t.Mint, t.Side, t.TokenAmount, t.SolAmount,
		floatArg(t.PriceSolPerToken), floatArg(t.PriceUsdPerToken), floatArg(t.SolUsdPrice),
		floatArg(t.FeesSol), floatArg(t.FeesUsd),
		floatArg(t.SlippagePct), floatArg(t.PriceImpactPct), t.ExecutedAt)
	return err
}

// GetTradeEvent fetches a persisted trade by (txid, mint).
func (d *DB) GetTradeEvent(ctx context.Context, txid, mint string) (*TradeEvent, error) {
	var t TradeEvent
	var priceSol, priceUsd, solUsd, feesSol, feesUsd, slip, impact sql.NullFloat64
	err := d.db.QueryRowContext(ctx, `
		SELECT id, txid, wallet_id, wallet_alias, mint, side, token_amount, sol_amount,
		       price_sol, price_usd, sol_usd_price, fees_sol, fees_usd,
		       slippage_pct, price_impact_pct, executed_at
		FROM trades WHERE txid = ? AND mint = ?`, txid, mint).
		Scan(&t.ID, &t.Txid, &t.WalletID, &t.WalletAlias, &t.Mint, &t.Side,
			&t.TokenAmount, &t.SolAmount, &priceSol, &priceUsd, &solUsd,
			&feesSol, &feesUsd, &slip, &impact, &t.ExecutedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.PriceSolPerToken = nullFloat(priceSol)
	t.PriceUsdPerToken = nullFloat(priceUsd)
	t.SolUsdPrice = nullFloat(solUsd)
	t.FeesSol = nullFloat(feesSol)
	t.FeesUsd = nullFloat(feesUsd)
	t.SlippagePct = nullFloat(slip)
	t.PriceImpactPct = nullFloat(impact)
	return &t, nil
}

// InsertEvaluation logs one evaluation tick (best-effort at call sites).
func (d *DB) InsertEvaluation(ctx context.Context, e *EvaluationRow) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO evaluations
		(wallet_alias, mint, trade_uuid, created_at, recommendation,
		 worst_severity, failed_count, snapshot_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.WalletAlias, e.Mint, e.TradeUuid, e.CreatedAt, e.Recommendation,
		e.WorstSeverity, e.FailedCount, e.SnapshotJSON)
	return err
}

// RecordSessionStart opens a session row for a controller.
func (d *DB) RecordSessionStart(ctx context.Context, walletAlias string) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO sessions (wallet_alias, started_at) VALUES (?, ?)`,
		walletAlias, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecordSessionStop closes a session row.
func (d *DB) RecordSessionStop(ctx context.Context, sessionID int64, reason string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE sessions SET stopped_at = ?, stop_reason = ? WHERE id = ?`,
		time.Now().Unix(), reason, sessionID)
	return err
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Now returns current Unix timestamp (helper)
func Now() int64 {
	return time.Now().Unix()
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func floatArg(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
