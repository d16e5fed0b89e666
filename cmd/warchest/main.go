package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-warchest/internal/blockchain"
	"solana-warchest/internal/chart"
	"solana-warchest/internal/config"
	"solana-warchest/internal/evaluation"
	"solana-warchest/internal/health"
	"solana-warchest/internal/hub"
	"solana-warchest/internal/hud"
	"solana-warchest/internal/monitor"
	"solana-warchest/internal/ops"
	"solana-warchest/internal/sellops"
	"solana-warchest/internal/storage"
	"solana-warchest/internal/strategy"
	"solana-warchest/internal/swap"
	"solana-warchest/internal/token"
	"solana-warchest/internal/wallet"
)

// walletFlags collects repeatable --wallet alias:pubkey[:color] specs.
type walletFlags []string

func (w *walletFlags) String() string { return strings.Join(*w, ",") }

func (w *walletFlags) Set(v string) error {
	*w = append(*w, v)
	return nil
}

func main() {
	// Detached workers re-exec this binary with an internal
	// subcommand; handle it before anything else.
	if len(os.Args) > 1 && os.Args[1] == "__detached" {
		os.Exit(runDetached(os.Args[2:]))
	}

	_ = godotenv.Load()

	var wallets walletFlags
	hudMode := flag.Bool("hud", false, "run the foreground HUD renderer")
	followHub := flag.Bool("follow-hub", true, "HUD follows the daemon's event files")
	noFollowHub := flag.Bool("no-follow-hub", false, "disable hub following in HUD mode")
	hubEvents := flag.String("hub-events", "", "path to the HUD event file (default <statusDir>/tx-events.json)")
	hudState := flag.String("hud-state", "", "path to the status file (default <statusDir>/status.json)")
	configPath := flag.String("config", "config/warchest.yaml", "path to the YAML config")
	flag.Var(&wallets, "wallet", "managed wallet as alias:pubkey[:color] (repeatable)")
	flag.Parse()

	setupLogger(*hudMode)

	mgr, err := config.NewManager(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	cfg := mgr.Get()

	eventsPath := *hubEvents
	if eventsPath == "" {
		eventsPath = cfg.Storage.StatusDir + "/tx-events.json"
	}
	statusPath := *hudState
	if statusPath == "" {
		statusPath = cfg.Storage.StatusDir + "/status.json"
	}

	if *hudMode {
		if *noFollowHub || !*followHub {
			log.Fatal().Msg("HUD mode requires following the hub files")
		}
		follower := hud.NewFollower(eventsPath, statusPath)
		if err := hud.Run(follower, cfg.Hud.MaxTx, cfg.Hud.RenderIntervalMs); err != nil {
			os.Exit(1)
		}
		return
	}

	if len(wallets) == 0 {
		log.Fatal().Msg("at least one --wallet alias:pubkey is required")
	}

	banner()
	if err := runDaemon(mgr, wallets); err != nil {
		log.Fatal().Err(err).Msg("daemon bootstrap failed")
	}
}

func runDaemon(mgr *config.Manager, walletArgs []string) error {
	cfg := mgr.Get()
	ctx := context.Background()

	db, err := storage.NewDB(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	specs := make([]*wallet.Spec, 0, len(walletArgs))
	ids := make([]string, 0, len(walletArgs))
	for _, arg := range walletArgs {
		spec, err := wallet.ParseSpec(arg)
		if err != nil {
			return err
		}
		if err := wallet.Resolve(ctx, db, spec); err != nil {
			return err
		}
		specs = append(specs, spec)
		ids = append(ids, strconv.FormatInt(spec.WalletID, 10))
	}
	// Propagated to detached worker processes.
	os.Setenv("WARCHEST_WALLET_IDS", strings.Join(ids, ","))

	strategies, err := strategy.Load(cfg.Strategies.Dir)
	if err != nil {
		return err
	}

	rpcClient := blockchain.NewRPCClient(cfg.RPC.Endpoint, cfg.RPC.FallbackURL, mgr.APIKey())

	var wsClient *blockchain.WSClient
	if cfg.WebSocket.URL != "" {
		wsClient = blockchain.NewWSClient(cfg.WebSocket.URL,
			time.Duration(cfg.WebSocket.ReconnectDelayMs)*time.Millisecond,
			time.Duration(cfg.WebSocket.PingIntervalMs)*time.Millisecond)
		if err := wsClient.Connect(); err != nil {
			log.Warn().Err(err).Msg("websocket connect failed, monitors poll only")
			wsClient = nil
		}
	}

	charts := chart.NewClient(cfg.Data.Endpoint, time.Duration(cfg.Data.TimeoutSeconds)*time.Second)
	swapClient := swap.NewClient(cfg.SwapEngine.Endpoint, time.Duration(cfg.SwapEngine.TimeoutSeconds)*time.Second)
	entryPrices := token.NewEntryPriceRecoverer(chartPriceSource{charts})

	coordinator := hub.New(cfg.Storage.PayloadDir, true)
	publisher := hub.NewPublisher(cfg.Storage.StatusDir)

	monitorCfg := monitor.Config{
		PollAttempts:    cfg.Monitor.PollAttempts,
		PollInterval:    time.Duration(cfg.Monitor.PollIntervalMs) * time.Millisecond,
		Retry:           blockchain.RetryPolicy{Attempts: cfg.Monitor.RetryAttempts, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second, Multiplier: 2},
		ExplorerBaseURL: cfg.Hud.ExplorerBaseURL,
	}
	var subscriber monitor.Subscriber
	if wsClient != nil {
		subscriber = wsClient
	}
	txMonitor := monitor.New(rpcClient, subscriber, db, publisher, monitorCfg)

	coordinator.RegisterWorker(hub.CommandTxMonitor, func(ctx context.Context, payload interface{}) (interface{}, error) {
		job, err := decodeMonitorJob(payload)
		if err != nil {
			return nil, err
		}
		return txMonitor.Run(ctx, *job)
	})
	coordinator.RegisterWorker(hub.CommandSwap, func(ctx context.Context, payload interface{}) (interface{}, error) {
		req, ok := payload.(swap.Request)
		if !ok {
			return nil, fmt.Errorf("swap worker: unexpected payload %T", payload)
		}
		return swapClient.Execute(ctx, req)
	})

	evalCfg := evaluation.DefaultConfig()
	evalCfg.EventIntervals = cfg.Evaluation.EventIntervals
	evalCfg.CoinFreshness = time.Duration(cfg.Evaluation.CoinFreshnessSec) * time.Second
	evalCfg.PoolFreshness = evalCfg.CoinFreshness
	evalCfg.EventsFreshness = evalCfg.CoinFreshness
	evalCfg.RiskFreshness = time.Duration(cfg.Evaluation.RiskFreshnessSec) * time.Second
	evalCfg.LookbackMs = int64(cfg.Evaluation.LookbackHours) * 3600 * 1000
	evalCfg.Indicators.VwapPeriods = cfg.Evaluation.VwapPeriods
	evalCfg.IncludeCandles = cfg.Evaluation.IncludeChartCandles
	evalCfg.ObserveOnly = cfg.Evaluation.ObserveOnly
	engine := evaluation.NewEngine(db, charts, strategies, evalCfg)

	controllers := make([]*sellops.Controller, 0, len(specs))
	ctrlCfg := sellops.Config{
		SlowInterval:    time.Duration(cfg.Evaluation.SlowIntervalSeconds) * time.Second,
		FastInterval:    mgr.Get().FastInterval(),
		HeartbeatMinGap: time.Duration(cfg.SellOps.HeartbeatGapSeconds) * time.Second,
		PriceMaxAge:     time.Duration(cfg.SellOps.PriceMaxAgeSeconds) * time.Second,
		ObserveOnly:     cfg.Evaluation.ObserveOnly,
		MonitorTimeout:  time.Duration(cfg.Monitor.TimeoutMs) * time.Millisecond,
	}
	for _, spec := range specs {
		trader := sellops.NewHubTrader(coordinator, spec.Pubkey, spec.WalletID, ctrlCfg.MonitorTimeout)
		autopsy := &evaluationAutopsy{db: db, publisher: publisher, alias: spec.Alias, entryPrices: entryPrices}
		ctrl := sellops.NewController(spec, db, engine, charts, trader, autopsy, publisher, strategies, ctrlCfg)
		controllers = append(controllers, ctrl)
	}

	// Hot reload: the observe gate is the one knob safe to flip while
	// loops are running. Everything else applies on restart.
	mgr.SetOnChange(func(next *config.Config) {
		engine.SetObserveOnly(next.Evaluation.ObserveOnly)
		for _, ctrl := range controllers {
			ctrl.SetObserveOnly(next.Evaluation.ObserveOnly)
		}
		log.Info().Bool("observeOnly", next.Evaluation.ObserveOnly).Msg("config reloaded, observe gate applied")
	})

	checker := health.NewChecker(wsProbe{wsClient}, rpcClient, func() []health.WalletHealth {
		out := make([]health.WalletHealth, 0, len(specs))
		for _, spec := range specs {
			positions, err := db.LoadOpenPositions(ctx, spec.WalletID)
			if err != nil {
				continue
			}
			out = append(out, health.WalletHealth{Alias: spec.Alias, OpenPositions: len(positions)})
		}
		return out
	})

	var opsServer *ops.Server
	if cfg.Ops.ListenAddr != "" {
		opsServer = ops.NewServer(cfg.Ops.ListenAddr, checker)
		go func() {
			if err := opsServer.Start(); err != nil {
				log.Warn().Err(err).Msg("ops server stopped")
			}
		}()
	}

	// Session bookkeeping and status heartbeat.
	sessionIDs := make(map[string]int64, len(specs))
	for _, spec := range specs {
		if id, err := db.RecordSessionStart(ctx, spec.Alias); err == nil {
			sessionIDs[spec.Alias] = id
		}
	}
	statusDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-statusDone:
				return
			case <-ticker.C:
				publisher.PublishStatus(checker.Report())
			}
		}
	}()

	// Shutdown order: fast/slow loops, then clients, then the store.
	coordinator.RegisterCleanup(func() {
		for _, ctrl := range controllers {
			ctrl.Stop("shutdown_signal")
		}
	})
	coordinator.RegisterCleanup(func() {
		close(statusDone)
		if opsServer != nil {
			_ = opsServer.Shutdown()
		}
		if wsClient != nil {
			wsClient.Close()
		}
	})
	coordinator.RegisterCleanup(func() {
		for alias, id := range sessionIDs {
			if err := db.RecordSessionStop(context.Background(), id, "shutdown"); err != nil {
				log.Warn().Err(err).Str("wallet", alias).Msg("session stop persist failed")
			}
		}
		_ = db.Close()
	})

	log.Info().Int("wallets", len(specs)).Bool("observeOnly", cfg.Evaluation.ObserveOnly).Msg("🚀 warchest daemon started")

	var wg sync.WaitGroup
	for _, ctrl := range controllers {
		wg.Add(1)
		go func(c *sellops.Controller) {
			defer wg.Done()
			res := c.Run(ctx)
			log.Info().Str("stopReason", res.StopReason).Msg("controller finished")
		}(ctrl)
	}
	wg.Wait()

	coordinator.RunCleanups()
	log.Info().Msg("goodbye 👋")
	return nil
}

// runDetached executes one recovered monitor job in a sibling process.
func runDetached(args []string) int {
	setupLogger(false)

	fs := flag.NewFlagSet("__detached", flag.ContinueOnError)
	payloadFile := fs.String("payload", "", "job payload file")
	if err := fs.Parse(args); err != nil || *payloadFile == "" {
		log.Error().Msg("detached worker needs --payload")
		return 1
	}

	raw, err := os.ReadFile(*payloadFile)
	if err != nil {
		log.Error().Err(err).Msg("payload read failed")
		return 1
	}
	var doc struct {
		Command string          `json:"command"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Error().Err(err).Msg("payload decode failed")
		return 1
	}
	if doc.Command != string(hub.CommandTxMonitor) {
		log.Error().Str("command", doc.Command).Msg("unsupported detached command")
		return 1
	}

	var job monitor.Job
	if err := json.Unmarshal(doc.Payload, &job); err != nil {
		log.Error().Err(err).Msg("job decode failed")
		return 1
	}

	mgr, err := config.NewManager("config/warchest.yaml")
	if err != nil {
		log.Error().Err(err).Msg("config load failed")
		return 1
	}
	cfg := mgr.Get()

	db, err := storage.NewDB(cfg.Storage.SQLitePath)
	if err != nil {
		log.Error().Err(err).Msg("store open failed")
		return 1
	}
	defer db.Close()

	rpcClient := blockchain.NewRPCClient(cfg.RPC.Endpoint, cfg.RPC.FallbackURL, mgr.APIKey())
	publisher := hub.NewPublisher(cfg.Storage.StatusDir)
	mon := monitor.New(rpcClient, nil, db, publisher, monitor.Config{
		PollAttempts:    cfg.Monitor.PollAttempts,
		PollInterval:    time.Duration(cfg.Monitor.PollIntervalMs) * time.Millisecond,
		Retry:           blockchain.DefaultRetryPolicy(),
		ExplorerBaseURL: cfg.Hud.ExplorerBaseURL,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Monitor.TimeoutMs)*time.Millisecond)
	defer cancel()
	if _, err := mon.Run(ctx, job); err != nil {
		log.Error().Err(err).Str("txid", job.Txid).Msg("detached monitor failed")
		return 1
	}
	_ = os.Remove(*payloadFile)
	return 0
}

// decodeMonitorJob tolerates typed and JSON-generic payloads.
func decodeMonitorJob(payload interface{}) (*monitor.Job, error) {
	switch v := payload.(type) {
	case monitor.Job:
		return &v, nil
	case *monitor.Job:
		return v, nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("monitor worker: encode payload: %w", err)
		}
		var job monitor.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return nil, fmt.Errorf("monitor worker: decode payload: %w", err)
		}
		return &job, nil
	}
}

// chartPriceSource adapts the chart client to the token package.
type chartPriceSource struct {
	charts *chart.Client
}

func (s chartPriceSource) Prices(ctx context.Context, mints []string) (map[string]token.PricePoint, error) {
	points, err := s.charts.Prices(ctx, mints)
	if err != nil {
		return nil, err
	}
	out := make(map[string]token.PricePoint, len(points))
	for mint, p := range points {
		out[mint] = token.PricePoint{Mint: p.Mint, PriceUsd: p.PriceUsd, UpdatedAt: p.UpdatedAt}
	}
	return out, nil
}

// wsProbe adapts an optional WS client to the health checker.
type wsProbe struct {
	ws *blockchain.WSClient
}

func (p wsProbe) Connected() bool {
	return p.ws != nil && p.ws.Connected()
}

// evaluationAutopsy records the final trade event view for a closed
// run. Best-effort by contract.
type evaluationAutopsy struct {
	db          *storage.DB
	publisher   *hub.Publisher
	alias       string
	entryPrices *token.EntryPriceRecoverer
}

func (a *evaluationAutopsy) Run(ctx context.Context, tradeUuid string, last *storage.PositionSummary) error {
	pnl, err := a.db.LoadPnl(ctx, tradeUuid)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"tradeUuid": tradeUuid,
		"mint":      last.Mint,
		"pnl":       pnl,
		"closedAt":  time.Now().UnixMilli(),
	}
	if pnl == nil {
		// No PnL row survived the close; record a best-effort mark so
		// the autopsy still carries a price reference.
		if mark, err := a.entryPrices.Recover(ctx, last.Mint, ""); err == nil && mark > 0 {
			payload["lastMarkUsd"] = mark
		}
	}
	a.publisher.PublishHudEvent(hud.Event{
		Status:         "autopsy",
		StatusCategory: "unknown",
		Context:        hud.EventContext{Wallet: a.alias, Mint: last.Mint},
		Insight:        payload,
		ObservedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	})
	return nil
}

func setupLogger(hudMode bool) {
	if hudMode {
		// The renderer owns the terminal; logs go to a file.
		logFile, err := os.OpenFile("warchest-hud.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Logger = zerolog.Nop()
		} else {
			log.Logger = zerolog.New(logFile).With().Timestamp().Logger()
		}
	} else {
		log.Logger = zerolog.New(
			zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
		).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func banner() {
	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Fprintln(os.Stderr, "⚔️  warchest - autonomous trade management")
}
