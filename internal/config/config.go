// Package config loads warchest.yaml with env overrides and hot
// reload.
package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all daemon configuration
type Config struct {
	RPC        RPCConfig        `mapstructure:"rpc"`
	Data       DataConfig       `mapstructure:"data"`
	SwapEngine SwapEngineConfig `mapstructure:"swap_engine"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	SellOps    SellOpsConfig    `mapstructure:"sellops"`
	Strategies StrategiesConfig `mapstructure:"strategies"`
	Hud        HudConfig        `mapstructure:"hud"`
	Ops        OpsConfig        `mapstructure:"ops"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
}

type RPCConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	FallbackURL string `mapstructure:"fallback_url"`
	APIKeyEnv   string `mapstructure:"api_key_env"`
}

type DataConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type SwapEngineConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
	StatusDir  string `mapstructure:"status_dir"`
	PayloadDir string `mapstructure:"payload_dir"`
}

type EvaluationConfig struct {
	ObserveOnly         bool     `mapstructure:"observe_only"`
	EventIntervals      []string `mapstructure:"event_intervals"`
	IncludeChartCandles bool     `mapstructure:"include_chart_candles"`
	CoinFreshnessSec    int      `mapstructure:"coin_freshness_sec"`
	RiskFreshnessSec    int      `mapstructure:"risk_freshness_sec"`
	LookbackHours       int      `mapstructure:"lookback_hours"`
	VwapPeriods         int      `mapstructure:"vwap_periods"`
	SlowIntervalSeconds int      `mapstructure:"slow_interval_seconds"`
	FastIntervalSeconds int      `mapstructure:"fast_interval_seconds"`
}

type MonitorConfig struct {
	PollAttempts   int `mapstructure:"poll_attempts"`
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	RetryAttempts  int `mapstructure:"retry_attempts"`
	TimeoutMs      int `mapstructure:"timeout_ms"`
}

type SellOpsConfig struct {
	PriceMaxAgeSeconds  int `mapstructure:"price_max_age_seconds"`
	HeartbeatGapSeconds int `mapstructure:"heartbeat_gap_seconds"`
}

type StrategiesConfig struct {
	Dir string `mapstructure:"dir"` // overrides the embedded documents
}

type HudConfig struct {
	RenderIntervalMs int    `mapstructure:"render_interval_ms"`
	SolRefreshSec    int    `mapstructure:"sol_refresh_sec"`
	TokensRefreshSec int    `mapstructure:"tokens_refresh_sec"`
	MaxTx            int    `mapstructure:"max_tx"`
	MaxLogs          int    `mapstructure:"max_logs"`
	EmitThrottleMs   int    `mapstructure:"emit_throttle_ms"`
	ExplorerBaseURL  string `mapstructure:"explorer_base_url"`
}

type OpsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"` // empty = disabled
}

type WebSocketConfig struct {
	URL              string `mapstructure:"url"`
	ReconnectDelayMs int    `mapstructure:"reconnect_delay_ms"`
	PingIntervalMs   int    `mapstructure:"ping_interval_ms"`
}

// Manager handles config loading and hot-reload
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// envBindings maps recognised environment variables onto config keys.
var envBindings = map[string]string{
	"rpc.endpoint":           "WARCHEST_RPC_ENDPOINT",
	"data.endpoint":          "WARCHEST_DATA_ENDPOINT",
	"storage.sqlite_path":    "WARCHEST_BOOTYBOX_PATH",
	"hud.render_interval_ms": "HUD_RENDER_INTERVAL_MS",
	"hud.sol_refresh_sec":    "HUD_SOL_REFRESH_SEC",
	"hud.tokens_refresh_sec": "HUD_TOKENS_REFRESH_SEC",
	"hud.max_tx":             "WARCHEST_HUD_MAX_TX",
	"hud.max_logs":           "WARCHEST_HUD_MAX_LOGS",
	"hud.emit_throttle_ms":   "WARCHEST_HUD_EMIT_THROTTLE_MS",
	"hud.explorer_base_url":  "SOLANA_EXPLORER_BASE_URL",
}

// NewManager creates a config manager. A missing file is fine: env
// vars and defaults carry a full configuration.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	haveFile := true
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file") {
			haveFile = false
			log.Debug().Str("file", configPath).Msg("config file absent, using defaults")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	m := &Manager{config: &cfg, viper: v}

	if haveFile {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Info().Str("file", e.Name).Msg("config file changed, reloading")
			m.reload()
		})
	}
	return m, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.endpoint", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc.fallback_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc.api_key_env", "WARCHEST_RPC_API_KEY")
	v.SetDefault("data.timeout_seconds", 10)
	v.SetDefault("swap_engine.timeout_seconds", 30)
	v.SetDefault("storage.sqlite_path", "./data/bootybox.db")
	v.SetDefault("storage.status_dir", "./data")
	v.SetDefault("storage.payload_dir", "./data/jobs")
	// Observe-only is the safe default: the daemon watches and
	// recommends but never submits sells until explicitly enabled.
	v.SetDefault("evaluation.observe_only", true)
	v.SetDefault("evaluation.event_intervals", []string{"5m", "15m", "1h"})
	v.SetDefault("evaluation.include_chart_candles", false)
	v.SetDefault("evaluation.coin_freshness_sec", 120)
	v.SetDefault("evaluation.risk_freshness_sec", 600)
	v.SetDefault("evaluation.lookback_hours", 6)
	v.SetDefault("evaluation.vwap_periods", 48)
	v.SetDefault("evaluation.slow_interval_seconds", 60)
	v.SetDefault("evaluation.fast_interval_seconds", 5)
	v.SetDefault("monitor.poll_attempts", 40)
	v.SetDefault("monitor.poll_interval_ms", 1500)
	v.SetDefault("monitor.retry_attempts", 3)
	v.SetDefault("monitor.timeout_ms", 120000)
	v.SetDefault("sellops.price_max_age_seconds", 15)
	v.SetDefault("sellops.heartbeat_gap_seconds", 15)
	v.SetDefault("hud.render_interval_ms", 250)
	v.SetDefault("hud.sol_refresh_sec", 30)
	v.SetDefault("hud.tokens_refresh_sec", 60)
	v.SetDefault("hud.max_tx", 10)
	v.SetDefault("hud.max_logs", 5)
	v.SetDefault("hud.emit_throttle_ms", 100)
	v.SetDefault("hud.explorer_base_url", "https://solscan.io")
	v.SetDefault("websocket.reconnect_delay_ms", 3000)
	v.SetDefault("websocket.ping_interval_ms", 20000)
}

// Get returns the current config (thread-safe)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback for config changes
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// APIKey resolves the RPC API key from the configured env var.
func (m *Manager) APIKey() string {
	return os.Getenv(m.Get().RPC.APIKeyEnv)
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// FastInterval clamps the fast loop period to at least one second.
func (c *Config) FastInterval() time.Duration {
	sec := c.Evaluation.FastIntervalSeconds
	if sec < 1 {
		sec = 1
	}
	return time.Duration(sec) * time.Second
}
