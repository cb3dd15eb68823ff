package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// VenueConfig 交易所接入配置
type VenueConfig struct {
	APIURL      string // REST 入口
	WSURL       string // WebSocket 入口（行情 + post 通道共用）
	WalletAddr  string // 主账户地址
	PrivateKey  string // 签名私钥（仅从环境变量加载，不落配置文件）
	Coin        string // 合约腿标的，例如 HYPE
	SpotPair    string // 现货腿标的，例如 HYPE/USDC
	SzDecimals  int    // 合约腿数量精度
	SpotSzDecimals int // 现货腿数量精度
}

// FeeConfig 费率配置（单位 bps）
type FeeConfig struct {
	PerpMakerBps float64
	PerpTakerBps float64
	SpotMakerBps float64
	SpotTakerBps float64
}

// StrategyConfig 策略参数
type StrategyConfig struct {
	ThresholdBps       float64 // 开仓边际阈值（bps）
	SpikeExtraBps      float64 // 超出该增量时改用 IOC 吃单开仓
	CloseEdgeBps       float64 // 边际衰减到该值以下触发平仓
	Leverage           float64 // 合约腿杠杆
	AllocUSD           float64 // 单笔目标名义金额（USD）
	MinNotionalUSD     float64 // 交易所最小名义金额（USD）
	MaxOpenPositions   int     // 同时持有的最大仓位数
	MaxTradesPerMinute int     // 滑动窗口内的最大开仓次数
	PositionTimeoutSec int     // 仓位最长持有时间（秒）
	DeadmanMs          int     // deadman 计划撤单延迟（毫秒）
	FailureCooldownSec int     // 开仓失败后的静默期（秒）
	DryRun             bool    // 纸交易模式：不提交真实订单
}

// CapitalConfig 资金管理参数
type CapitalConfig struct {
	SpotBufferPct      float64 // 现货腿资金安全垫（0.03 = 3%）
	PerpBufferPct      float64 // 合约腿保证金安全垫（0.05 = 5%）
	BalanceTTLMs       int     // 余额快照缓存时长（毫秒）
	RebalanceDeviation float64 // 自动再平衡触发偏差（0.20 = 20%）
	RebalanceCooldownSec int   // 再平衡冷却（秒）
	MinTransferUSD     float64 // 最小划转金额（USD）
}

// CloseConfig 平仓参数
type CloseConfig struct {
	MakerWaitSec   int // maker 平仓等待成交的最长时间（秒）
	PollIntervalSec int // maker 平仓挂单轮询间隔（秒）
}

// LedgerConfig 账本存储配置
type LedgerConfig struct {
	DBPath         string // sqlite 文件路径
	EdgeBufferSize int    // 边际批量写缓冲大小
	EdgeFlushMs    int    // 边际批量写刷新间隔（毫秒）
}

// Config 应用配置
type Config struct {
	Venue      VenueConfig
	Fees       FeeConfig
	Strategy   StrategyConfig
	Capital    CapitalConfig
	Close      CloseConfig
	Ledger     LedgerConfig
	RuntimeDir string // badger 运行时参数库目录
	HTTPAddr   string // 控制面监听地址
	DebugAddr  string // expvar/pprof 监听地址，空则不启用
	LogLevel   string
	LogFile    string
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return configFilePath
}

// ConfigFile 配置文件结构（YAML 解析）
type ConfigFile struct {
	Venue struct {
		APIURL         string `yaml:"api_url"`
		WSURL          string `yaml:"ws_url"`
		WalletAddr     string `yaml:"wallet_addr"`
		Coin           string `yaml:"coin"`
		SpotPair       string `yaml:"spot_pair"`
		SzDecimals     int    `yaml:"sz_decimals"`
		SpotSzDecimals int    `yaml:"spot_sz_decimals"`
	} `yaml:"venue"`
	Fees struct {
		PerpMakerBps float64 `yaml:"perp_maker_bps"`
		PerpTakerBps float64 `yaml:"perp_taker_bps"`
		SpotMakerBps float64 `yaml:"spot_maker_bps"`
		SpotTakerBps float64 `yaml:"spot_taker_bps"`
	} `yaml:"fees"`
	Strategy struct {
		ThresholdBps       *float64 `yaml:"threshold_bps"`
		SpikeExtraBps      *float64 `yaml:"spike_extra_bps"`
		CloseEdgeBps       *float64 `yaml:"close_edge_bps"`
		Leverage           *float64 `yaml:"leverage"`
		AllocUSD           *float64 `yaml:"alloc_usd"`
		MinNotionalUSD     *float64 `yaml:"min_notional_usd"`
		MaxOpenPositions   *int     `yaml:"max_open_positions"`
		MaxTradesPerMinute *int     `yaml:"max_trades_per_minute"`
		PositionTimeoutSec *int     `yaml:"position_timeout_sec"`
		DeadmanMs          *int     `yaml:"deadman_ms"`
		FailureCooldownSec *int     `yaml:"failure_cooldown_sec"`
		DryRun             *bool    `yaml:"dry_run"`
	} `yaml:"strategy"`
	Capital struct {
		SpotBufferPct        *float64 `yaml:"spot_buffer_pct"`
		PerpBufferPct        *float64 `yaml:"perp_buffer_pct"`
		BalanceTTLMs         *int     `yaml:"balance_ttl_ms"`
		RebalanceDeviation   *float64 `yaml:"rebalance_deviation"`
		RebalanceCooldownSec *int     `yaml:"rebalance_cooldown_sec"`
		MinTransferUSD       *float64 `yaml:"min_transfer_usd"`
	} `yaml:"capital"`
	Close struct {
		MakerWaitSec    *int `yaml:"maker_wait_sec"`
		PollIntervalSec *int `yaml:"poll_interval_sec"`
	} `yaml:"close"`
	Ledger struct {
		DBPath         string `yaml:"db_path"`
		EdgeBufferSize *int   `yaml:"edge_buffer_size"`
		EdgeFlushMs    *int   `yaml:"edge_flush_ms"`
	} `yaml:"ledger"`
	RuntimeDir string `yaml:"runtime_dir"`
	HTTPAddr   string `yaml:"http_addr"`
	DebugAddr  string `yaml:"debug_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFile    string `yaml:"log_file"`
}

// Load 加载配置（.env 优先加载进环境，再读配置文件）
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置
// 优先级：环境变量 > 配置文件 > 默认值
func LoadFromFile(filePath string) (*Config, error) {
	if globalConfig != nil && configFilePath == filePath {
		return globalConfig, nil
	}

	// .env 文件存在时载入（不覆盖已有环境变量）
	_ = godotenv.Load()

	var cf *ConfigFile
	if filePath != "" {
		var err error
		cf, err = loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}

	config := &Config{
		Venue: VenueConfig{
			APIURL:         pickString(getEnv("ARB_API_URL", ""), cfString(cf, func(c *ConfigFile) string { return c.Venue.APIURL }), "https://api.hyperliquid.xyz"),
			WSURL:          pickString(getEnv("ARB_WS_URL", ""), cfString(cf, func(c *ConfigFile) string { return c.Venue.WSURL }), "wss://api.hyperliquid.xyz/ws"),
			WalletAddr:     pickString(getEnv("ARB_WALLET_ADDR", ""), cfString(cf, func(c *ConfigFile) string { return c.Venue.WalletAddr }), ""),
			PrivateKey:     getEnv("ARB_PRIVATE_KEY", ""),
			Coin:           pickString(getEnv("ARB_COIN", ""), cfString(cf, func(c *ConfigFile) string { return c.Venue.Coin }), "HYPE"),
			SpotPair:       pickString(getEnv("ARB_SPOT_PAIR", ""), cfString(cf, func(c *ConfigFile) string { return c.Venue.SpotPair }), "HYPE/USDC"),
			SzDecimals:     pickInt(parseIntEnv("ARB_SZ_DECIMALS", 0), cfIntRaw(cf, func(c *ConfigFile) int { return c.Venue.SzDecimals }), 2),
			SpotSzDecimals: pickInt(parseIntEnv("ARB_SPOT_SZ_DECIMALS", 0), cfIntRaw(cf, func(c *ConfigFile) int { return c.Venue.SpotSzDecimals }), 2),
		},
		Fees: FeeConfig{
			PerpMakerBps: pickFloat(parseFloatEnv("ARB_PERP_MAKER_BPS", 0), cfFloatRaw(cf, func(c *ConfigFile) float64 { return c.Fees.PerpMakerBps }), 1.5),
			PerpTakerBps: pickFloat(parseFloatEnv("ARB_PERP_TAKER_BPS", 0), cfFloatRaw(cf, func(c *ConfigFile) float64 { return c.Fees.PerpTakerBps }), 4.5),
			SpotMakerBps: pickFloat(parseFloatEnv("ARB_SPOT_MAKER_BPS", 0), cfFloatRaw(cf, func(c *ConfigFile) float64 { return c.Fees.SpotMakerBps }), 4.0),
			SpotTakerBps: pickFloat(parseFloatEnv("ARB_SPOT_TAKER_BPS", 0), cfFloatRaw(cf, func(c *ConfigFile) float64 { return c.Fees.SpotTakerBps }), 7.0),
		},
		Strategy: StrategyConfig{
			ThresholdBps:       cfFloat(cf, func(c *ConfigFile) *float64 { return c.Strategy.ThresholdBps }, parseFloatEnv("ARB_THRESHOLD_BPS", 3.0)),
			SpikeExtraBps:      cfFloat(cf, func(c *ConfigFile) *float64 { return c.Strategy.SpikeExtraBps }, parseFloatEnv("ARB_SPIKE_EXTRA_BPS", 7.0)),
			CloseEdgeBps:       cfFloat(cf, func(c *ConfigFile) *float64 { return c.Strategy.CloseEdgeBps }, parseFloatEnv("ARB_CLOSE_EDGE_BPS", 0.5)),
			Leverage:           cfFloat(cf, func(c *ConfigFile) *float64 { return c.Strategy.Leverage }, parseFloatEnv("ARB_LEVERAGE", 3.0)),
			AllocUSD:           cfFloat(cf, func(c *ConfigFile) *float64 { return c.Strategy.AllocUSD }, parseFloatEnv("ARB_ALLOC_USD", 10.0)),
			MinNotionalUSD:     cfFloat(cf, func(c *ConfigFile) *float64 { return c.Strategy.MinNotionalUSD }, parseFloatEnv("ARB_MIN_NOTIONAL_USD", 10.0)),
			MaxOpenPositions:   cfInt(cf, func(c *ConfigFile) *int { return c.Strategy.MaxOpenPositions }, parseIntEnv("ARB_MAX_OPEN_POSITIONS", 2)),
			MaxTradesPerMinute: cfInt(cf, func(c *ConfigFile) *int { return c.Strategy.MaxTradesPerMinute }, parseIntEnv("ARB_MAX_TRADES_PER_MINUTE", 3)),
			PositionTimeoutSec: cfInt(cf, func(c *ConfigFile) *int { return c.Strategy.PositionTimeoutSec }, parseIntEnv("ARB_POSITION_TIMEOUT_SEC", 300)),
			DeadmanMs:          cfInt(cf, func(c *ConfigFile) *int { return c.Strategy.DeadmanMs }, parseIntEnv("ARB_DEADMAN_MS", 5000)),
			FailureCooldownSec: cfInt(cf, func(c *ConfigFile) *int { return c.Strategy.FailureCooldownSec }, parseIntEnv("ARB_FAILURE_COOLDOWN_SEC", 60)),
			DryRun:             cfBool(cf, func(c *ConfigFile) *bool { return c.Strategy.DryRun }, parseBoolEnv("ARB_DRY_RUN", false)),
		},
		Capital: CapitalConfig{
			SpotBufferPct:        cfFloat(cf, func(c *ConfigFile) *float64 { return c.Capital.SpotBufferPct }, parseFloatEnv("ARB_SPOT_BUFFER_PCT", 0.03)),
			PerpBufferPct:        cfFloat(cf, func(c *ConfigFile) *float64 { return c.Capital.PerpBufferPct }, parseFloatEnv("ARB_PERP_BUFFER_PCT", 0.05)),
			BalanceTTLMs:         cfInt(cf, func(c *ConfigFile) *int { return c.Capital.BalanceTTLMs }, parseIntEnv("ARB_BALANCE_TTL_MS", 1000)),
			RebalanceDeviation:   cfFloat(cf, func(c *ConfigFile) *float64 { return c.Capital.RebalanceDeviation }, parseFloatEnv("ARB_REBALANCE_DEVIATION", 0.20)),
			RebalanceCooldownSec: cfInt(cf, func(c *ConfigFile) *int { return c.Capital.RebalanceCooldownSec }, parseIntEnv("ARB_REBALANCE_COOLDOWN_SEC", 60)),
			MinTransferUSD:       cfFloat(cf, func(c *ConfigFile) *float64 { return c.Capital.MinTransferUSD }, parseFloatEnv("ARB_MIN_TRANSFER_USD", 5.0)),
		},
		Close: CloseConfig{
			MakerWaitSec:    cfInt(cf, func(c *ConfigFile) *int { return c.Close.MakerWaitSec }, parseIntEnv("ARB_CLOSE_MAKER_WAIT_SEC", 900)),
			PollIntervalSec: cfInt(cf, func(c *ConfigFile) *int { return c.Close.PollIntervalSec }, parseIntEnv("ARB_CLOSE_POLL_INTERVAL_SEC", 5)),
		},
		Ledger: LedgerConfig{
			DBPath:         pickString(getEnv("ARB_DB_PATH", ""), cfString(cf, func(c *ConfigFile) string { return c.Ledger.DBPath }), "data/arb.db"),
			EdgeBufferSize: cfInt(cf, func(c *ConfigFile) *int { return c.Ledger.EdgeBufferSize }, parseIntEnv("ARB_EDGE_BUFFER_SIZE", 100)),
			EdgeFlushMs:    cfInt(cf, func(c *ConfigFile) *int { return c.Ledger.EdgeFlushMs }, parseIntEnv("ARB_EDGE_FLUSH_MS", 1000)),
		},
		RuntimeDir: pickString(getEnv("ARB_RUNTIME_DIR", ""), cfString(cf, func(c *ConfigFile) string { return c.RuntimeDir }), "data/runtime"),
		HTTPAddr:   pickString(getEnv("ARB_HTTP_ADDR", ""), cfString(cf, func(c *ConfigFile) string { return c.HTTPAddr }), ":8787"),
		DebugAddr:  pickString(getEnv("ARB_DEBUG_ADDR", ""), cfString(cf, func(c *ConfigFile) string { return c.DebugAddr }), ""),
		LogLevel:   pickString(getEnv("LOG_LEVEL", ""), cfString(cf, func(c *ConfigFile) string { return c.LogLevel }), "info"),
		LogFile:    pickString(getEnv("LOG_FILE", ""), cfString(cf, func(c *ConfigFile) string { return c.LogFile }), "logs/arb.log"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	globalConfig = config
	configFilePath = filePath
	return config, nil
}

// loadConfigFile 加载 YAML 配置文件
func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cf ConfigFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
	}
	return &cf, nil
}

// Get 获取全局配置（如果已加载）
func Get() *Config {
	return globalConfig
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Venue.Coin == "" {
		return fmt.Errorf("ARB_COIN 未配置")
	}
	if c.Venue.SpotPair == "" {
		return fmt.Errorf("ARB_SPOT_PAIR 未配置")
	}
	if c.Strategy.ThresholdBps <= 0 {
		return fmt.Errorf("threshold_bps 必须大于 0")
	}
	if c.Strategy.Leverage < 1 {
		return fmt.Errorf("leverage 必须不小于 1")
	}
	if c.Strategy.AllocUSD <= 0 {
		return fmt.Errorf("alloc_usd 必须大于 0")
	}
	if c.Strategy.MinNotionalUSD <= 0 {
		return fmt.Errorf("min_notional_usd 必须大于 0")
	}
	if c.Strategy.MaxTradesPerMinute <= 0 {
		return fmt.Errorf("max_trades_per_minute 必须大于 0")
	}
	if c.Strategy.MaxOpenPositions <= 0 {
		return fmt.Errorf("max_open_positions 必须大于 0")
	}
	if c.Capital.SpotBufferPct < 0 || c.Capital.SpotBufferPct >= 1 {
		return fmt.Errorf("spot_buffer_pct 必须在 0 到 1 之间")
	}
	if c.Capital.PerpBufferPct < 0 || c.Capital.PerpBufferPct >= 1 {
		return fmt.Errorf("perp_buffer_pct 必须在 0 到 1 之间")
	}
	if c.Close.PollIntervalSec <= 0 {
		return fmt.Errorf("close.poll_interval_sec 必须大于 0")
	}
	return nil
}

// pickString 依次返回第一个非空字符串
func pickString(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// pickInt 依次返回第一个非零整数
func pickInt(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

// pickFloat 依次返回第一个非零浮点数
func pickFloat(values ...float64) float64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

// cfString 安全读取配置文件中的字符串字段
func cfString(cf *ConfigFile, getter func(*ConfigFile) string) string {
	if cf == nil {
		return ""
	}
	return getter(cf)
}

// cfIntRaw 安全读取配置文件中的整数字段（零值视为未设置）
func cfIntRaw(cf *ConfigFile, getter func(*ConfigFile) int) int {
	if cf == nil {
		return 0
	}
	return getter(cf)
}

// cfFloatRaw 安全读取配置文件中的浮点字段（零值视为未设置）
func cfFloatRaw(cf *ConfigFile, getter func(*ConfigFile) float64) float64 {
	if cf == nil {
		return 0
	}
	return getter(cf)
}

// cfInt 读取可选整数字段，nil 时回退默认值
// 指针字段让配置文件可以显式写 0
func cfInt(cf *ConfigFile, getter func(*ConfigFile) *int, fallback int) int {
	if cf != nil {
		if v := getter(cf); v != nil {
			return *v
		}
	}
	return fallback
}

// cfFloat 读取可选浮点字段，nil 时回退默认值
func cfFloat(cf *ConfigFile, getter func(*ConfigFile) *float64, fallback float64) float64 {
	if cf != nil {
		if v := getter(cf); v != nil {
			return *v
		}
	}
	return fallback
}

// cfBool 读取可选布尔字段，nil 时回退默认值
func cfBool(cf *ConfigFile, getter func(*ConfigFile) *bool, fallback bool) bool {
	if cf != nil {
		if v := getter(cf); v != nil {
			return *v
		}
	}
	return fallback
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
