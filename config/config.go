package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// Config es la configuración completa del agente.
type Config struct {
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Exposure   ExposureConfig   `yaml:"exposure"`
	Venues     []VenueConfig    `yaml:"venues"`
	Polymarket PolymarketConfig `yaml:"polymarket"`
	Estimator  EstimatorConfig  `yaml:"estimator"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Log        LogConfig        `yaml:"log"`
}

// LifecycleConfig son los umbrales de salida y las cadencias de los loops.
type LifecycleConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds"` // poll pass

	FundingTimeoutHours  float64 `yaml:"funding_timeout_hours"`
	FundingRateDropRatio float64 `yaml:"funding_rate_drop_ratio"`

	SpreadTimeoutMinutes float64 `yaml:"spread_timeout_minutes"`
	SpreadCloseBelowPct  float64 `yaml:"spread_close_below_pct"` // en % (0.03 = 0.03%)
	SpreadProfitTakePct  float64 `yaml:"spread_profit_take_pct"`

	ReevalTrigger         float64 `yaml:"reeval_trigger"`  // movimiento relativo (0.05 = 5%)
	ReevalMinEdge         float64 `yaml:"reeval_min_edge"` // por debajo se vende
	ReevalAlertEdge       float64 `yaml:"reeval_alert_edge"`
	ReevalCooldownMinutes float64 `yaml:"reeval_cooldown_minutes"`

	SettlementGraceHours float64 `yaml:"settlement_grace_hours"`
	CloseTimeoutSeconds  int     `yaml:"close_timeout_seconds"`
}

// ExposureConfig son los límites de capital desplegado.
type ExposureConfig struct {
	Bankroll            float64            `yaml:"bankroll"`
	PredictionBankroll  float64            `yaml:"prediction_bankroll"`
	MaxCategoryFraction float64            `yaml:"max_category_fraction"`
	MaxPerStrategy      map[string]float64 `yaml:"max_per_strategy"`
	MaxPositionUSD      map[string]float64 `yaml:"max_position_usd"`
}

// VenueConfig describe un venue de derivados detrás del gateway HTTP.
type VenueConfig struct {
	Name       string  `yaml:"name"`
	BaseURL    string  `yaml:"base_url"`
	StreamURL  string  `yaml:"stream_url"`
	APIKey     string  `yaml:"api_key"`
	RatePerSec float64 `yaml:"rate_per_sec"`
}

// PolymarketConfig controla el CLOB, el feed y la liquidación on-chain.
type PolymarketConfig struct {
	CLOBBase    string  `yaml:"clob_base"`
	WSURL       string  `yaml:"ws_url"`
	RPCURL      string  `yaml:"rpc_url"`
	PrivateKey  string  `yaml:"-"` // solo desde POLY_PRIVATE_KEY
	MaxSlippage float64 `yaml:"max_slippage"`
}

// EstimatorConfig apunta al servicio de re-estimación de probabilidades.
type EstimatorConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"-"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RatePerMin     int    `yaml:"rate_per_min"`
}

// StorageConfig controla dónde se persisten las posiciones. Con DatabaseURL
// se usa PostgreSQL; si no, SQLite en DSN.
type StorageConfig struct {
	DSN         string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
	DatabaseURL string `yaml:"database_url"`
	MaxConns    int    `yaml:"max_conns"`
}

// RedisConfig activa la publicación de eventos.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
	Stream bool   `yaml:"stream"` // además de PUBLISH, XADD a un stream por topic
}

// TelegramConfig activa las notificaciones por Telegram.
type TelegramConfig struct {
	BotToken string `yaml:"-"`
	ChatID   string `yaml:"chat_id"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Las variables de entorno sobreescriben los valores del YAML.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// CheckInterval devuelve el intervalo del poll pass.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Lifecycle.CheckIntervalSeconds) * time.Second
}

// Limits convierte la sección exposure a domain.ExposureLimits.
func (c *Config) Limits() domain.ExposureLimits {
	l := domain.ExposureLimits{
		Bankroll:            c.Exposure.Bankroll,
		PredictionBankroll:  c.Exposure.PredictionBankroll,
		MaxCategoryFraction: c.Exposure.MaxCategoryFraction,
	}
	if len(c.Exposure.MaxPerStrategy) > 0 {
		l.MaxPerStrategy = make(map[domain.Strategy]float64, len(c.Exposure.MaxPerStrategy))
		for k, v := range c.Exposure.MaxPerStrategy {
			l.MaxPerStrategy[domain.Strategy(k)] = v
		}
	}
	if len(c.Exposure.MaxPositionUSD) > 0 {
		l.MaxPositionUSD = make(map[domain.Strategy]float64, len(c.Exposure.MaxPositionUSD))
		for k, v := range c.Exposure.MaxPositionUSD {
			l.MaxPositionUSD[domain.Strategy(k)] = v
		}
	}
	return l
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("ESTIMATOR_URL"); v != "" {
		cfg.Estimator.URL = v
	}
	if v := os.Getenv("ESTIMATOR_API_KEY"); v != "" {
		cfg.Estimator.APIKey = v
	}
	if v := os.Getenv("POLY_PRIVATE_KEY"); v != "" {
		cfg.Polymarket.PrivateKey = v
	}
	if v := os.Getenv("POLYGON_RPC_URL"); v != "" {
		cfg.Polymarket.RPCURL = v
	}
	if v := os.Getenv("BANKROLL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Exposure.Bankroll = f
		}
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	lc := &cfg.Lifecycle
	if lc.CheckIntervalSeconds <= 0 {
		lc.CheckIntervalSeconds = 300
	}
	if lc.FundingTimeoutHours <= 0 {
		lc.FundingTimeoutHours = 24
	}
	if lc.FundingRateDropRatio <= 0 {
		lc.FundingRateDropRatio = 0.5
	}
	if lc.SpreadTimeoutMinutes <= 0 {
		lc.SpreadTimeoutMinutes = 60
	}
	if lc.SpreadCloseBelowPct <= 0 {
		lc.SpreadCloseBelowPct = 0.03
	}
	if lc.SpreadProfitTakePct <= 0 {
		lc.SpreadProfitTakePct = 0.5
	}
	if lc.ReevalTrigger <= 0 {
		lc.ReevalTrigger = 0.05
	}
	if lc.ReevalMinEdge <= 0 {
		lc.ReevalMinEdge = 0.01
	}
	if lc.ReevalAlertEdge <= 0 {
		lc.ReevalAlertEdge = 0.03
	}
	if lc.ReevalCooldownMinutes <= 0 {
		lc.ReevalCooldownMinutes = 30
	}
	if lc.SettlementGraceHours <= 0 {
		lc.SettlementGraceHours = 2
	}
	if lc.CloseTimeoutSeconds <= 0 {
		lc.CloseTimeoutSeconds = 60
	}

	if cfg.Exposure.Bankroll <= 0 {
		cfg.Exposure.Bankroll = 20
	}
	if cfg.Exposure.PredictionBankroll <= 0 {
		cfg.Exposure.PredictionBankroll = cfg.Exposure.Bankroll
	}
	if cfg.Exposure.MaxCategoryFraction <= 0 {
		cfg.Exposure.MaxCategoryFraction = 0.30
	}

	for i := range cfg.Venues {
		if cfg.Venues[i].RatePerSec <= 0 {
			cfg.Venues[i].RatePerSec = 5
		}
	}

	if cfg.Polymarket.CLOBBase == "" {
		cfg.Polymarket.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.Polymarket.MaxSlippage <= 0 {
		cfg.Polymarket.MaxSlippage = 0.02
	}
	if cfg.Estimator.TimeoutSeconds <= 0 {
		cfg.Estimator.TimeoutSeconds = 90
	}
	if cfg.Estimator.RatePerMin <= 0 {
		cfg.Estimator.RatePerMin = 6
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "polyagent.db"
	}
	if cfg.Storage.MaxConns <= 0 {
		cfg.Storage.MaxConns = 5
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "polyagent"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	lc := c.Lifecycle
	if lc.ReevalMinEdge > lc.ReevalAlertEdge {
		return fmt.Errorf("reeval_min_edge %.4f > reeval_alert_edge %.4f", lc.ReevalMinEdge, lc.ReevalAlertEdge)
	}
	if c.Exposure.MaxCategoryFraction > 1 {
		return fmt.Errorf("max_category_fraction %.2f > 1", c.Exposure.MaxCategoryFraction)
	}
	seen := make(map[string]bool, len(c.Venues))
	for _, v := range c.Venues {
		if v.Name == "" || v.BaseURL == "" {
			return fmt.Errorf("venue needs name and base_url: %+v", v)
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate venue %q", v.Name)
		}
		seen[v.Name] = true
	}
	for k := range c.Exposure.MaxPerStrategy {
		if !domain.Strategy(k).Valid() {
			return fmt.Errorf("max_per_strategy: unknown strategy %q", k)
		}
	}
	return nil
}
