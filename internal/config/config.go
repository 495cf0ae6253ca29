package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

var (
	ServiceName    = "halal-trading-service"
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string                    `mapstructure:"env"`
	Log                     LogConfig                 `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration             `mapstructure:"graceful_shutdown_timeout"`
	APIKeys                 []APIKeyConfig            `mapstructure:"api_keys"`
	Port                    map[string]string         `mapstructure:"port"`
	Database                map[string]DatabaseConfig `mapstructure:"database"`
	Redis                   map[string]RedisConfig    `mapstructure:"redis"`
	NatsJetstream           NatsJetstreamConfig       `mapstructure:"nats_jetstream"`
	Broker                  BrokerConfig              `mapstructure:"broker"`
	PriceFeed               PriceFeedConfig           `mapstructure:"price_feed"`
	Compliance              ComplianceConfig          `mapstructure:"compliance"`
	Risk                    RiskConfig                `mapstructure:"risk"`
	OrderLifecycle          OrderLifecycleConfig      `mapstructure:"order_lifecycle"`
	Reconciler              ReconcilerConfig          `mapstructure:"reconciler"`
	Orchestrator            OrchestratorConfig        `mapstructure:"orchestrator"`
	Secrets                 SecretConfig              `mapstructure:"-"`
}

type APIKeyConfig struct {
	Name      string `mapstructure:"name"`
	Key       string `mapstructure:"key"`
	Active    bool   `mapstructure:"active"`
	ExpiredAt any    `mapstructure:"expired_at"`
}

type NatsJetstreamConfig struct {
	URL             string                   `mapstructure:"url"`
	MaxRetries      int                      `mapstructure:"max_retries"`
	MaxReconnects   int                      `mapstructure:"max_reconnects"`
	ReconnectFactor float64                  `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration            `mapstructure:"min_jitter"`
	MaxJitter       time.Duration            `mapstructure:"max_jitter"`
	TimeoutHandler  map[string]time.Duration `mapstructure:"timeout_handler"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxActiveConns  int           `mapstructure:"max_active_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type RedisConfig struct {
	CacheDSN string `mapstructure:"cache_dsn"`
}

type BrokerConfig struct {
	// Name selects the gateway implementation: paper or alpaca.
	Name        string                     `mapstructure:"name"`
	BaseURL     string                     `mapstructure:"base_url"`
	DataURL     string                     `mapstructure:"data_url"`
	Timeout     time.Duration              `mapstructure:"timeout"`
	Paper       PaperBrokerConfig          `mapstructure:"paper"`
	Increments  map[string]decimal.Decimal `mapstructure:"increments"`
	DefaultStep decimal.Decimal            `mapstructure:"default_increment"`
}

type PaperBrokerConfig struct {
	StartingCash   decimal.Decimal            `mapstructure:"starting_cash"`
	FillSteps      int                        `mapstructure:"fill_steps"`
	Latency        time.Duration              `mapstructure:"latency"`
	FeeRate        decimal.Decimal            `mapstructure:"fee_rate"`
	Quotes         map[string]decimal.Decimal `mapstructure:"quotes"`
	RejectedSymbol []string                   `mapstructure:"rejected_symbols"`
}

type PriceFeedConfig struct {
	// Mode is broker (REST quotes) or stream (websocket with REST fallback).
	Mode       string        `mapstructure:"mode"`
	StreamURL  string        `mapstructure:"stream_url"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Symbols    []string      `mapstructure:"symbols"`
}

type ComplianceConfig struct {
	RuleSet                     string        `mapstructure:"rule_set"`
	Sources                     []string      `mapstructure:"sources"`
	FMPBaseURL                  string        `mapstructure:"fmp_base_url"`
	FetchTimeout                time.Duration `mapstructure:"fetch_timeout"`
	VerdictTTL                  time.Duration `mapstructure:"verdict_ttl"`
	PassScore                   float64       `mapstructure:"pass_score"`
	MaxDebtRatio                float64       `mapstructure:"max_debt_ratio"`
	MaxInterestIncomeRatio      float64       `mapstructure:"max_interest_income_ratio"`
	MaxCashRatio                float64       `mapstructure:"max_cash_ratio"`
	MaxNonCompliantRevenueRatio float64       `mapstructure:"max_non_compliant_revenue_ratio"`
	ProhibitedActivities        []string      `mapstructure:"prohibited_activities"`
	ProhibitedTokenCategories   []string      `mapstructure:"prohibited_token_categories"`
	ReviewTokenCategories       []string      `mapstructure:"review_token_categories"`
	BlockedAssets               []string      `mapstructure:"blocked_assets"`
	RequireTokenWhitelist       bool          `mapstructure:"require_token_whitelist"`
}

type RiskConfig struct {
	MaxPortfolioRiskFraction decimal.Decimal `mapstructure:"max_portfolio_risk_fraction"`
	MaxPositionRiskFraction  decimal.Decimal `mapstructure:"max_position_risk_fraction"`
	MaxPositionPct           decimal.Decimal `mapstructure:"max_position_pct"`
	MaxPositions             int             `mapstructure:"max_positions"`
}

type OrderLifecycleConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MonitorWindow time.Duration `mapstructure:"monitor_window"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
}

type ReconcilerConfig struct {
	Interval          time.Duration   `mapstructure:"interval"`
	QuantityTolerance decimal.Decimal `mapstructure:"quantity_tolerance"`
	PriceTolerancePct decimal.Decimal `mapstructure:"price_tolerance_pct"`
	CheckPrice        bool            `mapstructure:"check_price"`
	CallTimeout       time.Duration   `mapstructure:"call_timeout"`
}

type OrchestratorConfig struct {
	OrderType           string          `mapstructure:"order_type"`
	TimeInForce         string          `mapstructure:"time_in_force"`
	CallTimeout         time.Duration   `mapstructure:"call_timeout"`
	AutoCancelOnTimeout bool            `mapstructure:"auto_cancel_on_timeout"`
	SentimentGate       bool            `mapstructure:"sentiment_gate"`
	MinSentiment        decimal.Decimal `mapstructure:"min_sentiment"`
	DistributedLock     bool            `mapstructure:"distributed_lock"`
	LockTTL             time.Duration   `mapstructure:"lock_ttl"`
}

// SecretConfig is populated from the process environment only.
type SecretConfig struct {
	AlpacaAPIKey    string `envconfig:"ALPACA_API_KEY"`
	AlpacaAPISecret string `envconfig:"ALPACA_API_SECRET"`
	FMPAPIKey       string `envconfig:"FMP_API_KEY"`
}

func LoadConfig(configPath string) error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}

	viper.Reset()

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	err = viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	err = viper.Unmarshal(&Env, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToDecimalHookFunc(),
	)))
	if err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	err = envconfig.Process("", &Env.Secrets)
	if err != nil {
		return fmt.Errorf("failed to process secret env: %w", err)
	}

	return nil
}

func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})

	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
	}
}
