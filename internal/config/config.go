package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Telegram TelegramConfig
	Ledger   LedgerConfig
	Storage  StorageConfig
	Events   EventsConfig
	Deposit  DepositConfig
	LogLevel string

	// Warnings lists settings that could not be parsed and fell back to
	// their defaults.
	Warnings []string
}

type ServerConfig struct {
	Port           string
	AllowedOrigins []string
	ServiceToken   string // shared secret for trusted internal callers
	AdminIDs       []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string // postgres, sqlite or memory
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	SecretKey   string
	ExpiryHours int
}

type TelegramConfig struct {
	BotToken       string
	InitDataMaxAge time.Duration
}

// LedgerConfig carries the balance rules. Amounts are decimal strings.
type LedgerConfig struct {
	DailyBonusAmount        decimal.Decimal
	ReferrerReward          decimal.Decimal
	WelcomeReward           decimal.Decimal
	LevelBonusRate          decimal.Decimal
	XPPerLevel              int64
	WithdrawalFeePercentage decimal.Decimal
	WithdrawalFeeFixed      decimal.Decimal
	MinDeposit              decimal.Decimal
	MinWithdrawal           decimal.Decimal
	Timezone                *time.Location
	PendingExpiry           time.Duration
	SweepInterval           time.Duration
	MaxCASRetries           int
	RequestRateLimit        int
	RequestRateWindow       time.Duration
}

type StorageConfig struct {
	Provider        string // r2, s3 or none
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	Region          string
	CDNBaseURL      string
}

type EventsConfig struct {
	Backend      string // redis, kafka or none
	Channel      string
	KafkaBrokers []string
	KafkaTopic   string
}

// DepositConfig maps a network name to the platform deposit address.
type DepositConfig struct {
	Addresses map[string]string
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.allowed_origins", "https://*,http://*")
	viper.SetDefault("server.service_token", "")
	viper.SetDefault("server.admin_ids", "")
	viper.SetDefault("log.level", "info")

	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", "5432")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.name", "quiz_ledger")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.sqlite_path", "ledger.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", time.Minute*5)

	viper.SetDefault("redis.enabled", true)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("jwt.secret_key", "")
	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.init_data_max_age", 24*time.Hour)

	viper.SetDefault("ledger.daily_bonus_amount", "1.0")
	viper.SetDefault("ledger.referrer_reward", "5")
	viper.SetDefault("ledger.welcome_reward", "2")
	viper.SetDefault("ledger.level_bonus_rate", "0.5")
	viper.SetDefault("ledger.xp_per_level", 100)
	viper.SetDefault("ledger.withdrawal_fee_percentage", "0")
	viper.SetDefault("ledger.withdrawal_fee_fixed", "0")
	viper.SetDefault("ledger.min_deposit", "1")
	viper.SetDefault("ledger.min_withdrawal", "5")
	viper.SetDefault("ledger.timezone", "UTC")
	viper.SetDefault("ledger.pending_expiry", 7*24*time.Hour)
	viper.SetDefault("ledger.sweep_interval", time.Hour)
	viper.SetDefault("ledger.max_cas_retries", 5)
	viper.SetDefault("ledger.request_rate_limit", 10)
	viper.SetDefault("ledger.request_rate_window", time.Hour)

	viper.SetDefault("storage.provider", "none")
	viper.SetDefault("storage.region", "auto")
	viper.SetDefault("events.backend", "redis")
	viper.SetDefault("events.channel", "transaction_events")
	viper.SetDefault("events.kafka_topic", "ledger.transactions")
}

func bindEnv() {
	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("server.allowed_origins", "ALLOWED_ORIGINS")
	viper.BindEnv("server.service_token", "SERVICE_TOKEN")
	viper.BindEnv("server.admin_ids", "ADMIN_USER_IDS")
	viper.BindEnv("log.level", "LOG_LEVEL")

	viper.BindEnv("database.driver", "DATABASE_DRIVER")
	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	viper.BindEnv("database.sqlite_path", "DATABASE_SQLITE_PATH")

	viper.BindEnv("redis.enabled", "REDIS_ENABLED")
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("telegram.bot_token", "TELEGRAM_BOT_TOKEN")
	viper.BindEnv("telegram.init_data_max_age", "TELEGRAM_INIT_DATA_MAX_AGE")

	viper.BindEnv("ledger.daily_bonus_amount", "DAILY_BONUS_AMOUNT")
	viper.BindEnv("ledger.referrer_reward", "REFERRER_REWARD")
	viper.BindEnv("ledger.welcome_reward", "WELCOME_REWARD")
	viper.BindEnv("ledger.level_bonus_rate", "LEVEL_BONUS_RATE")
	viper.BindEnv("ledger.withdrawal_fee_percentage", "WITHDRAWAL_FEE_PERCENTAGE")
	viper.BindEnv("ledger.withdrawal_fee_fixed", "WITHDRAWAL_FEE_FIXED")
	viper.BindEnv("ledger.min_deposit", "MIN_DEPOSIT")
	viper.BindEnv("ledger.min_withdrawal", "MIN_WITHDRAWAL")
	viper.BindEnv("ledger.timezone", "LEDGER_TIMEZONE")
	viper.BindEnv("ledger.pending_expiry", "PENDING_EXPIRY")

	viper.BindEnv("storage.provider", "STORAGE_PROVIDER")
	viper.BindEnv("storage.account_id", "CLOUDFLARE_ACCOUNT_ID")
	viper.BindEnv("storage.access_key_id", "R2_ACCESS_KEY_ID")
	viper.BindEnv("storage.access_key_secret", "R2_ACCESS_KEY_SECRET")
	viper.BindEnv("storage.bucket", "R2_BUCKET_NAME")
	viper.BindEnv("storage.region", "STORAGE_REGION")
	viper.BindEnv("storage.cdn_base_url", "CDN_BASE_URL")

	viper.BindEnv("events.backend", "EVENTS_BACKEND")
	viper.BindEnv("events.kafka_brokers", "KAFKA_BROKERS")
	viper.BindEnv("events.kafka_topic", "KAFKA_TOPIC")

	for _, network := range DepositNetworks {
		viper.BindEnv("deposit.address_"+strings.ToLower(network), "DEPOSIT_ADDRESS_"+network)
	}
}

// DepositNetworks are the networks a deposit address can be configured for.
var DepositNetworks = []string{"ERC20", "BEP20", "TRC20", "BTC"}

// Init points viper at the .env file and binds environment variables.
// The returned error only reports a missing or unreadable file; defaults and
// environment still apply.
func Init(file string) error {
	viper.SetConfigFile(file)
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	setDefaults()
	bindEnv()

	return viper.ReadInConfig()
}

// Load builds a Config from the current viper state.
func Load() *Config {
	setDefaults()

	var warnings []string
	loc, err := time.LoadLocation(viper.GetString("ledger.timezone"))
	if err != nil {
		loc = time.UTC
		warnings = append(warnings, fmt.Sprintf("ledger.timezone: %v, using UTC", err))
	}
	defaults := DefaultLedger()
	getDecimal := func(key string, fallback decimal.Decimal) decimal.Decimal {
		raw := viper.GetString(key)
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %q is not a decimal, using %s", key, raw, fallback))
			return fallback
		}
		return d
	}

	cfg := &Config{
		LogLevel: viper.GetString("log.level"),
		Server: ServerConfig{
			Port:           viper.GetString("server.port"),
			AllowedOrigins: splitList(viper.GetString("server.allowed_origins")),
			ServiceToken:   viper.GetString("server.service_token"),
			AdminIDs:       splitList(viper.GetString("server.admin_ids")),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(viper.GetString("database.driver")),
			Host:            viper.GetString("database.host"),
			Port:            viper.GetString("database.port"),
			User:            viper.GetString("database.user"),
			Password:        viper.GetString("database.password"),
			Name:            viper.GetString("database.name"),
			SSLMode:         viper.GetString("database.ssl_mode"),
			SQLitePath:      viper.GetString("database.sqlite_path"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Enabled:  viper.GetBool("redis.enabled"),
			Host:     viper.GetString("redis.host"),
			Port:     viper.GetString("redis.port"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			SecretKey:   viper.GetString("jwt.secret_key"),
			ExpiryHours: viper.GetInt("jwt.expiry_hours"),
		},
		Telegram: TelegramConfig{
			BotToken:       viper.GetString("telegram.bot_token"),
			InitDataMaxAge: viper.GetDuration("telegram.init_data_max_age"),
		},
		Ledger: LedgerConfig{
			DailyBonusAmount:        getDecimal("ledger.daily_bonus_amount", defaults.DailyBonusAmount),
			ReferrerReward:          getDecimal("ledger.referrer_reward", defaults.ReferrerReward),
			WelcomeReward:           getDecimal("ledger.welcome_reward", defaults.WelcomeReward),
			LevelBonusRate:          getDecimal("ledger.level_bonus_rate", defaults.LevelBonusRate),
			XPPerLevel:              viper.GetInt64("ledger.xp_per_level"),
			WithdrawalFeePercentage: getDecimal("ledger.withdrawal_fee_percentage", defaults.WithdrawalFeePercentage),
			WithdrawalFeeFixed:      getDecimal("ledger.withdrawal_fee_fixed", defaults.WithdrawalFeeFixed),
			MinDeposit:              getDecimal("ledger.min_deposit", defaults.MinDeposit),
			MinWithdrawal:           getDecimal("ledger.min_withdrawal", defaults.MinWithdrawal),
			Timezone:                loc,
			PendingExpiry:           viper.GetDuration("ledger.pending_expiry"),
			SweepInterval:           viper.GetDuration("ledger.sweep_interval"),
			MaxCASRetries:           viper.GetInt("ledger.max_cas_retries"),
			RequestRateLimit:        viper.GetInt("ledger.request_rate_limit"),
			RequestRateWindow:       viper.GetDuration("ledger.request_rate_window"),
		},
		Storage: StorageConfig{
			Provider:        strings.ToLower(viper.GetString("storage.provider")),
			AccountID:       viper.GetString("storage.account_id"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			AccessKeySecret: viper.GetString("storage.access_key_secret"),
			Bucket:          viper.GetString("storage.bucket"),
			Region:          viper.GetString("storage.region"),
			CDNBaseURL:      viper.GetString("storage.cdn_base_url"),
		},
		Events: EventsConfig{
			Backend:      strings.ToLower(viper.GetString("events.backend")),
			Channel:      viper.GetString("events.channel"),
			KafkaBrokers: splitList(viper.GetString("events.kafka_brokers")),
			KafkaTopic:   viper.GetString("events.kafka_topic"),
		},
		Deposit: DepositConfig{
			Addresses: depositAddresses(),
		},
	}
	cfg.Warnings = warnings
	return cfg
}

// DefaultLedger returns the ledger rules used when nothing is configured.
func DefaultLedger() LedgerConfig {
	return LedgerConfig{
		DailyBonusAmount:        decimal.RequireFromString("1.0"),
		ReferrerReward:          decimal.NewFromInt(5),
		WelcomeReward:           decimal.NewFromInt(2),
		LevelBonusRate:          decimal.RequireFromString("0.5"),
		XPPerLevel:              100,
		WithdrawalFeePercentage: decimal.Zero,
		WithdrawalFeeFixed:      decimal.Zero,
		MinDeposit:              decimal.NewFromInt(1),
		MinWithdrawal:           decimal.NewFromInt(5),
		Timezone:                time.UTC,
		PendingExpiry:           7 * 24 * time.Hour,
		SweepInterval:           time.Hour,
		MaxCASRetries:           5,
		RequestRateLimit:        10,
		RequestRateWindow:       time.Hour,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func depositAddresses() map[string]string {
	out := make(map[string]string)
	for _, network := range DepositNetworks {
		if addr := viper.GetString("deposit.address_" + strings.ToLower(network)); addr != "" {
			out[network] = addr
		}
	}
	return out
}
