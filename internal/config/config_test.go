package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	viper.Reset()
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.True(t, cfg.Ledger.DailyBonusAmount.Equal(decimal.RequireFromString("1.0")))
	assert.True(t, cfg.Ledger.ReferrerReward.Equal(decimal.NewFromInt(5)))
	assert.True(t, cfg.Ledger.WelcomeReward.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, int64(100), cfg.Ledger.XPPerLevel)
	assert.Equal(t, time.UTC, cfg.Ledger.Timezone)
	assert.Equal(t, 7*24*time.Hour, cfg.Ledger.PendingExpiry)
	assert.Equal(t, "redis", cfg.Events.Backend)
	assert.Empty(t, cfg.Deposit.Addresses)
	assert.Empty(t, cfg.Warnings)
}

func TestLoad_Overrides(t *testing.T) {
	viper.Reset()
	viper.Set("database.driver", "SQLite")
	viper.Set("ledger.referrer_reward", "7.5")
	viper.Set("ledger.timezone", "Asia/Tokyo")
	viper.Set("events.kafka_brokers", "k1:9092, k2:9092")
	viper.Set("deposit.address_trc20", "TXYZ")
	defer viper.Reset()

	cfg := Load()

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.True(t, cfg.Ledger.ReferrerReward.Equal(decimal.RequireFromString("7.5")))
	assert.Equal(t, "Asia/Tokyo", cfg.Ledger.Timezone.String())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
	assert.Equal(t, map[string]string{"TRC20": "TXYZ"}, cfg.Deposit.Addresses)
}

func TestLoad_BadValuesFallBack(t *testing.T) {
	viper.Reset()
	viper.Set("ledger.timezone", "Mars/Olympus")
	viper.Set("ledger.level_bonus_rate", "lots")
	viper.Set("ledger.daily_bonus_amount", "abc")
	defer viper.Reset()

	cfg := Load()

	assert.Equal(t, time.UTC, cfg.Ledger.Timezone)
	assert.True(t, cfg.Ledger.LevelBonusRate.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, cfg.Ledger.DailyBonusAmount.Equal(decimal.RequireFromString("1.0")))
	assert.Len(t, cfg.Warnings, 3)
	assert.Contains(t, cfg.Warnings[0], "ledger.timezone")
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"a,b", []string{"a", "b"}},
		{" a , ,b ", []string{"a", "b"}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, splitList(tt.input))
		})
	}
}
