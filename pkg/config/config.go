// Package config is the scheduler's explicit, load-once configuration
// (spec.md §9 "Global mutable state": no lazy globals in the core — the
// teacher's cmd/server reads os.Getenv directly at main(); here that's
// centralized into one struct built once at service start).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the options spec.md §6 says the core honors.
type Config struct {
	// ReusableTaskAgeSecs bounds how old a successful prior run can be and
	// still be reused by dedupe.
	ReusableTaskAgeSecs int

	// BotPingTolerance is how long a RUNNING task can go without a bot
	// update before cron_handle_bot_died treats the bot as dead.
	BotPingTolerance time.Duration

	// ShardingLevel is the nibble-width of the root-entity id space.
	ShardingLevel int

	// Canary lowers exponential_backoff's max wait, per spec.md §6.
	// FromEnv sets it together with ShardingLevel = 2 when APP_ENV=canary.
	Canary bool

	RedisAddr string
	APIKey    string
}

const (
	MaximumPriority = 255
	MaximumShards   = 255

	probabilityOfQuickComeback = 0.05
)

// ProbabilityOfQuickComeback is _PROBABILITY_OF_QUICK_COMEBACK, preserved
// verbatim per spec.md §9 and exported for pkg/scheduler.
func ProbabilityOfQuickComeback() float64 { return probabilityOfQuickComeback }

// Default returns production defaults, overridden by FromEnv.
func Default() Config {
	return Config{
		ReusableTaskAgeSecs: 7 * 24 * 60 * 60,
		BotPingTolerance:    5 * time.Minute,
		ShardingLevel:       5,
		Canary:              false,
		RedisAddr:           "127.0.0.1:6379",
	}
}

// FromEnv loads Config from the process environment, the way the teacher's
// cmd/server reads APP_ENV and API_KEY. Unset variables keep Default's
// values.
func FromEnv() Config {
	cfg := Default()
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	cfg.APIKey = os.Getenv("API_KEY")
	if os.Getenv("APP_ENV") == "canary" {
		cfg.Canary = true
		cfg.ShardingLevel = 2
	}
	if v := os.Getenv("REUSABLE_TASK_AGE_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReusableTaskAgeSecs = n
		}
	}
	if v := os.Getenv("BOT_PING_TOLERANCE_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BotPingTolerance = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SHARDING_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ShardingLevel = n
		}
	}
	return cfg
}
