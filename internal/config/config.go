/**
 * @description
 * This package handles the configuration management for the credit-service.
 * It uses the Viper library to read configuration from environment variables
 * (with an optional .env file for local development), applies defaults, and
 * coerces out-of-range values back into safe bounds.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Bonus frequency policies. `once` pays a referrer a single time ever,
// `cumulative` pays at every additional multiple of the minimum threshold,
// `weekly` pays once per reset period while the threshold is maintained.
const (
	BonusFrequencyOnce       = "once"
	BonusFrequencyWeekly     = "weekly"
	BonusFrequencyCumulative = "cumulative"
)

// Config holds all the configuration variables for the credit-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	NotificationExchange string `mapstructure:"NOTIFICATION_EXCHANGE"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	WeeklyAllocation    int64  `mapstructure:"WEEKLY_ALLOCATION"`
	ResetWeekday        int    `mapstructure:"RESET_WEEKDAY"` // 0 = Sunday
	ResetHour           int    `mapstructure:"RESET_HOUR"`
	ResetMinute         int    `mapstructure:"RESET_MINUTE"`
	ResetTimezone       string `mapstructure:"RESET_TIMEZONE"`
	LowBalanceThreshold int64  `mapstructure:"LOW_BALANCE_THRESHOLD"`

	ReferralMinForBonus     int    `mapstructure:"REFERRAL_MIN_FOR_BONUS"`
	ReferralBonusAmount     int64  `mapstructure:"REFERRAL_BONUS_AMOUNT"`
	ReferralWeeklyInviteCap int    `mapstructure:"REFERRAL_WEEKLY_INVITE_CAP"`
	ReferralBonusFrequency  string `mapstructure:"REFERRAL_BONUS_FREQUENCY"`

	MaxAdminAdjustment int64 `mapstructure:"MAX_ADMIN_ADJUSTMENT"`
	JobLockTTLSeconds  int   `mapstructure:"JOB_LOCK_TTL_SECONDS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("NOTIFICATION_EXCHANGE", "credit_events")
	viper.SetDefault("WEEKLY_ALLOCATION", 14)
	viper.SetDefault("RESET_WEEKDAY", 1) // Monday
	viper.SetDefault("RESET_HOUR", 0)
	viper.SetDefault("RESET_MINUTE", 0)
	viper.SetDefault("RESET_TIMEZONE", "UTC")
	viper.SetDefault("LOW_BALANCE_THRESHOLD", 3)
	viper.SetDefault("REFERRAL_MIN_FOR_BONUS", 3)
	viper.SetDefault("REFERRAL_BONUS_AMOUNT", 5)
	viper.SetDefault("REFERRAL_WEEKLY_INVITE_CAP", 20)
	viper.SetDefault("REFERRAL_BONUS_FREQUENCY", BonusFrequencyOnce)
	viper.SetDefault("MAX_ADMIN_ADJUSTMENT", 1000)
	viper.SetDefault("JOB_LOCK_TTL_SECONDS", 300)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("NOTIFICATION_EXCHANGE")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("WEEKLY_ALLOCATION")
	_ = viper.BindEnv("RESET_WEEKDAY")
	_ = viper.BindEnv("RESET_HOUR")
	_ = viper.BindEnv("RESET_MINUTE")
	_ = viper.BindEnv("RESET_TIMEZONE")
	_ = viper.BindEnv("LOW_BALANCE_THRESHOLD")
	_ = viper.BindEnv("REFERRAL_MIN_FOR_BONUS")
	_ = viper.BindEnv("REFERRAL_BONUS_AMOUNT")
	_ = viper.BindEnv("REFERRAL_WEEKLY_INVITE_CAP")
	_ = viper.BindEnv("REFERRAL_BONUS_FREQUENCY")
	_ = viper.BindEnv("MAX_ADMIN_ADJUSTMENT")
	_ = viper.BindEnv("JOB_LOCK_TTL_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config = sanitize(config)
	return config, nil
}

// sanitize coerces out-of-range values back to their defaults so a bad
// environment cannot produce a scheduler that never fires or a zero-credit
// allocation.
func sanitize(config Config) Config {
	if config.WeeklyAllocation <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive weekly allocation configured; using default\" value=%d", config.WeeklyAllocation)
		config.WeeklyAllocation = 14
	}
	if config.ResetWeekday < 0 || config.ResetWeekday > 6 {
		log.Printf("level=warn component=config msg=\"reset weekday out of range; using Monday\" value=%d", config.ResetWeekday)
		config.ResetWeekday = 1
	}
	if config.ResetHour < 0 || config.ResetHour > 23 {
		config.ResetHour = 0
	}
	if config.ResetMinute < 0 || config.ResetMinute > 59 {
		config.ResetMinute = 0
	}
	if _, tzErr := time.LoadLocation(config.ResetTimezone); tzErr != nil {
		log.Printf("level=warn component=config msg=\"invalid reset timezone; using UTC\" value=%q err=%v", config.ResetTimezone, tzErr)
		config.ResetTimezone = "UTC"
	}
	if config.LowBalanceThreshold < 0 {
		config.LowBalanceThreshold = 0
	}
	if config.ReferralMinForBonus <= 0 {
		config.ReferralMinForBonus = 3
	}
	if config.ReferralBonusAmount <= 0 {
		config.ReferralBonusAmount = 5
	}
	if config.ReferralWeeklyInviteCap <= 0 {
		config.ReferralWeeklyInviteCap = 20
	}
	switch strings.ToLower(strings.TrimSpace(config.ReferralBonusFrequency)) {
	case BonusFrequencyOnce, BonusFrequencyWeekly, BonusFrequencyCumulative:
		config.ReferralBonusFrequency = strings.ToLower(strings.TrimSpace(config.ReferralBonusFrequency))
	default:
		log.Printf("level=warn component=config msg=\"unknown bonus frequency; using once\" value=%q", config.ReferralBonusFrequency)
		config.ReferralBonusFrequency = BonusFrequencyOnce
	}
	if config.MaxAdminAdjustment <= 0 {
		config.MaxAdminAdjustment = 1000
	}
	if config.JobLockTTLSeconds <= 0 {
		config.JobLockTTLSeconds = 300
	}
	return config
}

// ResetLocation resolves the configured timezone. The value is validated at
// load time, so failures here only happen if tzdata is missing at runtime.
func (c Config) ResetLocation() *time.Location {
	loc, err := time.LoadLocation(c.ResetTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
