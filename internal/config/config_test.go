package config

import (
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want 8080", cfg.ServerPort)
	}
	if cfg.WeeklyAllocation != 14 {
		t.Errorf("WeeklyAllocation = %d, want 14", cfg.WeeklyAllocation)
	}
	if cfg.ResetWeekday != 1 {
		t.Errorf("ResetWeekday = %d, want 1 (Monday)", cfg.ResetWeekday)
	}
	if cfg.ResetTimezone != "UTC" {
		t.Errorf("ResetTimezone = %q, want UTC", cfg.ResetTimezone)
	}
	if cfg.LowBalanceThreshold != 3 {
		t.Errorf("LowBalanceThreshold = %d, want 3", cfg.LowBalanceThreshold)
	}
	if cfg.ReferralMinForBonus != 3 || cfg.ReferralBonusAmount != 5 {
		t.Errorf("referral bonus = %d for %d active, want 5 for 3",
			cfg.ReferralBonusAmount, cfg.ReferralMinForBonus)
	}
	if cfg.ReferralBonusFrequency != BonusFrequencyOnce {
		t.Errorf("ReferralBonusFrequency = %q, want once", cfg.ReferralBonusFrequency)
	}
	if cfg.MaxAdminAdjustment != 1000 {
		t.Errorf("MaxAdminAdjustment = %d, want 1000", cfg.MaxAdminAdjustment)
	}
}

func TestLoadConfigReadsEnvironment(t *testing.T) {
	t.Setenv("WEEKLY_ALLOCATION", "20")
	t.Setenv("RESET_WEEKDAY", "0")
	t.Setenv("REFERRAL_BONUS_FREQUENCY", "cumulative")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.WeeklyAllocation != 20 {
		t.Errorf("WeeklyAllocation = %d, want 20", cfg.WeeklyAllocation)
	}
	if cfg.ResetWeekday != 0 {
		t.Errorf("ResetWeekday = %d, want 0 (Sunday)", cfg.ResetWeekday)
	}
	if cfg.ReferralBonusFrequency != BonusFrequencyCumulative {
		t.Errorf("ReferralBonusFrequency = %q, want cumulative", cfg.ReferralBonusFrequency)
	}
}

func TestSanitizeCoercesOutOfRangeValues(t *testing.T) {
	cfg := sanitize(Config{
		WeeklyAllocation:        -5,
		ResetWeekday:            9,
		ResetHour:               25,
		ResetMinute:             70,
		ResetTimezone:           "Mars/Olympus_Mons",
		LowBalanceThreshold:     -1,
		ReferralMinForBonus:     0,
		ReferralBonusAmount:     -3,
		ReferralWeeklyInviteCap: 0,
		ReferralBonusFrequency:  "hourly",
		MaxAdminAdjustment:      -1,
		JobLockTTLSeconds:       0,
	})

	if cfg.WeeklyAllocation != 14 {
		t.Errorf("WeeklyAllocation = %d, want 14", cfg.WeeklyAllocation)
	}
	if cfg.ResetWeekday != 1 {
		t.Errorf("ResetWeekday = %d, want 1", cfg.ResetWeekday)
	}
	if cfg.ResetHour != 0 || cfg.ResetMinute != 0 {
		t.Errorf("reset time = %d:%d, want 0:0", cfg.ResetHour, cfg.ResetMinute)
	}
	if cfg.ResetTimezone != "UTC" {
		t.Errorf("ResetTimezone = %q, want UTC", cfg.ResetTimezone)
	}
	if cfg.LowBalanceThreshold != 0 {
		t.Errorf("LowBalanceThreshold = %d, want 0", cfg.LowBalanceThreshold)
	}
	if cfg.ReferralMinForBonus != 3 || cfg.ReferralBonusAmount != 5 || cfg.ReferralWeeklyInviteCap != 20 {
		t.Errorf("referral settings not defaulted: %+v", cfg)
	}
	if cfg.ReferralBonusFrequency != BonusFrequencyOnce {
		t.Errorf("ReferralBonusFrequency = %q, want once", cfg.ReferralBonusFrequency)
	}
	if cfg.MaxAdminAdjustment != 1000 || cfg.JobLockTTLSeconds != 300 {
		t.Errorf("admin/lock settings not defaulted: %+v", cfg)
	}
}

func TestSanitizeNormalizesFrequency(t *testing.T) {
	cfg := sanitize(Config{
		WeeklyAllocation:        14,
		ResetWeekday:            1,
		ResetTimezone:           "UTC",
		ReferralMinForBonus:     3,
		ReferralBonusAmount:     5,
		ReferralWeeklyInviteCap: 20,
		ReferralBonusFrequency:  "  Weekly ",
		MaxAdminAdjustment:      1000,
		JobLockTTLSeconds:       300,
	})
	if cfg.ReferralBonusFrequency != BonusFrequencyWeekly {
		t.Errorf("ReferralBonusFrequency = %q, want weekly", cfg.ReferralBonusFrequency)
	}
}

func TestResetLocationFallsBackToUTC(t *testing.T) {
	cfg := Config{ResetTimezone: "Not/AZone"}
	if loc := cfg.ResetLocation(); loc.String() != "UTC" {
		t.Errorf("ResetLocation() = %v, want UTC", loc)
	}
}
