/**
 * @description
 * Reset period arithmetic. A reset period is the recurring weekly window
 * anchored at the configured weekday, hour, and minute in the configured
 * timezone. An account is stale whenever its last reset predates the start
 * of the current period.
 */

package app

import (
	"time"

	"github.com/lexiform/credit-service/internal/config"
)

// CurrentPeriodStart returns the most recent weekly reset boundary at or
// before now, in the configured timezone.
func CurrentPeriodStart(now time.Time, cfg config.Config) time.Time {
	loc := cfg.ResetLocation()
	local := now.In(loc)

	daysBack := (int(local.Weekday()) - cfg.ResetWeekday + 7) % 7
	candidate := time.Date(local.Year(), local.Month(), local.Day()-daysBack,
		cfg.ResetHour, cfg.ResetMinute, 0, 0, loc)
	if candidate.After(local) {
		// The boundary weekday is today but the boundary time has not been
		// reached yet; the current period started a week earlier.
		candidate = candidate.AddDate(0, 0, -7)
	}
	return candidate
}

// NextPeriodStart returns the first reset boundary strictly after now.
func NextPeriodStart(now time.Time, cfg config.Config) time.Time {
	return CurrentPeriodStart(now, cfg).AddDate(0, 0, 7)
}
