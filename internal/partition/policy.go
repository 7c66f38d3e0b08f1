// Package partition derives partition identifiers and period boundaries from
// the configured partitioning strategy.
//
// Every function here is pure: the result depends only on the configuration
// and the timestamp (including its location), never on the clock or on
// stored state. The rollover daemon and the federated query engine both rely
// on that to re-derive the same file name for the same period.
package partition

import (
	"fmt"
	"time"

	tberrors "github.com/trendbridge/trendbridge/internal/errors"
	"github.com/trendbridge/trendbridge/pkg/types"
)

// Retention limits per unit.
const (
	MaxRetentionDays   = 3650
	MaxRetentionWeeks  = 520
	MaxRetentionMonths = 120
)

// customEpochYear is the reference year for custom-days and custom-months periods.
const customEpochYear = 2025

// PartitionIdentifier returns the identifier of the partition that holds t.
// Unknown strategies fall back to daily.
func PartitionIdentifier(cfg types.PartitionConfig, t time.Time) string {
	switch cfg.Strategy {
	case types.StrategyFiveMinute:
		return floorFiveMinutes(t).Format("2006-01-02-1504")
	case types.StrategyWeekly:
		return fmt.Sprintf("%04d-W%02d", t.Year(), weekOfYear(t))
	case types.StrategyMonthly:
		return t.Format("2006-01")
	case types.StrategyQuarterly:
		return fmt.Sprintf("%04d-Q%d", t.Year(), quarter(t.Month()))
	case types.StrategyCustomDays:
		n := customParam(cfg.CustomDays)
		return fmt.Sprintf("custom-%d-P%d", n, floorDiv(daysSinceEpoch(t), n))
	case types.StrategyCustomMonths:
		n := customParam(cfg.CustomMonths)
		return fmt.Sprintf("custom-%dm-P%d", n, floorDiv(monthsSinceEpoch(t), n))
	default:
		return t.Format("2006-01-02")
	}
}

// CurrentPeriodStart returns the start of the period containing now.
// For weekly this is the most recent Monday 00:00, even when that Monday
// falls in the previous year.
func CurrentPeriodStart(cfg types.PartitionConfig, now time.Time) time.Time {
	loc := now.Location()
	switch cfg.Strategy {
	case types.StrategyFiveMinute:
		return floorFiveMinutes(now)
	case types.StrategyWeekly:
		return mostRecentMonday(now)
	case types.StrategyMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
	case types.StrategyQuarterly:
		first := time.Month((quarter(now.Month())-1)*3 + 1)
		return time.Date(now.Year(), first, 1, 0, 0, 0, 0, loc)
	case types.StrategyCustomDays:
		n := customParam(cfg.CustomDays)
		period := floorDiv(daysSinceEpoch(now), n)
		return epoch(loc).AddDate(0, 0, period*n)
	case types.StrategyCustomMonths:
		n := customParam(cfg.CustomMonths)
		period := floorDiv(monthsSinceEpoch(now), n)
		return epoch(loc).AddDate(0, period*n, 0)
	default:
		return startOfDay(now)
	}
}

// PeriodBounds returns the half-open span [start, end) containing t within
// which PartitionIdentifier is constant. Weekly spans are clipped at Jan 1
// because week numbers restart there.
func PeriodBounds(cfg types.PartitionConfig, t time.Time) (time.Time, time.Time) {
	start := CurrentPeriodStart(cfg, t)
	var end time.Time

	switch cfg.Strategy {
	case types.StrategyFiveMinute:
		end = start.Add(5 * time.Minute)
	case types.StrategyWeekly:
		end = start.AddDate(0, 0, 7)
		jan1 := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
		nextJan1 := jan1.AddDate(1, 0, 0)
		if start.Before(jan1) {
			start = jan1
		}
		if end.After(nextJan1) {
			end = nextJan1
		}
	case types.StrategyMonthly:
		end = start.AddDate(0, 1, 0)
	case types.StrategyQuarterly:
		end = start.AddDate(0, 3, 0)
	case types.StrategyCustomDays:
		end = start.AddDate(0, 0, customParam(cfg.CustomDays))
	case types.StrategyCustomMonths:
		end = start.AddDate(0, customParam(cfg.CustomMonths), 0)
	default:
		end = start.AddDate(0, 0, 1)
	}
	return start, end
}

// ValidateCustomParams reports whether the custom parameters required by
// strategy are present and in range. Non-custom strategies accept anything.
func ValidateCustomParams(strategy types.PartitionStrategy, customDays, customMonths *int) bool {
	switch strategy {
	case types.StrategyCustomDays:
		return customDays != nil && *customDays >= 1 && *customDays <= 365
	case types.StrategyCustomMonths:
		return customMonths != nil && *customMonths >= 1 && *customMonths <= 12
	default:
		return true
	}
}

// Validate checks a configuration before it is stored.
func Validate(cfg types.PartitionConfig) error {
	if !knownStrategy(cfg.Strategy) {
		return invalid("strategy", fmt.Sprintf("unknown partition strategy %q", cfg.Strategy))
	}
	if !ValidateCustomParams(cfg.Strategy, cfg.CustomDays, cfg.CustomMonths) {
		switch cfg.Strategy {
		case types.StrategyCustomDays:
			return invalid("custom_days", "custom_days must be set and between 1 and 365")
		default:
			return invalid("custom_months", "custom_months must be set and between 1 and 12")
		}
	}
	if cfg.RetentionValue < 1 {
		return invalid("retention_value", fmt.Sprintf("retention_value must be at least 1, got %d", cfg.RetentionValue))
	}

	var limit int
	switch cfg.RetentionUnit {
	case types.RetentionDays:
		limit = MaxRetentionDays
	case types.RetentionWeeks:
		limit = MaxRetentionWeeks
	case types.RetentionMonths:
		limit = MaxRetentionMonths
	default:
		return invalid("retention_unit", fmt.Sprintf("unknown retention unit %q", cfg.RetentionUnit))
	}
	if cfg.RetentionValue > limit {
		return invalid("retention_value",
			fmt.Sprintf("retention of %d %s exceeds the maximum of %d", cfg.RetentionValue, cfg.RetentionUnit, limit))
	}
	return nil
}

// RetentionDays converts the configured retention to days
// (weeks count 7 days, months count 30).
func RetentionDays(cfg types.PartitionConfig) int {
	switch cfg.RetentionUnit {
	case types.RetentionWeeks:
		return cfg.RetentionValue * 7
	case types.RetentionMonths:
		return cfg.RetentionValue * 30
	default:
		return cfg.RetentionValue
	}
}

// FileName returns the partition file name for an identifier.
func FileName(identifier string) string {
	return "trendlog_" + identifier + ".db"
}

func invalid(field, msg string) error {
	return tberrors.NewConfigValidationError(msg).WithDetails(map[string]interface{}{"field": field})
}

func knownStrategy(s types.PartitionStrategy) bool {
	for _, known := range types.Strategies {
		if s == known {
			return true
		}
	}
	return false
}

func floorFiveMinutes(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()/5*5, 0, 0, t.Location())
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// mondayIndex is the weekday counted from Monday = 0.
func mondayIndex(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func mostRecentMonday(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, -mondayIndex(t))
}

// weekOfYear numbers weeks from the first Monday of the year (week 1);
// days before it are week 0. Matches strftime %W.
func weekOfYear(t time.Time) int {
	yday := t.YearDay() - 1
	return (yday + 7 - mondayIndex(t)) / 7
}

func quarter(m time.Month) int {
	return (int(m)-1)/3 + 1
}

func epoch(loc *time.Location) time.Time {
	return time.Date(customEpochYear, time.January, 1, 0, 0, 0, 0, loc)
}

// daysSinceEpoch counts calendar days, so DST transitions never shift a day.
func daysSinceEpoch(t time.Time) int {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(day.Sub(epoch(time.UTC)).Hours() / 24)
}

func monthsSinceEpoch(t time.Time) int {
	return (t.Year()-customEpochYear)*12 + int(t.Month()) - 1
}

func customParam(p *int) int {
	if p == nil || *p < 1 {
		return 1
	}
	return *p
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
