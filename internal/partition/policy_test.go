package partition

import (
	"testing"
	"time"

	tberrors "github.com/trendbridge/trendbridge/internal/errors"
	"github.com/trendbridge/trendbridge/pkg/types"
)

func intPtr(v int) *int { return &v }

func cfgFor(s types.PartitionStrategy) types.PartitionConfig {
	cfg := types.DefaultPartitionConfig()
	cfg.Strategy = s
	return cfg
}

func TestPartitionIdentifier(t *testing.T) {
	tests := []struct {
		name string
		cfg  types.PartitionConfig
		ts   time.Time
		want string
	}{
		{"five minute floors", cfgFor(types.StrategyFiveMinute), time.Date(2025, 3, 10, 12, 34, 56, 0, time.UTC), "2025-03-10-1230"},
		{"daily", cfgFor(types.StrategyDaily), time.Date(2025, 3, 10, 23, 59, 59, 0, time.UTC), "2025-03-10"},
		{"weekly first monday", cfgFor(types.StrategyWeekly), time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), "2025-W01"},
		{"weekly before first monday", cfgFor(types.StrategyWeekly), time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC), "2025-W00"},
		{"weekly year end", cfgFor(types.StrategyWeekly), time.Date(2024, 12, 31, 8, 0, 0, 0, time.UTC), "2024-W53"},
		{"monthly", cfgFor(types.StrategyMonthly), time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC), "2025-01"},
		{"quarterly", cfgFor(types.StrategyQuarterly), time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC), "2025-Q3"},
		{"custom days", types.PartitionConfig{Strategy: types.StrategyCustomDays, CustomDays: intPtr(7)}, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), "custom-7-P2"},
		{"custom days before epoch", types.PartitionConfig{Strategy: types.StrategyCustomDays, CustomDays: intPtr(7)}, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), "custom-7-P-1"},
		{"custom months", types.PartitionConfig{Strategy: types.StrategyCustomMonths, CustomMonths: intPtr(3)}, time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC), "custom-3m-P1"},
		{"custom months next year", types.PartitionConfig{Strategy: types.StrategyCustomMonths, CustomMonths: intPtr(6)}, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), "custom-6m-P3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PartitionIdentifier(tt.cfg, tt.ts); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestBoundaryCorrectness(t *testing.T) {
	monthly := cfgFor(types.StrategyMonthly)
	a := PartitionIdentifier(monthly, time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC))
	b := PartitionIdentifier(monthly, time.Date(2025, 2, 1, 0, 0, 1, 0, time.UTC))
	if a != "2025-01" || b != "2025-02" {
		t.Errorf("monthly boundary: got %s and %s", a, b)
	}

	daily := cfgFor(types.StrategyDaily)
	if PartitionIdentifier(daily, time.Date(2025, 6, 1, 23, 59, 59, 0, time.UTC)) ==
		PartitionIdentifier(daily, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)) {
		t.Error("daily identifiers should differ across midnight")
	}

	quarterly := cfgFor(types.StrategyQuarterly)
	q1 := PartitionIdentifier(quarterly, time.Date(2025, 3, 31, 23, 0, 0, 0, time.UTC))
	q2 := PartitionIdentifier(quarterly, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))
	if q1 != "2025-Q1" || q2 != "2025-Q2" {
		t.Errorf("quarterly boundary: got %s and %s", q1, q2)
	}
}

func TestWeeklyYearBoundarySplitsWeek(t *testing.T) {
	weekly := cfgFor(types.StrategyWeekly)
	dec31 := time.Date(2024, 12, 31, 12, 0, 0, 0, time.UTC)
	jan1 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if PartitionIdentifier(weekly, dec31) == PartitionIdentifier(weekly, jan1) {
		t.Fatal("week spanning Dec 31/Jan 1 should produce two identifiers")
	}

	// Both days share a Monday, but the spans stop at Jan 1.
	start, end := PeriodBounds(weekly, dec31)
	if !start.Equal(time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("dec31 bounds = [%v, %v)", start, end)
	}
	start, end = PeriodBounds(weekly, jan1)
	if !start.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("jan1 bounds = [%v, %v)", start, end)
	}
}

func TestCurrentPeriodStart(t *testing.T) {
	now := time.Date(2025, 5, 14, 15, 47, 12, 0, time.UTC) // Wednesday

	tests := []struct {
		cfg  types.PartitionConfig
		want time.Time
	}{
		{cfgFor(types.StrategyFiveMinute), time.Date(2025, 5, 14, 15, 45, 0, 0, time.UTC)},
		{cfgFor(types.StrategyDaily), time.Date(2025, 5, 14, 0, 0, 0, 0, time.UTC)},
		{cfgFor(types.StrategyWeekly), time.Date(2025, 5, 12, 0, 0, 0, 0, time.UTC)},
		{cfgFor(types.StrategyMonthly), time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)},
		{cfgFor(types.StrategyQuarterly), time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
		{types.PartitionConfig{Strategy: types.StrategyCustomDays, CustomDays: intPtr(10)}, time.Date(2025, 5, 11, 0, 0, 0, 0, time.UTC)},
		{types.PartitionConfig{Strategy: types.StrategyCustomMonths, CustomMonths: intPtr(2)}, time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		got := CurrentPeriodStart(tt.cfg, now)
		if !got.Equal(tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.cfg.Strategy, tt.want, got)
		}
	}
}

func TestWeeklyPeriodStartCrossesYear(t *testing.T) {
	got := CurrentPeriodStart(cfgFor(types.StrategyWeekly), time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC))
	want := time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestPeriodStartKeepsLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5:45", 5*3600+45*60)
	got := CurrentPeriodStart(cfgFor(types.StrategyFiveMinute), time.Date(2025, 5, 14, 15, 47, 0, 0, loc))
	if got.Minute() != 45 || got.Location() != loc {
		t.Errorf("expected 15:45 in %v, got %v", loc, got)
	}
}

func TestValidateCustomParams(t *testing.T) {
	tests := []struct {
		name     string
		strategy types.PartitionStrategy
		days     *int
		months   *int
		want     bool
	}{
		{"days missing", types.StrategyCustomDays, nil, nil, false},
		{"days zero", types.StrategyCustomDays, intPtr(0), nil, false},
		{"days too large", types.StrategyCustomDays, intPtr(366), nil, false},
		{"days ok", types.StrategyCustomDays, intPtr(30), nil, true},
		{"days upper bound", types.StrategyCustomDays, intPtr(365), nil, true},
		{"months missing", types.StrategyCustomMonths, nil, nil, false},
		{"months too large", types.StrategyCustomMonths, nil, intPtr(13), false},
		{"months ok", types.StrategyCustomMonths, nil, intPtr(12), true},
		{"months ignores days", types.StrategyCustomMonths, intPtr(999), intPtr(1), true},
		{"daily ignores params", types.StrategyDaily, intPtr(-5), intPtr(99), true},
	}
	for _, tt := range tests {
		if got := ValidateCustomParams(tt.strategy, tt.days, tt.months); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := types.DefaultPartitionConfig()
	if err := Validate(valid); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*types.PartitionConfig)
	}{
		{"unknown strategy", func(c *types.PartitionConfig) { c.Strategy = "hourly" }},
		{"custom days missing", func(c *types.PartitionConfig) { c.Strategy = types.StrategyCustomDays }},
		{"custom months missing", func(c *types.PartitionConfig) { c.Strategy = types.StrategyCustomMonths }},
		{"zero retention", func(c *types.PartitionConfig) { c.RetentionValue = 0 }},
		{"too many days", func(c *types.PartitionConfig) { c.RetentionValue = 3651 }},
		{"too many weeks", func(c *types.PartitionConfig) { c.RetentionUnit = types.RetentionWeeks; c.RetentionValue = 521 }},
		{"too many months", func(c *types.PartitionConfig) { c.RetentionUnit = types.RetentionMonths; c.RetentionValue = 121 }},
		{"unknown unit", func(c *types.PartitionConfig) { c.RetentionUnit = "years" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := types.DefaultPartitionConfig()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if tberrors.GetCode(err) != tberrors.CodeConfigInvalid {
				t.Errorf("expected CONFIG_INVALID, got %v", err)
			}
		})
	}

	edge := types.DefaultPartitionConfig()
	edge.RetentionUnit = types.RetentionMonths
	edge.RetentionValue = 120
	if err := Validate(edge); err != nil {
		t.Errorf("120 months should be accepted: %v", err)
	}
}

func TestRetentionDays(t *testing.T) {
	cfg := types.DefaultPartitionConfig()
	cfg.RetentionValue = 3

	cfg.RetentionUnit = types.RetentionDays
	if RetentionDays(cfg) != 3 {
		t.Errorf("days: got %d", RetentionDays(cfg))
	}
	cfg.RetentionUnit = types.RetentionWeeks
	if RetentionDays(cfg) != 21 {
		t.Errorf("weeks: got %d", RetentionDays(cfg))
	}
	cfg.RetentionUnit = types.RetentionMonths
	if RetentionDays(cfg) != 90 {
		t.Errorf("months: got %d", RetentionDays(cfg))
	}
}

func TestFileName(t *testing.T) {
	if got := FileName("2025-01"); got != "trendlog_2025-01.db" {
		t.Errorf("got %s", got)
	}
}
