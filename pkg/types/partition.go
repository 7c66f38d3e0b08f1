package types

// PartitionStrategy selects how time-series data is cut into partition files.
type PartitionStrategy string

const (
	// StrategyFiveMinute buckets by 5-minute intervals. Only meant for tests and demos.
	StrategyFiveMinute PartitionStrategy = "fixed-5-minute"

	// StrategyDaily produces one partition per calendar day (YYYY-MM-DD)
	StrategyDaily PartitionStrategy = "daily"

	// StrategyWeekly produces one partition per week of year, Monday start (YYYY-Www)
	StrategyWeekly PartitionStrategy = "weekly"

	// StrategyMonthly produces one partition per calendar month (YYYY-MM)
	StrategyMonthly PartitionStrategy = "monthly"

	// StrategyQuarterly produces one partition per calendar quarter (YYYY-Qn)
	StrategyQuarterly PartitionStrategy = "quarterly"

	// StrategyCustomDays produces one partition every CustomDays days
	StrategyCustomDays PartitionStrategy = "custom-days"

	// StrategyCustomMonths produces one partition every CustomMonths months
	StrategyCustomMonths PartitionStrategy = "custom-months"
)

// Strategies lists every supported strategy.
var Strategies = []PartitionStrategy{
	StrategyFiveMinute,
	StrategyDaily,
	StrategyWeekly,
	StrategyMonthly,
	StrategyQuarterly,
	StrategyCustomDays,
	StrategyCustomMonths,
}

// RetentionUnit is the unit of PartitionConfig.RetentionValue.
type RetentionUnit string

const (
	RetentionDays   RetentionUnit = "days"
	RetentionWeeks  RetentionUnit = "weeks"
	RetentionMonths RetentionUnit = "months"
)

// PartitionConfig is the administratively edited partitioning setup.
// It is replaced as a whole value, never mutated in place.
type PartitionConfig struct {
	// Strategy is the partitioning strategy
	Strategy PartitionStrategy `json:"strategy" yaml:"strategy"`

	// CustomDays is required for StrategyCustomDays, in [1,365]
	CustomDays *int `json:"custom_days,omitempty" yaml:"custom_days,omitempty"`

	// CustomMonths is required for StrategyCustomMonths, in [1,12]
	CustomMonths *int `json:"custom_months,omitempty" yaml:"custom_months,omitempty"`

	// AutoCleanupEnabled turns on the retention sweep
	AutoCleanupEnabled bool `json:"auto_cleanup_enabled" yaml:"auto_cleanup_enabled"`

	// RetentionValue and RetentionUnit define how long data is kept
	RetentionValue int           `json:"retention_value" yaml:"retention_value"`
	RetentionUnit  RetentionUnit `json:"retention_unit" yaml:"retention_unit"`

	// IsActive=false disables partitioning: queries only hit the live tables
	IsActive bool `json:"is_active" yaml:"is_active"`
}

// DefaultPartitionConfig returns the configuration written on first start.
func DefaultPartitionConfig() PartitionConfig {
	return PartitionConfig{
		Strategy:           StrategyDaily,
		AutoCleanupEnabled: false,
		RetentionValue:     30,
		RetentionUnit:      RetentionDays,
		IsActive:           false,
	}
}
