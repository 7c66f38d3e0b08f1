// Package types provides the core data types shared across trendbridge packages.
package types

import (
	"fmt"
	"time"
)

// Identity names one monitored signal instance on a controller.
type Identity struct {
	SerialNumber int64  `json:"serial_number" db:"serial_number"`
	PanelID      int64  `json:"panel_id" db:"panel_id"`
	PointID      string `json:"point_id" db:"point_id"`
	PointIndex   int64  `json:"point_index" db:"point_index"`
	PointType    string `json:"point_type" db:"point_type"`
}

// String renders the identity tuple for logs and error messages.
func (id Identity) String() string {
	return fmt.Sprintf("%d/%d/%s/%d/%s", id.SerialNumber, id.PanelID, id.PointID, id.PointIndex, id.PointType)
}

// ParentMeta holds the descriptive attributes of a signal.
type ParentMeta struct {
	// DigitalAnalog is the signal kind ("digital" or "analog" on most controllers)
	DigitalAnalog string `json:"digital_analog" db:"digital_analog"`

	// RangeField is the engineering range code
	RangeField string `json:"range_field" db:"range_field"`

	// Units is the unit label
	Units string `json:"units" db:"units"`

	// Description is free text
	Description string `json:"description" db:"description"`
}

// ParentSpec is what the ingestion path knows about a parent before it has an id.
type ParentSpec struct {
	Identity Identity
	Meta     ParentMeta
}

// Sample is one observation as handed to the ingestion writer.
type Sample struct {
	Identity Identity   `json:"identity"`
	Meta     ParentMeta `json:"meta"`

	// Value is the text-encoded numeric or state value
	Value string `json:"value"`

	// LoggingTime is the Unix timestamp (seconds) of the observation
	LoggingTime int64 `json:"logging_time"`

	DataSource   *string `json:"data_source,omitempty"`
	SyncInterval *int64  `json:"sync_interval,omitempty"`
	CreatedBy    *string `json:"created_by,omitempty"`
}

// SampleRecord is a child row joined with its parent, as returned by queries.
type SampleRecord struct {
	ID       int64 `json:"id"`
	ParentID int64 `json:"parent_id"`

	Identity
	ParentMeta

	Value                string `json:"value"`
	LoggingTime          int64  `json:"logging_time"`
	LoggingTimeFormatted string `json:"logging_time_fmt"`

	DataSource   *string `json:"data_source,omitempty"`
	SyncInterval *int64  `json:"sync_interval,omitempty"`
	CreatedBy    *string `json:"created_by,omitempty"`
}

// TimeFormat is the canonical display format of logging_time_fmt.
// Lexicographic order on this format is chronological order.
const TimeFormat = "2006-01-02 15:04:05"

// FormatLoggingTime renders a Unix timestamp in TimeFormat in loc.
func FormatLoggingTime(sec int64, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return time.Unix(sec, 0).In(loc).Format(TimeFormat)
}
