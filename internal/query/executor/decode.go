package executor

import (
	"database/sql"
	"fmt"
	"math"
	"strconv"

	tberrors "github.com/trendbridge/trendbridge/internal/errors"
	"github.com/trendbridge/trendbridge/pkg/types"
)

// requiredColumns must be present in every result set.
var requiredColumns = []string{
	"id", "parent_id",
	"serial_number", "panel_id", "point_id", "point_index", "point_type",
	"value", "logging_time", "logging_time_fmt",
}

// rowDecoder maps result columns to SampleRecord fields by name, so partition
// files with reordered or missing optional columns still decode.
type rowDecoder struct {
	index map[string]int
	width int
}

func newRowDecoder(columns []string) (*rowDecoder, error) {
	d := &rowDecoder{index: make(map[string]int, len(columns)), width: len(columns)}
	for i, c := range columns {
		d.index[c] = i
	}
	for _, c := range requiredColumns {
		if _, ok := d.index[c]; !ok {
			return nil, tberrors.NewRowDecodeError(c, nil)
		}
	}
	return d, nil
}

// decode scans the current row of rows.
func (d *rowDecoder) decode(rows *sql.Rows) (types.SampleRecord, error) {
	values := make([]any, d.width)
	ptrs := make([]any, d.width)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return types.SampleRecord{}, fmt.Errorf("executor: failed to scan row: %w", err)
	}
	return d.decodeValues(values)
}

func (d *rowDecoder) decodeValues(values []any) (types.SampleRecord, error) {
	var rec types.SampleRecord
	var err error

	ints := []struct {
		column string
		dst    *int64
	}{
		{"id", &rec.ID},
		{"parent_id", &rec.ParentID},
		{"serial_number", &rec.SerialNumber},
		{"panel_id", &rec.PanelID},
		{"point_index", &rec.PointIndex},
		{"logging_time", &rec.LoggingTime},
	}
	for _, f := range ints {
		if *f.dst, err = d.requiredInt(values, f.column); err != nil {
			return types.SampleRecord{}, err
		}
	}

	texts := []struct {
		column string
		dst    *string
	}{
		{"point_id", &rec.PointID},
		{"point_type", &rec.PointType},
		{"value", &rec.Value},
		{"logging_time_fmt", &rec.LoggingTimeFormatted},
	}
	for _, f := range texts {
		if *f.dst, err = d.requiredText(values, f.column); err != nil {
			return types.SampleRecord{}, err
		}
	}

	rec.DigitalAnalog = d.optionalText(values, "digital_analog")
	rec.RangeField = d.optionalText(values, "range_field")
	rec.Units = d.optionalText(values, "units")
	rec.Description = d.optionalText(values, "description")

	if s := d.optionalText(values, "data_source"); s != "" {
		rec.DataSource = &s
	}
	if s := d.optionalText(values, "created_by"); s != "" {
		rec.CreatedBy = &s
	}
	if i, ok := d.lookup(values, "sync_interval"); ok {
		if n, ok := asInt(i); ok {
			rec.SyncInterval = &n
		}
	}
	return rec, nil
}

func (d *rowDecoder) lookup(values []any, column string) (any, bool) {
	i, ok := d.index[column]
	if !ok || values[i] == nil {
		return nil, false
	}
	return values[i], true
}

func (d *rowDecoder) requiredInt(values []any, column string) (int64, error) {
	v, ok := d.lookup(values, column)
	if !ok {
		return 0, tberrors.NewRowDecodeError(column, fmt.Errorf("unexpected NULL"))
	}
	n, ok := asInt(v)
	if !ok {
		return 0, tberrors.NewRowDecodeError(column, fmt.Errorf("cannot decode %T as integer", v))
	}
	return n, nil
}

func (d *rowDecoder) requiredText(values []any, column string) (string, error) {
	v, ok := d.lookup(values, column)
	if !ok {
		return "", tberrors.NewRowDecodeError(column, fmt.Errorf("unexpected NULL"))
	}
	s, ok := asText(v)
	if !ok {
		return "", tberrors.NewRowDecodeError(column, fmt.Errorf("cannot decode %T as text", v))
	}
	return s, nil
}

func (d *rowDecoder) optionalText(values []any, column string) string {
	v, ok := d.lookup(values, column)
	if !ok {
		return ""
	}
	s, _ := asText(v)
	return s
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int64(t), true
	case []byte:
		n, err := strconv.ParseInt(string(t), 10, 64)
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// asText accepts numbers too: value columns of older files hold REAL values.
func asText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}
