// Package transform implements the mapping-rule transformation chain and
// the coercion of transformed strings into typed column values. It is pure
// and stateless; failures surface as TransformError, never as silently
// substituted values.
package transform

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/integrahub/docflow/internal/dferr"
)

// TargetType names the column type a mapping rule coerces into. Values
// match the data_type column of mapping_rules, compared uppercase.
type TargetType string

const (
	TypeString   TargetType = "STRING"
	TypeInteger  TargetType = "INTEGER"
	TypeLong     TargetType = "LONG"
	TypeDouble   TargetType = "DOUBLE"
	TypeDecimal  TargetType = "DECIMAL"
	TypeDate     TargetType = "DATE"
	TypeDateTime TargetType = "DATETIME"
	TypeBoolean  TargetType = "BOOLEAN"
)

// ParseTargetType normalizes a data_type value. Unknown types map to STRING
// so a sloppy rule degrades to pass-through rather than failing every document.
func ParseTargetType(s string) TargetType {
	switch TargetType(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeInteger, "INT":
		return TypeInteger
	case TypeLong:
		return TypeLong
	case TypeDouble, "FLOAT":
		return TypeDouble
	case TypeDecimal, "BIGDECIMAL", "NUMERIC":
		return TypeDecimal
	case TypeDate, "LOCALDATE":
		return TypeDate
	case TypeDateTime, "TIMESTAMP":
		return TypeDateTime
	case TypeBoolean, "BOOL":
		return TypeBoolean
	default:
		return TypeString
	}
}

var nonNumeric = regexp.MustCompile(`[^0-9.\-]`)

// date layouts accepted by the date/time normalization steps, tried in order.
var (
	dateLayouts = []string{"2006-01-02", "20060102", "01/02/2006", "2006/01/02", "02.01.2006"}
	timeLayouts = []string{"15:04:05", "150405", "15:04", "1504"}
	dateTimeLayouts = []string{
		"2006-01-02T15:04:05", "2006-01-02 15:04:05", time.RFC3339, "20060102150405",
	}
)

// Apply runs the pipe-separated transformation chain over value. Step names
// are lowercased and trimmed before dispatch; unknown steps log a warning
// and pass the value through unchanged. Null or whitespace-only input
// yields the empty string regardless of the chain.
func Apply(value, chain string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	if strings.TrimSpace(chain) == "" {
		return value, nil
	}
	out := value
	for _, raw := range strings.Split(chain, "|") {
		step := strings.ToLower(strings.TrimSpace(raw))
		if step == "" {
			continue
		}
		var err error
		out, err = applyStep(out, step)
		if err != nil {
			return "", err
		}
	}
	return out, nil
}

func applyStep(value, step string) (string, error) {
	switch step {
	case "uppercase":
		return strings.ToUpper(value), nil
	case "lowercase":
		return strings.ToLower(value), nil
	case "trim":
		return strings.TrimSpace(value), nil
	case "remove_leading_zeros":
		trimmed := strings.TrimLeft(value, "0")
		if trimmed == "" {
			return "0", nil
		}
		return trimmed, nil
	case "date_format":
		t, err := parseAny(strings.TrimSpace(value), dateLayouts)
		if err != nil {
			return "", dferr.Wrap(dferr.KindTransform, err, "date_format: unparseable date %q", value)
		}
		return t.Format("2006-01-02"), nil
	case "time_format":
		t, err := parseAny(strings.TrimSpace(value), timeLayouts)
		if err != nil {
			return "", dferr.Wrap(dferr.KindTransform, err, "time_format: unparseable time %q", value)
		}
		return t.Format("15:04:05"), nil
	case "datetime_format":
		t, err := parseAny(strings.TrimSpace(value), dateTimeLayouts)
		if err != nil {
			return "", dferr.Wrap(dferr.KindTransform, err, "datetime_format: unparseable datetime %q", value)
		}
		return t.Format("2006-01-02T15:04:05"), nil
	case "decimal_format":
		return formatDecimal(value, 3, step)
	case "integer_format":
		return formatDecimal(value, 0, step)
	case "currency_format":
		return formatDecimal(value, 2, step)
	default:
		slog.Warn("unknown transformation step, passing value through", "step", step)
		return value, nil
	}
}

// formatDecimal parses a loosely formatted numeric string and renders it
// with the given number of fraction digits, rounding half up, no grouping.
func formatDecimal(value string, places int, step string) (string, error) {
	d, err := parseDecimal(value)
	if err != nil {
		return "", dferr.Wrap(dferr.KindTransform, err, "%s: unparseable number %q", step, value)
	}
	return d.StringFixed(int32(places)), nil
}

// parseDecimal sanitizes a raw XML value into a decimal: commas become
// dots, everything outside [0-9.\-] is stripped.
func parseDecimal(value string) (decimal.Decimal, error) {
	s := strings.ReplaceAll(strings.TrimSpace(value), ",", ".")
	s = nonNumeric.ReplaceAllString(s, "")
	return decimal.NewFromString(s)
}

func parseAny(value string, layouts []string) (time.Time, error) {
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Convert runs the chain over value and coerces the result into the target
// type. Null or whitespace input returns nil without touching the chain.
// The concrete Go types returned are: string, int64 (Integer and Long),
// float64, decimal.Decimal, time.Time (Date and DateTime), bool.
func Convert(value, chain string, target TargetType) (any, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	s, err := Apply(value, chain)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	switch target {
	case TypeString:
		return s, nil
	case TypeInteger, TypeLong:
		d, err := parseDecimal(s)
		if err != nil {
			return nil, dferr.Wrap(dferr.KindTransform, err, "cannot coerce %q to %s", s, target)
		}
		return d.Round(0).IntPart(), nil
	case TypeDouble:
		d, err := parseDecimal(s)
		if err != nil {
			return nil, dferr.Wrap(dferr.KindTransform, err, "cannot coerce %q to DOUBLE", s)
		}
		return d.InexactFloat64(), nil
	case TypeDecimal:
		d, err := parseDecimal(s)
		if err != nil {
			return nil, dferr.Wrap(dferr.KindTransform, err, "cannot coerce %q to DECIMAL", s)
		}
		return d, nil
	case TypeDate:
		t, err := parseAny(strings.TrimSpace(s), dateLayouts)
		if err != nil {
			return nil, dferr.Wrap(dferr.KindTransform, err, "cannot coerce %q to DATE", s)
		}
		return t, nil
	case TypeDateTime:
		t, err := parseAny(strings.TrimSpace(s), dateTimeLayouts)
		if err != nil {
			return nil, dferr.Wrap(dferr.KindTransform, err, "cannot coerce %q to DATETIME", s)
		}
		return t, nil
	case TypeBoolean:
		switch strings.TrimSpace(s) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			return nil, dferr.New(dferr.KindTransform, "cannot coerce %q to BOOLEAN, want true or false", s)
		}
	default:
		return s, nil
	}
}
