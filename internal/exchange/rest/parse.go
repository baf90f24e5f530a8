package rest

import (
	"encoding/json"
	"math"
	"strconv"
)

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

func floatFromAny(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		return parseFloat(val)
	case json.Number:
		f, _ := val.Float64()
		return f
	}
	return 0
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatField(m map[string]any, key string) float64 {
	return floatFromAny(m[key])
}

// formatQty trims a value to the symbol's precision, truncating rather
// than rounding so an order never exceeds the intended size.
func formatQty(v float64, precision int) string {
	if precision < 0 {
		precision = 0
	}
	scale := math.Pow10(precision)
	truncated := math.Floor(v*scale) / scale
	return strconv.FormatFloat(truncated, 'f', precision, 64)
}
