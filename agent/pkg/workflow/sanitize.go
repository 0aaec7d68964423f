package workflow

import (
	"fmt"
	"math"
	"net"
	"reflect"
	"strconv"
	"time"
)

// SanitizeRows makes row values JSON-safe in place: NaN and Inf become nil,
// pointers are dereferenced, and byte slices, IPs and times become strings.
func SanitizeRows(rows []map[string]any) {
	for _, row := range rows {
		for k, v := range row {
			row[k] = sanitizeValue(v)
		}
	}
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case []byte:
		return string(val)
	case net.IP:
		return val.String()
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil
		}
		return val.String()
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		return sanitizeValue(rv.Elem().Interface())
	}
	return v
}

// FormatValue renders a cell value for text output.
func FormatValue(v any) string {
	switch val := sanitizeValue(v).(type) {
	case nil:
		return "NULL"
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', 2, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
