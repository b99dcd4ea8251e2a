// Package codec converts domain values to a JSON-safe form and computes
// the content checksum that identifies a change across nodes.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
)

// ToJSONSafe converts v into a value built only from JSON primitives,
// map[string]any and []any. It never fails: values it does not know are
// rendered with fmt.Sprint.
func ToJSONSafe(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string, bool, json.Number:
		return x
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return x
	case float32:
		return safeFloat(float64(x))
	case float64:
		return safeFloat(x)
	case time.Time:
		return FormatTime(x)
	case *time.Time:
		if x == nil {
			return nil
		}
		return FormatTime(*x)
	case Date:
		return x.String()
	case TimeOfDay:
		return x.String()
	case apd.Decimal:
		return x.String()
	case *apd.Decimal:
		if x == nil {
			return nil
		}
		return x.String()
	case uuid.UUID:
		return x.String()
	case []byte:
		if x == nil {
			return nil
		}
		return base64.StdEncoding.EncodeToString(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = ToJSONSafe(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = ToJSONSafe(e)
		}
		return out
	case fmt.Stringer:
		return x.String()
	case error:
		return x.Error()
	}
	return reflectSafe(v)
}

func safeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return f
}

// reflectSafe handles typed collections such as []string or map[string]int.
func reflectSafe(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return ToJSONSafe(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = ToJSONSafe(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = ToJSONSafe(iter.Value().Interface())
		}
		return out
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return safeFloat(rv.Float())
	}
	return fmt.Sprint(v)
}
