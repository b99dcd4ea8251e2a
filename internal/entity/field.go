package entity

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"

	"github.com/kalambet/twinsync/internal/codec"
)

// Kind is the storage type of a field.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindDecimal
	KindBool
	KindDate
	KindDateTime
	KindTime
	KindUUID
	KindBytes
	KindForeignKey
	KindJSON
)

var kindNames = [...]string{
	KindString:     "string",
	KindInt:        "int",
	KindFloat:      "float",
	KindDecimal:    "decimal",
	KindBool:       "bool",
	KindDate:       "date",
	KindDateTime:   "datetime",
	KindTime:       "time",
	KindUUID:       "uuid",
	KindBytes:      "bytes",
	KindForeignKey: "fk",
	KindJSON:       "json",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Field is a named, typed attribute of an entity.
type Field struct {
	Name string
	Kind Kind
}

var (
	trueTokens  = map[string]bool{"1": true, "true": true, "yes": true, "on": true}
	falseTokens = map[string]bool{"0": true, "false": true, "no": true, "off": true}
)

// Coerce converts a JSON-safe wire value into the field's native type.
// Values that cannot be converted are returned unchanged; the database
// decides whether to accept them.
func (f Field) Coerce(raw any) any {
	if raw == nil {
		return nil
	}
	switch f.Kind {
	case KindString:
		if n, ok := raw.(json.Number); ok {
			return n.String()
		}
		return raw
	case KindInt, KindForeignKey:
		if i, ok := toInt(raw); ok {
			return i
		}
	case KindFloat:
		if x, ok := toFloat(raw); ok {
			return x
		}
	case KindDecimal:
		if d, ok := toDecimal(raw); ok {
			return d
		}
	case KindBool:
		if b, ok := toBool(raw); ok {
			return b
		}
	case KindDateTime:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC()
		case string:
			if t, err := codec.ParseTime(v); err == nil {
				return t
			}
		}
	case KindDate:
		switch v := raw.(type) {
		case codec.Date:
			return v
		case time.Time:
			return codec.DateOf(v)
		case string:
			if d, err := codec.ParseDate(v); err == nil {
				return d
			}
		}
	case KindTime:
		switch v := raw.(type) {
		case codec.TimeOfDay:
			return v
		case string:
			if c, err := codec.ParseTimeOfDay(v); err == nil {
				return c
			}
		}
	case KindUUID:
		switch v := raw.(type) {
		case uuid.UUID:
			return v
		case string:
			if id, err := uuid.Parse(v); err == nil {
				return id
			}
		}
	case KindBytes:
		switch v := raw.(type) {
		case []byte:
			return v
		case string:
			if b, err := base64.StdEncoding.DecodeString(v); err == nil {
				return b
			}
		}
	}
	return raw
}

func toInt(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		if f, err := v.Float64(); err == nil && f == math.Trunc(f) {
			return int64(f), true
		}
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return int64(v), true
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func toDecimal(raw any) (*apd.Decimal, bool) {
	var s string
	switch v := raw.(type) {
	case *apd.Decimal:
		return v, true
	case string:
		s = v
	case json.Number:
		s = v.String()
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return apd.New(v, 0), true
	case int:
		return apd.New(int64(v), 0), true
	default:
		return nil, false
	}
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, false
	}
	return d, true
}

func toBool(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		t := strings.ToLower(strings.TrimSpace(v))
		if trueTokens[t] {
			return true, true
		}
		if falseTokens[t] {
			return false, true
		}
	case json.Number, float64, int64, int:
		if i, ok := toInt(v); ok && (i == 0 || i == 1) {
			return i == 1, true
		}
	}
	return false, false
}

// toColumn converts a native value into something the SQLite driver binds.
func (f Field) toColumn(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if f.Kind == KindJSON {
		data, err := json.Marshal(codec.ToJSONSafe(v))
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	switch x := v.(type) {
	case string, bool, int64, float64, []byte:
		return x, nil
	case int:
		return int64(x), nil
	case json.Number:
		return x.String(), nil
	}
	safe := codec.ToJSONSafe(v)
	switch safe.(type) {
	case map[string]any, []any:
		data, err := json.Marshal(safe)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	return safe, nil
}

// fromColumn converts a scanned column back into the field's native type.
func (f Field) fromColumn(v any) any {
	if v == nil {
		return nil
	}
	switch f.Kind {
	case KindString:
		if b, ok := v.([]byte); ok {
			return string(b)
		}
		return v
	case KindBool:
		switch x := v.(type) {
		case int64:
			return x != 0
		case bool:
			return x
		}
		return f.Coerce(v)
	case KindJSON:
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case []byte:
			s = string(x)
		default:
			return v
		}
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		var out any
		if err := dec.Decode(&out); err != nil {
			return s
		}
		return out
	case KindBytes:
		if s, ok := v.(string); ok {
			return []byte(s)
		}
		return v
	}
	return f.Coerce(v)
}
