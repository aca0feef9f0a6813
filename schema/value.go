package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/multierr"
)

// ErrMissingRequired is returned by Conform for a null in a required
// field; it cannot be repaired by degrading the value.
var ErrMissingRequired = errors.New("missing required value")

const maxExactDouble = 1 << 53

// EpochDays is the number of whole days from 1970-01-01 UTC to t,
// rounded down, so instants before 1970 land on negative days.
func EpochDays(t time.Time) int32 {
	return int32(floorDiv(t.Unix(), 86400))
}

// EpochHours is EpochDays for hours.
func EpochHours(t time.Time) int32 {
	return int32(floorDiv(t.Unix(), 3600))
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// Conform converts a decoded record into the representation the data
// file writer expects for s: int32 for int, int64 for long, float32 and
// float64, int32 days for date, int64 microseconds for timestamp, []byte
// for binary, nested maps and slices for structs and lists. Keys that s
// does not know are dropped.
//
// A value that cannot be converted without loss is degraded: a string
// column gets its text, any other column gets null. Each degraded value
// is reported as a *ConflictError in the returned error, alongside the
// converted row.
func Conform(rec map[string]any, s *Schema) (map[string]any, error) {
	return conformStruct(rec, s.Fields, "")
}

func conformStruct(rec map[string]any, fields []Field, prefix string) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	var errs error
	for _, f := range fields {
		v, ok := rec[f.Name]
		if !ok || v == nil {
			if f.Required {
				errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrMissingRequired, prefix+f.Name))
			}
			out[f.Name] = nil
			continue
		}
		cv, err := conformValue(v, f.Type, prefix+f.Name)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		out[f.Name] = cv
	}
	return out, errs
}

func conformValue(v any, t Type, path string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := t.(type) {
	case PrimitiveType:
		cv, ok := convertPrimitive(v, t)
		if ok {
			return cv, nil
		}
		return degrade(v, t), &ConflictError{Field: path, Old: t, New: InferValue(v)}

	case *StructType:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, &ConflictError{Field: path, Old: t, New: InferValue(v)}
		}
		return conformStruct(m, t.Fields, path+".")

	case *ListType:
		items, ok := v.([]any)
		if !ok {
			return nil, &ConflictError{Field: path, Old: t, New: InferValue(v)}
		}
		out := make([]any, len(items))
		var errs error
		for i, item := range items {
			cv, err := conformValue(item, t.Element, path+".element")
			if err != nil {
				errs = multierr.Append(errs, err)
			}
			out[i] = cv
		}
		return out, errs
	}
	return nil, &ConflictError{Field: path, Old: t, New: InferValue(v)}
}

func degrade(v any, t PrimitiveType) any {
	if t == String {
		return Stringify(v)
	}
	return nil
}

// Stringify renders any decoded value as text; nested values become JSON.
func Stringify(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err == nil {
			return string(data)
		}
	}
	return fmt.Sprint(v)
}

func convertPrimitive(v any, t PrimitiveType) (any, bool) {
	switch t {
	case Boolean:
		switch v := v.(type) {
		case bool:
			return v, true
		case string:
			b, err := strconv.ParseBool(v)
			return b, err == nil
		}
	case Int:
		n, ok := toInt64(v)
		if !ok {
			n, ok = integral(v)
		}
		if ok && n >= math.MinInt32 && n <= math.MaxInt32 {
			return int32(n), true
		}
	case Long:
		return toInt64(v)
	case Float:
		switch v := v.(type) {
		case float32:
			return v, true
		case json.Number:
			f, err := strconv.ParseFloat(v.String(), 32)
			return float32(f), err == nil
		}
	case Double:
		switch v := v.(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, false
			}
			if _, ierr := v.Int64(); ierr == nil && math.Abs(f) > maxExactDouble {
				return nil, false
			}
			return f, true
		}
		if n, ok := toInt64(v); ok && n >= -maxExactDouble && n <= maxExactDouble {
			return float64(n), true
		}
	case String:
		if s, ok := v.(string); ok {
			return s, true
		}
	case Date:
		switch v := v.(type) {
		case time.Time:
			return EpochDays(v), true
		case int32:
			return v, true
		case string:
			d, err := time.Parse(time.DateOnly, v)
			if err != nil {
				return nil, false
			}
			return EpochDays(d), true
		}
	case Timestamp:
		switch v := v.(type) {
		case time.Time:
			return v.UnixMicro(), true
		case int64:
			return v, true
		case string:
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, false
			}
			return ts.UnixMicro(), true
		}
	case Binary:
		switch v := v.(type) {
		case []byte:
			return v, true
		case string:
			return []byte(v), true
		}
	}
	return nil, false
}

// integral converts a floating point value without a fractional part.
func integral(v any) (int64, bool) {
	var f float64
	switch v := v.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case json.Number:
		var err error
		if f, err = v.Float64(); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if f != math.Trunc(f) || math.Abs(f) > maxExactDouble {
		return 0, false
	}
	return int64(f), true
}

func toInt64(v any) (int64, bool) {
	switch v := v.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint:
		return int64(v), v <= math.MaxInt64
	case uint64:
		return int64(v), v <= math.MaxInt64
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// fits reports whether v can be stored in a column of type t as it is.
// A value that would need the column widened only fits when it converts
// without loss, like an integral double in an int column.
func fits(v any, t Type) bool {
	_, changed, err := mergeType(t, InferValue(v), nil, "")
	if err != nil {
		return false
	}
	if p, ok := t.(PrimitiveType); ok && changed {
		_, ok := convertPrimitive(v, p)
		return ok
	}
	return true
}

// Repair keeps a record in its decoded form but replaces every value
// whose type conflicts with s, the same way Conform degrades: text for
// string columns, null otherwise. Fields unknown to s pass through.
func Repair(rec map[string]any, s *Schema) (map[string]any, error) {
	var (
		out  map[string]any
		errs error
	)
	for _, f := range s.Fields {
		v, ok := rec[f.Name]
		if !ok || v == nil {
			continue
		}
		if fits(v, f.Type) {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(rec))
			for k, v := range rec {
				out[k] = v
			}
		}
		if f.Type == String {
			out[f.Name] = Stringify(v)
		} else {
			out[f.Name] = nil
		}
		errs = multierr.Append(errs, &ConflictError{Field: f.Name, Old: f.Type, New: InferValue(v)})
	}
	if out == nil {
		return rec, nil
	}
	return out, errs
}
