package schema

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Infer derives a schema from one decoded JSON object. Fields carry no
// ids; Merge assigns them. Names are ordered lexically because a decoded
// object no longer remembers its key order.
func Infer(obj map[string]any) *Schema {
	return &Schema{Fields: inferFields(obj)}
}

func inferFields(obj map[string]any) []Field {
	names := make([]string, 0, len(obj))
	for name := range obj {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, Field{Name: name, Type: InferValue(obj[name])})
	}
	return fields
}

// InferValue maps a decoded value onto the type model. Numbers decoded
// with UseNumber are integral unless their text has a fraction or an
// exponent; Go numeric types map by width.
func InferValue(v any) Type {
	switch v := v.(type) {
	case nil:
		return NullType{}
	case bool:
		return Boolean
	case string:
		return String
	case json.Number:
		s := v.String()
		if strings.ContainsAny(s, ".eE") {
			return Double
		}
		if _, err := v.Int64(); err != nil {
			return Double
		}
		return Long
	case int8, int16, int32, uint8, uint16:
		return Int
	case int, int64, uint32, uint, uint64:
		return Long
	case float32:
		return Float
	case float64:
		return Double
	case time.Time:
		return Timestamp
	case []byte:
		return Binary
	case []any:
		return inferList(v)
	case map[string]any:
		return &StructType{Fields: inferFields(v)}
	}
	return String
}

func inferList(items []any) Type {
	var elem Type = NullType{}
	for _, item := range items {
		it := InferValue(item)
		merged, _, err := mergeType(elem, it, nil, "")
		if err != nil {
			if numeric(elem) && numeric(it) {
				elem = Double
				continue
			}
			// mixed element types fall back to strings
			return &ListType{Element: String}
		}
		elem = merged
	}
	return &ListType{Element: elem}
}

// resolved strips unresolved parts from an inferred type. It reports
// false when nothing persistable remains, e.g. null or list<null>.
func resolved(t Type) (Type, bool) {
	switch t := t.(type) {
	case NullType:
		return nil, false
	case *ListType:
		elem, ok := resolved(t.Element)
		if !ok {
			return nil, false
		}
		return &ListType{ElementID: t.ElementID, Element: elem, ElementRequired: t.ElementRequired}, true
	case *StructType:
		var fields []Field
		for _, f := range t.Fields {
			if ft, ok := resolved(f.Type); ok {
				f.Type = ft
				fields = append(fields, f)
			}
		}
		if len(fields) == 0 {
			return nil, false
		}
		return &StructType{Fields: fields}, true
	}
	return t, true
}

func numeric(t Type) bool {
	switch t {
	case Int, Long, Float, Double:
		return true
	}
	return false
}
