package iceberg

import (
	"cmp"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"iceflow/schema"
)

// Partition field ids start here, as in the Iceberg spec.
const firstPartitionFieldID = 1000

type PartitionSpec struct {
	SpecID int              `json:"spec-id"`
	Fields []PartitionField `json:"fields"`
}

type PartitionField struct {
	SourceID  int    `json:"source-id"`
	FieldID   int    `json:"field-id"`
	Name      string `json:"name"`
	Transform string `json:"transform"`
}

func (s PartitionSpec) IsUnpartitioned() bool {
	return len(s.Fields) == 0
}

// sameLayout compares specs by what they compute, ignoring ids.
func (s PartitionSpec) sameLayout(o PartitionSpec) bool {
	if len(s.Fields) != len(o.Fields) {
		return false
	}
	for i := range s.Fields {
		a, b := s.Fields[i], o.Fields[i]
		if a.SourceID != b.SourceID || a.Transform != b.Transform || a.Name != b.Name {
			return false
		}
	}
	return true
}

var partitionExpr = regexp.MustCompile(`^\s*(\w+)\s*\(\s*(?:(\d+)\s*,\s*)?(\w+)\s*\)\s*$`)

// ParsePartitionSpec resolves partition expressions against s. Accepted
// forms are a bare column name (identity), identity(col), day(col) or
// date(col), hour(col) and bucket(n, col). Field ids are left unset; the
// commit assigns them when the layout is new to the table.
func ParsePartitionSpec(exprs []string, s *schema.Schema) (PartitionSpec, error) {
	var spec PartitionSpec
	names := make(map[string]bool)
	for _, expr := range exprs {
		transform, column := "identity", strings.TrimSpace(expr)
		if m := partitionExpr.FindStringSubmatch(expr); m != nil {
			column = m[3]
			switch fn := strings.ToLower(m[1]); fn {
			case "identity":
			case "day", "date":
				transform = "day"
			case "hour":
				transform = "hour"
			case "bucket":
				n, err := strconv.Atoi(m[2])
				if err != nil || n <= 0 {
					return spec, fmt.Errorf("partition %q: bucket needs a positive count", expr)
				}
				transform = fmt.Sprintf("bucket[%d]", n)
			default:
				return spec, fmt.Errorf("partition %q: unknown transform %q", expr, fn)
			}
		}

		src, ok := s.Field(column)
		if !ok {
			return spec, fmt.Errorf("partition %q: column %q is not in the schema", expr, column)
		}
		p, ok := src.Type.(schema.PrimitiveType)
		if !ok {
			return spec, fmt.Errorf("partition %q: column %q is not a primitive", expr, column)
		}
		if transform == "day" || transform == "hour" {
			switch p {
			case schema.Date, schema.Timestamp, schema.String:
			default:
				return spec, fmt.Errorf("partition %q: %s cannot be partitioned by time", expr, p)
			}
			if transform == "hour" && p == schema.Date {
				return spec, fmt.Errorf("partition %q: a date has no hour", expr)
			}
		}

		name := column
		if transform != "identity" {
			name = column + "_" + strings.SplitN(transform, "[", 2)[0]
		}
		if names[name] {
			return spec, fmt.Errorf("partition %q: duplicate partition field %q", expr, name)
		}
		names[name] = true
		spec.Fields = append(spec.Fields, PartitionField{SourceID: src.ID, Name: name, Transform: transform})
	}
	return spec, nil
}

// Partition computes the partition tuple of a conformed row and the
// relative path its data file goes under.
func (s PartitionSpec) Partition(row map[string]any, sc *schema.Schema) (map[string]any, string, error) {
	if s.IsUnpartitioned() {
		return nil, "", nil
	}
	values := make(map[string]any, len(s.Fields))
	parts := make([]string, 0, len(s.Fields))
	for _, pf := range s.Fields {
		src, ok := sc.FieldByID(pf.SourceID)
		if !ok {
			return nil, "", fmt.Errorf("partition field %q: source id %d not in schema", pf.Name, pf.SourceID)
		}
		v, err := applyTransform(pf.Transform, row[src.Name], src.Type)
		if err != nil {
			return nil, "", fmt.Errorf("partition field %q: %w", pf.Name, err)
		}
		values[pf.Name] = v
		parts = append(parts, pf.Name+"="+url.PathEscape(formatPartitionValue(pf.Transform, v, src.Type)))
	}
	return values, strings.Join(parts, "/"), nil
}

func applyTransform(transform string, v any, t schema.Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch {
	case transform == "identity":
		return v, nil
	case transform == "day":
		ts, err := asTime(v, t)
		if err != nil {
			return nil, err
		}
		return schema.EpochDays(ts), nil
	case transform == "hour":
		ts, err := asTime(v, t)
		if err != nil {
			return nil, err
		}
		return schema.EpochHours(ts), nil
	case strings.HasPrefix(transform, "bucket["):
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(transform, "bucket["), "]"))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad transform %q", transform)
		}
		return int32(xxh3.HashString(canonical(v)) % uint64(n)), nil
	}
	return nil, fmt.Errorf("unknown transform %q", transform)
}

func asTime(v any, t schema.Type) (time.Time, error) {
	switch v := v.(type) {
	case int64:
		if t == schema.Timestamp {
			return time.UnixMicro(v).UTC(), nil
		}
	case int32:
		if t == schema.Date {
			return time.Unix(int64(v)*86400, 0).UTC(), nil
		}
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts.UTC(), nil
		}
		if ts, err := time.Parse(time.DateOnly, v); err == nil {
			return ts, nil
		}
	case time.Time:
		return v.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("value %v is not a time", v)
}

func canonical(v any) string {
	switch v := v.(type) {
	case []byte:
		return string(v)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

func formatPartitionValue(transform string, v any, t schema.Type) string {
	if v == nil {
		return "null"
	}
	switch transform {
	case "day":
		return time.Unix(int64(v.(int32))*86400, 0).UTC().Format(time.DateOnly)
	case "hour":
		return time.Unix(int64(v.(int32))*3600, 0).UTC().Format("2006-01-02-15")
	case "identity":
		switch t {
		case schema.Date:
			if d, ok := v.(int32); ok {
				return time.Unix(int64(d)*86400, 0).UTC().Format(time.DateOnly)
			}
		case schema.Timestamp:
			if us, ok := v.(int64); ok {
				return time.UnixMicro(us).UTC().Format(time.RFC3339)
			}
		}
	}
	return canonical(v)
}

// comparePartitionValues orders values of one partition field. Values
// of different kinds fall back to their text.
func comparePartitionValues(a, b any) int {
	switch av := a.(type) {
	case int32:
		if bv, ok := b.(int32); ok {
			return cmp.Compare(av, bv)
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return cmp.Compare(av, bv)
		}
	case float32:
		if bv, ok := b.(float32); ok {
			return cmp.Compare(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return cmp.Compare(av, bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	return strings.Compare(canonical(a), canonical(b))
}
