// Package schema is the table type model: a closed set of primitive,
// list and struct types with stable field ids, inference from decoded
// JSON, and the additive evolution rules applied on every write.
package schema

import (
	"fmt"
	"strings"
)

// Type is one of PrimitiveType, *ListType, *StructType or NullType.
type Type interface {
	String() string
	isType()
}

type PrimitiveType string

const (
	Boolean   PrimitiveType = "boolean"
	Int       PrimitiveType = "int"
	Long      PrimitiveType = "long"
	Float     PrimitiveType = "float"
	Double    PrimitiveType = "double"
	String    PrimitiveType = "string"
	Date      PrimitiveType = "date"
	Timestamp PrimitiveType = "timestamp"
	Binary    PrimitiveType = "binary"
)

func (p PrimitiveType) String() string { return string(p) }
func (PrimitiveType) isType()          {}

// NullType is what a JSON null infers to. It is a placeholder only: it
// never reaches a persisted schema and resolves on the next non-null
// observation of the same field.
type NullType struct{}

func (NullType) String() string { return "null" }
func (NullType) isType()        {}

type ListType struct {
	ElementID       int
	Element         Type
	ElementRequired bool
}

func (l *ListType) String() string { return "list<" + l.Element.String() + ">" }
func (*ListType) isType()          {}

type StructType struct {
	Fields []Field
}

func (s *StructType) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = f.Name + ": " + f.Type.String()
	}
	return "struct<" + strings.Join(parts, ", ") + ">"
}
func (*StructType) isType() {}

// Field ids are assigned once and never reused.
type Field struct {
	ID       int
	Name     string
	Type     Type
	Required bool
	Doc      string
}

type Schema struct {
	ID     int
	Fields []Field
}

func New(id int, fields ...Field) *Schema {
	return &Schema{ID: id, Fields: fields}
}

// Field returns the top-level field called name.
func (s *Schema) Field(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldByID searches the whole tree, nested fields included.
func (s *Schema) FieldByID(id int) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	return findID(s.Fields, id)
}

func findID(fields []Field, id int) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
		switch t := f.Type.(type) {
		case *StructType:
			if nested, ok := findID(t.Fields, id); ok {
				return nested, true
			}
		case *ListType:
			if st, ok := t.Element.(*StructType); ok {
				if nested, ok := findID(st.Fields, id); ok {
					return nested, true
				}
			}
		}
	}
	return Field{}, false
}

// FieldIDs returns every id in the schema, list element ids included.
func (s *Schema) FieldIDs() []int {
	var ids []int
	if s == nil {
		return ids
	}
	walkIDs(s.Fields, func(id int) { ids = append(ids, id) })
	return ids
}

// HighestFieldID is the largest id in use, 0 for an empty schema.
func (s *Schema) HighestFieldID() int {
	highest := 0
	for _, id := range s.FieldIDs() {
		highest = max(highest, id)
	}
	return highest
}

func walkIDs(fields []Field, fn func(int)) {
	for _, f := range fields {
		fn(f.ID)
		walkTypeIDs(f.Type, fn)
	}
}

func walkTypeIDs(t Type, fn func(int)) {
	switch t := t.(type) {
	case *StructType:
		walkIDs(t.Fields, fn)
	case *ListType:
		fn(t.ElementID)
		walkTypeIDs(t.Element, fn)
	}
}

// Validate checks that ids are unique across the schema and names are
// unique within every struct level.
func (s *Schema) Validate() error {
	seen := make(map[int]bool)
	var dup []int
	walkIDs(s.Fields, func(id int) {
		if seen[id] {
			dup = append(dup, id)
		}
		seen[id] = true
	})
	if len(dup) > 0 {
		return fmt.Errorf("duplicate field ids %v", dup)
	}
	return validateNames(s.Fields, "")
}

func validateNames(fields []Field, prefix string) error {
	names := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("empty field name under %q", prefix)
		}
		if names[f.Name] {
			return fmt.Errorf("duplicate field name %q", prefix+f.Name)
		}
		names[f.Name] = true

		switch t := f.Type.(type) {
		case *StructType:
			if err := validateNames(t.Fields, prefix+f.Name+"."); err != nil {
				return err
			}
		case *ListType:
			if st, ok := t.Element.(*StructType); ok {
				if err := validateNames(st.Fields, prefix+f.Name+".element."); err != nil {
					return err
				}
			}
		case NullType:
			return fmt.Errorf("field %q has unresolved type", prefix+f.Name)
		}
	}
	return nil
}

// Equal compares field sets; the schema id is ignored.
func (s *Schema) Equal(o *Schema) bool {
	if s == nil || o == nil {
		return s == o
	}
	return fieldsEqual(s.Fields, o.Fields)
}

func fieldsEqual(a, b []Field) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Name != b[i].Name || a[i].Required != b[i].Required {
			return false
		}
		if !TypesEqual(a[i].Type, b[i].Type) {
			return false
		}
	}
	return true
}

// TypesEqual compares two types structurally, ids included.
func TypesEqual(a, b Type) bool {
	switch at := a.(type) {
	case PrimitiveType:
		bt, ok := b.(PrimitiveType)
		return ok && at == bt
	case NullType:
		_, ok := b.(NullType)
		return ok
	case *ListType:
		bt, ok := b.(*ListType)
		return ok && at.ElementID == bt.ElementID && at.ElementRequired == bt.ElementRequired &&
			TypesEqual(at.Element, bt.Element)
	case *StructType:
		bt, ok := b.(*StructType)
		return ok && fieldsEqual(at.Fields, bt.Fields)
	}
	return false
}

// ParseType reads the names used in pipeline descriptions. It accepts
// the table type names plus the common aliases int32, int64, float32,
// float64, bool and utf8.
func ParseType(name string) (PrimitiveType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "boolean", "bool":
		return Boolean, nil
	case "int", "int32", "integer":
		return Int, nil
	case "long", "int64", "bigint":
		return Long, nil
	case "float", "float32":
		return Float, nil
	case "double", "float64":
		return Double, nil
	case "string", "utf8", "text":
		return String, nil
	case "date":
		return Date, nil
	case "timestamp", "timestamptz":
		return Timestamp, nil
	case "binary", "bytes":
		return Binary, nil
	}
	return "", fmt.Errorf("unknown type %q", name)
}
