package schema

import (
	"encoding/json"
	"fmt"
)

// The JSON forms below follow the Iceberg table spec: primitives are
// bare strings, nested types are objects tagged with "type".

type fieldJSON struct {
	ID       int             `json:"id"`
	Name     string          `json:"name"`
	Required bool            `json:"required"`
	Type     json.RawMessage `json:"type"`
	Doc      string          `json:"doc,omitempty"`
}

type nestedJSON struct {
	Type            string          `json:"type"`
	Fields          []Field         `json:"fields,omitempty"`
	ElementID       int             `json:"element-id,omitempty"`
	Element         json.RawMessage `json:"element,omitempty"`
	ElementRequired bool            `json:"element-required,omitempty"`
}

type schemaJSON struct {
	Type     string  `json:"type"`
	SchemaID int     `json:"schema-id"`
	Fields   []Field `json:"fields"`
}

func (s *Schema) MarshalJSON() ([]byte, error) {
	fields := s.Fields
	if fields == nil {
		fields = []Field{}
	}
	return json.Marshal(schemaJSON{Type: "struct", SchemaID: s.ID, Fields: fields})
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	var raw schemaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.ID = raw.SchemaID
	s.Fields = raw.Fields
	return nil
}

func (f Field) MarshalJSON() ([]byte, error) {
	t, err := marshalType(f.Type)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", f.Name, err)
	}
	return json.Marshal(fieldJSON{ID: f.ID, Name: f.Name, Required: f.Required, Type: t, Doc: f.Doc})
}

func (f *Field) UnmarshalJSON(data []byte) error {
	var raw fieldJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, err := unmarshalType(raw.Type)
	if err != nil {
		return fmt.Errorf("field %q: %w", raw.Name, err)
	}
	*f = Field{ID: raw.ID, Name: raw.Name, Required: raw.Required, Type: t, Doc: raw.Doc}
	return nil
}

func marshalType(t Type) (json.RawMessage, error) {
	switch t := t.(type) {
	case PrimitiveType:
		return json.Marshal(string(t))
	case *StructType:
		fields := t.Fields
		if fields == nil {
			fields = []Field{}
		}
		return json.Marshal(nestedJSON{Type: "struct", Fields: fields})
	case *ListType:
		elem, err := marshalType(t.Element)
		if err != nil {
			return nil, err
		}
		return json.Marshal(nestedJSON{
			Type:            "list",
			ElementID:       t.ElementID,
			Element:         elem,
			ElementRequired: t.ElementRequired,
		})
	}
	return nil, fmt.Errorf("type %v cannot be persisted", t)
}

func unmarshalType(data json.RawMessage) (Type, error) {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		return ParseType(name)
	}

	var raw nestedJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	switch raw.Type {
	case "struct":
		return &StructType{Fields: raw.Fields}, nil
	case "list":
		elem, err := unmarshalType(raw.Element)
		if err != nil {
			return nil, err
		}
		return &ListType{ElementID: raw.ElementID, Element: elem, ElementRequired: raw.ElementRequired}, nil
	}
	return nil, fmt.Errorf("unsupported nested type %q", raw.Type)
}
