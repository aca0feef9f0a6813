package schema

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/multierr"
)

// ErrSchemaConflict is matched by every *ConflictError.
var ErrSchemaConflict = errors.New("schema conflict")

// ConflictError names a field whose observed type cannot be reconciled
// with the stored one.
type ConflictError struct {
	Field string
	Old   Type
	New   Type
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("schema conflict on field %q: stored %s, observed %s", e.Field, e.Old, e.New)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrSchemaConflict
}

// Conflicts flattens an error returned by Merge or Conform.
func Conflicts(err error) []*ConflictError {
	var out []*ConflictError
	for _, e := range multierr.Errors(err) {
		var ce *ConflictError
		if errors.As(e, &ce) {
			out = append(out, ce)
		}
	}
	return out
}

// IDAllocator hands out field ids above the highest one ever assigned.
// A nil allocator hands out zero, which inference relies on.
type IDAllocator struct {
	last int
}

func NewIDAllocator(last int) *IDAllocator {
	return &IDAllocator{last: last}
}

func (a *IDAllocator) Next() int {
	if a == nil {
		return 0
	}
	a.last++
	return a.last
}

func (a *IDAllocator) Last() int {
	if a == nil {
		return 0
	}
	return a.last
}

// Merge folds an observed schema into current. New names are appended
// as optional fields with fresh ids; compatible types are left alone;
// int widens to long or double and float to double; a double column
// accepts integers. Every other mismatch, long to double included, is a
// *ConflictError: the field keeps its stored type and the rest of the
// observation is still applied. All conflicts come back together.
//
// Merge never removes a field or narrows a type, and merging the same
// observation twice is a no-op the second time. current is not modified;
// when nothing changes it is returned as is.
func Merge(current, observed *Schema, ids *IDAllocator) (*Schema, bool, error) {
	if current == nil {
		current = &Schema{}
	}
	if observed == nil {
		return current, false, nil
	}
	if ids == nil {
		ids = NewIDAllocator(current.HighestFieldID())
	}

	fields, changed, err := mergeFields(current.Fields, observed.Fields, ids, "")
	if !changed {
		return current, false, err
	}
	return &Schema{ID: current.ID, Fields: fields}, true, err
}

func mergeFields(current, observed []Field, ids *IDAllocator, prefix string) ([]Field, bool, error) {
	out := slices.Clone(current)
	index := make(map[string]int, len(out))
	for i, f := range out {
		index[f.Name] = i
	}

	var errs error
	changed := false
	for _, obs := range observed {
		i, ok := index[obs.Name]
		if !ok {
			t, ok := resolved(obs.Type)
			if !ok {
				continue
			}
			id := ids.Next()
			out = append(out, Field{ID: id, Name: obs.Name, Type: assignIDs(t, ids), Doc: obs.Doc})
			index[obs.Name] = len(out) - 1
			changed = true
			continue
		}

		t, fieldChanged, err := mergeType(out[i].Type, obs.Type, ids, prefix+obs.Name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if fieldChanged {
			out[i].Type = t
			changed = true
		}
	}
	return out, changed, errs
}

func mergeType(stored, observed Type, ids *IDAllocator, path string) (Type, bool, error) {
	if _, ok := stored.(NullType); ok {
		t, ok := resolved(observed)
		if !ok {
			return stored, false, nil
		}
		return assignIDs(t, ids), true, nil
	}
	if _, ok := observed.(NullType); ok {
		return stored, false, nil
	}

	conflict := &ConflictError{Field: path, Old: stored, New: observed}
	switch s := stored.(type) {
	case PrimitiveType:
		o, ok := observed.(PrimitiveType)
		if !ok {
			return stored, false, conflict
		}
		w, changed, ok := widen(s, o)
		if !ok {
			return stored, false, conflict
		}
		return w, changed, nil

	case *StructType:
		o, ok := observed.(*StructType)
		if !ok {
			return stored, false, conflict
		}
		fields, changed, err := mergeFields(s.Fields, o.Fields, ids, path+".")
		if !changed {
			return stored, false, err
		}
		return &StructType{Fields: fields}, true, err

	case *ListType:
		o, ok := observed.(*ListType)
		if !ok {
			return stored, false, conflict
		}
		elem, changed, err := mergeType(s.Element, o.Element, ids, path+".element")
		if err != nil || !changed {
			return stored, false, err
		}
		return &ListType{ElementID: s.ElementID, Element: elem, ElementRequired: s.ElementRequired}, true, nil
	}
	return stored, false, conflict
}

// widen reports the type a column of stored must have to also hold
// observed values, and whether that differs from stored.
func widen(stored, observed PrimitiveType) (PrimitiveType, bool, bool) {
	if stored == observed {
		return stored, false, true
	}
	switch {
	case stored == Int && observed == Long:
		return Long, true, true
	case stored == Long && observed == Int:
		return Long, false, true
	case stored == Float && observed == Double:
		return Double, true, true
	case stored == Int && observed == Double:
		// every int32 is exact in a double
		return Double, true, true
	case stored == Double && (observed == Float || observed == Int || observed == Long):
		return Double, false, true
	}
	return stored, false, false
}

func assignIDs(t Type, ids *IDAllocator) Type {
	switch t := t.(type) {
	case *StructType:
		fields := make([]Field, len(t.Fields))
		for i, f := range t.Fields {
			f.ID = ids.Next()
			f.Required = false
			f.Type = assignIDs(f.Type, ids)
			fields[i] = f
		}
		return &StructType{Fields: fields}
	case *ListType:
		return &ListType{ElementID: ids.Next(), Element: assignIDs(t.Element, ids)}
	}
	return t
}

// Rebase lays a proposed schema, built from an older base, on top of the
// schema that is current now. Fields present in both must carry the
// same id and a compatible type; fields only in proposed must use ids no
// other field in current uses. This is how a retried commit keeps the
// ids its data files were written with.
func Rebase(current, proposed *Schema) (*Schema, bool, error) {
	if current == nil || len(current.Fields) == 0 {
		return proposed, true, nil
	}
	used := make(map[int]bool)
	for _, id := range current.FieldIDs() {
		used[id] = true
	}

	fields, changed, err := rebaseFields(current.Fields, proposed.Fields, used, "")
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return current, false, nil
	}
	return &Schema{ID: current.ID, Fields: fields}, true, nil
}

func rebaseFields(current, proposed []Field, used map[int]bool, prefix string) ([]Field, bool, error) {
	out := slices.Clone(current)
	index := make(map[string]int, len(out))
	for i, f := range out {
		index[f.Name] = i
	}

	changed := false
	for _, p := range proposed {
		name := prefix + p.Name
		i, ok := index[p.Name]
		if !ok {
			var clash error
			walkIDs([]Field{p}, func(id int) {
				if used[id] && clash == nil {
					clash = fmt.Errorf("field %q: id %d already taken by a concurrent change", name, id)
				}
			})
			if clash != nil {
				return nil, false, clash
			}
			out = append(out, p)
			changed = true
			continue
		}

		c := out[i]
		if c.ID != p.ID {
			return nil, false, fmt.Errorf("field %q: id %d diverged from committed id %d", name, p.ID, c.ID)
		}
		t, typeChanged, err := rebaseType(c.Type, p.Type, used, name)
		if err != nil {
			return nil, false, err
		}
		if typeChanged {
			out[i].Type = t
			changed = true
		}
	}
	return out, changed, nil
}

func rebaseType(current, proposed Type, used map[int]bool, path string) (Type, bool, error) {
	switch c := current.(type) {
	case PrimitiveType:
		p, ok := proposed.(PrimitiveType)
		if !ok {
			return nil, false, &ConflictError{Field: path, Old: current, New: proposed}
		}
		// proposed may be narrower when a concurrent writer widened first
		w, changed, ok := widen(c, p)
		if !ok {
			return nil, false, &ConflictError{Field: path, Old: current, New: proposed}
		}
		return w, changed, nil
	case *StructType:
		p, ok := proposed.(*StructType)
		if !ok {
			return nil, false, &ConflictError{Field: path, Old: current, New: proposed}
		}
		fields, changed, err := rebaseFields(c.Fields, p.Fields, used, path+".")
		if err != nil || !changed {
			return current, false, err
		}
		return &StructType{Fields: fields}, true, nil
	case *ListType:
		p, ok := proposed.(*ListType)
		if !ok || p.ElementID != c.ElementID {
			return nil, false, &ConflictError{Field: path, Old: current, New: proposed}
		}
		elem, changed, err := rebaseType(c.Element, p.Element, used, path+".element")
		if err != nil || !changed {
			return current, false, err
		}
		return &ListType{ElementID: c.ElementID, Element: elem, ElementRequired: c.ElementRequired}, true, nil
	}
	return nil, false, &ConflictError{Field: path, Old: current, New: proposed}
}
