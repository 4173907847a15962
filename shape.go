package statesync

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ShapeFunc computes a Shape from the candidate subtree it is applied to.
// It must be a pure function of its argument.
type ShapeFunc func(subtree any) Shape

type shapeKind uint8

const (
	shapeNone shapeKind = iota
	shapeAll
	shapeFields
	shapeDynamic
)

// Shape describes which parts of a Tree are of interest.
//
// The zero Shape is None: it selects nothing and projects to an absent value.
// All selects everything below its position, Fields recurses into named keys,
// and Dynamic defers the decision to a function of the candidate subtree.
// Shapes are immutable once built.
type Shape struct {
	kind   shapeKind
	fields map[string]Shape
	fn     ShapeFunc
	name   string
}

// None returns the empty shape.
func None() Shape { return Shape{} }

// All returns the shape that selects a whole subtree (the literal true).
func All() Shape { return Shape{kind: shapeAll} }

// Fields returns a shape that recurses into the given keys.
// The map is copied.
func Fields(fields map[string]Shape) Shape {
	copied := make(map[string]Shape, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return Shape{kind: shapeFields, fields: copied}
}

// Keys returns a shape selecting the given keys in full.
func Keys(keys ...string) Shape {
	fields := make(map[string]Shape, len(keys))
	for _, k := range keys {
		fields[k] = All()
	}
	return Shape{kind: shapeFields, fields: fields}
}

// Dynamic returns a shape resolved lazily against the candidate subtree.
// Anonymous dynamic shapes cannot be sent over a wire codec; use NamedDynamic.
func Dynamic(fn ShapeFunc) Shape {
	return Shape{kind: shapeDynamic, fn: fn}
}

// NamedDynamic returns a dynamic shape that is encoded on the wire by name.
// The receiving side resolves the name with Shape.Bind.
func NamedDynamic(name string, fn ShapeFunc) Shape {
	return Shape{kind: shapeDynamic, fn: fn, name: name}
}

// IsNone reports whether s is the empty shape.
func (s Shape) IsNone() bool { return s.kind == shapeNone }

// IsAll reports whether s selects everything.
func (s Shape) IsAll() bool { return s.kind == shapeAll }

// IsDynamic reports whether s is resolved at projection time.
func (s Shape) IsDynamic() bool { return s.kind == shapeDynamic }

// Name returns the name of a dynamic shape.
func (s Shape) Name() string { return s.name }

// Field returns the nested shape for key.
func (s Shape) Field(key string) (Shape, bool) {
	if s.kind != shapeFields {
		return Shape{}, false
	}
	f, ok := s.fields[key]
	return f, ok
}

// Validate reports the first malformed leaf in s. A dynamic shape must carry
// a function or a name to be bound later.
func (s Shape) Validate() error {
	return s.validate("")
}

func (s Shape) validate(path string) error {
	switch s.kind {
	case shapeNone, shapeAll:
		return nil
	case shapeDynamic:
		if s.fn == nil && s.name == "" {
			return fmt.Errorf("%w: dynamic shape without function at %q", ErrInvalidShapeLeaf, path)
		}
		return nil
	case shapeFields:
		for key, leaf := range s.fields {
			if leaf.kind == shapeNone {
				return fmt.Errorf("%w: empty leaf at %q", ErrInvalidShapeLeaf, path+"/"+key)
			}
			if err := leaf.validate(path + "/" + key); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: at %q", ErrInvalidShapeLeaf, path)
}

// Bind resolves named dynamic shapes that arrived without a function.
// Shapes that already carry a function are left untouched.
func (s Shape) Bind(funcs map[string]ShapeFunc) (Shape, error) {
	switch s.kind {
	case shapeDynamic:
		if s.fn != nil {
			return s, nil
		}
		fn, ok := funcs[s.name]
		if !ok || fn == nil {
			return Shape{}, fmt.Errorf("%w: %q", ErrUnknownDynamicShape, s.name)
		}
		return NamedDynamic(s.name, fn), nil
	case shapeFields:
		bound := make(map[string]Shape, len(s.fields))
		for key, leaf := range s.fields {
			b, err := leaf.Bind(funcs)
			if err != nil {
				return Shape{}, err
			}
			bound[key] = b
		}
		return Shape{kind: shapeFields, fields: bound}, nil
	default:
		return s, nil
	}
}

// ShapeOf converts a generic description into a Shape. Accepted values are
// true, a Shape, a ShapeFunc, a string naming an unbound dynamic shape, and
// nested maps of those. nil yields None.
func ShapeOf(v any) (Shape, error) {
	switch t := v.(type) {
	case nil:
		return Shape{}, nil
	case Shape:
		return t, nil
	case bool:
		if t {
			return All(), nil
		}
	case ShapeFunc:
		return Dynamic(t), nil
	case func(any) Shape:
		return Dynamic(t), nil
	case string:
		return Shape{kind: shapeDynamic, name: t}, nil
	case Tree:
		return shapeOfMap(t)
	case map[string]any:
		return shapeOfMap(t)
	}
	return Shape{}, fmt.Errorf("%w: %T", ErrInvalidShapeLeaf, v)
}

func shapeOfMap(m map[string]any) (Shape, error) {
	fields := make(map[string]Shape, len(m))
	for key, leaf := range m {
		if leaf == nil {
			return Shape{}, fmt.Errorf("%w: null at %q", ErrInvalidShapeLeaf, key)
		}
		s, err := ShapeOf(leaf)
		if err != nil {
			return Shape{}, fmt.Errorf("%w (key %q)", err, key)
		}
		fields[key] = s
	}
	return Shape{kind: shapeFields, fields: fields}, nil
}

// Value returns the wire form of s: true, nested map[string]any, a dynamic
// shape's name, or nil for None. Anonymous dynamic shapes cannot be encoded.
func (s Shape) Value() (any, error) {
	switch s.kind {
	case shapeNone:
		return nil, nil
	case shapeAll:
		return true, nil
	case shapeDynamic:
		if s.name == "" {
			return nil, fmt.Errorf("%w: anonymous dynamic shape cannot be encoded", ErrInvalidShapeLeaf)
		}
		return s.name, nil
	case shapeFields:
		m := make(map[string]any, len(s.fields))
		for key, leaf := range s.fields {
			v, err := leaf.Value()
			if err != nil {
				return nil, err
			}
			m[key] = v
		}
		return m, nil
	}
	return nil, ErrInvalidShapeLeaf
}

// MarshalJSON implements json.Marshaler.
func (s Shape) MarshalJSON() ([]byte, error) {
	v, err := s.Value()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// UnmarshalJSON implements json.Unmarshaler. Named dynamic shapes decode
// unbound and must be resolved with Bind before use.
func (s *Shape) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	shape, err := ShapeOf(raw)
	if err != nil {
		return err
	}
	*s = shape
	return nil
}

// String renders s for logs.
func (s Shape) String() string {
	switch s.kind {
	case shapeNone:
		return "none"
	case shapeAll:
		return "true"
	case shapeDynamic:
		if s.name != "" {
			return "dynamic(" + s.name + ")"
		}
		return "dynamic"
	}
	keys := make([]string, 0, len(s.fields))
	for k := range s.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := "{"
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += k + ":" + s.fields[k].String()
	}
	return out + "}"
}

// Project returns the parts of source selected by shape.
//
// All returns source unchanged and None returns nil. Keys absent from source
// are skipped, so the result never holds a key that source lacks. A nested
// branch that filters a non-empty subtree down to nothing is omitted.
func Project(source any, shape Shape) (any, error) {
	switch shape.kind {
	case shapeAll:
		return source, nil
	case shapeNone:
		return nil, nil
	case shapeDynamic:
		if shape.fn == nil {
			return nil, fmt.Errorf("%w: unbound dynamic shape %q", ErrInvalidShapeLeaf, shape.name)
		}
		return Project(source, shape.fn(source))
	case shapeFields:
		return projectFields(source, shape.fields)
	}
	return nil, ErrInvalidShapeLeaf
}

// ProjectTree is Project for tree roots. A None shape yields nil.
func ProjectTree(source Tree, shape Shape) (Tree, error) {
	p, err := Project(source, shape)
	if err != nil || p == nil {
		return nil, err
	}
	t, _ := asTree(p)
	return t, nil
}

func projectFields(source any, fields map[string]Shape) (Tree, error) {
	src, _ := asTree(source)
	out := Tree{}
	for key, leaf := range fields {
		if leaf.kind == shapeNone {
			return nil, fmt.Errorf("%w: empty leaf at %q", ErrInvalidShapeLeaf, key)
		}
		v, ok := src[key]
		if !ok {
			continue
		}
		if leaf.kind == shapeAll {
			out[key] = v
			continue
		}
		p, err := Project(v, leaf)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		if pt, ok := asTree(p); ok && len(pt) == 0 {
			if vt, ok := asTree(v); !ok || len(vt) > 0 {
				continue
			}
		}
		out[key] = p
	}
	return out, nil
}

// Subtract removes from source every path that filter marks with true.
//
// Nested filter trees descend. A nil or empty filter returns source itself,
// a root filter of true returns an empty tree. Any other leaf is rejected with
// ErrInvalidFilterLeaf.
func Subtract(source Tree, filter any) (Tree, error) {
	if b, ok := filter.(bool); ok && b {
		return Tree{}, nil
	}
	if source == nil {
		if isEmpty(filter) || isTrueOrTree(filter) {
			return Tree{}, nil
		}
		return nil, fmt.Errorf("%w: %T", ErrInvalidFilterLeaf, filter)
	}
	if isEmpty(filter) {
		return source, nil
	}
	ft, ok := asTree(filter)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrInvalidFilterLeaf, filter)
	}
	for key, leaf := range ft {
		if _, inSource := source[key]; !inSource && !isTrueOrTree(leaf) && !isEmpty(leaf) {
			return nil, fmt.Errorf("%w: %T at %q", ErrInvalidFilterLeaf, leaf, key)
		}
	}

	out := make(Tree, len(source))
	for key, v := range source {
		leaf, marked := ft[key]
		if !marked || isEmpty(leaf) {
			out[key] = v
			continue
		}
		if b, ok := leaf.(bool); ok && b {
			continue
		}
		lt, ok := asTree(leaf)
		if !ok {
			return nil, fmt.Errorf("%w: %T at %q", ErrInvalidFilterLeaf, leaf, key)
		}
		vt, ok := asTree(v)
		if !ok {
			out[key] = v
			continue
		}
		sub, err := Subtract(vt, lt)
		if err != nil {
			return nil, err
		}
		out[key] = sub
	}
	return out, nil
}

func isTrueOrTree(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	_, ok := asTree(v)
	return ok
}
