/*
Package store – item keys.

A Key is either a bare scalar (read as the id) or a structured mapping that
may carry id, pk, version, label and backend-specific aliases.
*/
package store

import (
	"encoding/json"
	"fmt"
)

// KeyKind tags the Key variant.
type KeyKind uint8

const (
	KeyUnset KeyKind = iota
	KeyScalar
	KeyStructured
)

// Key is an item identity. The zero Key is unset.
type Key struct {
	kind   KeyKind
	scalar any
	fields map[string]any
}

// ScalarKey builds a Key from a bare id.
func ScalarKey(id any) Key { return Key{kind: KeyScalar, scalar: id} }

// StructuredKey builds a Key from a field mapping. The map is not copied and
// must not be modified afterwards.
func StructuredKey(fields map[string]any) Key {
	if fields == nil {
		fields = map[string]any{}
	}
	return Key{kind: KeyStructured, fields: fields}
}

// ParseKey converts a raw value into a Key. Scalars become ScalarKey,
// string-keyed maps become StructuredKey; anything else is rejected.
func ParseKey(raw any) (Key, bool) {
	switch v := raw.(type) {
	case Key:
		return v, v.kind != KeyUnset
	case *Key:
		if v == nil {
			return Key{}, false
		}
		return *v, v.kind != KeyUnset
	case map[string]any:
		return StructuredKey(v), true
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, s := range v {
			m[k] = s
		}
		return StructuredKey(m), true
	}
	if isScalar(raw) {
		return ScalarKey(raw), true
	}
	return Key{}, false
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

func (k Key) Kind() KeyKind          { return k.kind }
func (k Key) IsZero() bool           { return k.kind == KeyUnset }
func (k Key) IsScalar() bool         { return k.kind == KeyScalar }
func (k Key) IsStructured() bool     { return k.kind == KeyStructured }
func (k Key) Scalar() any            { return k.scalar }
func (k Key) Fields() map[string]any { return k.fields }

// Lookup returns a structured field. Scalar keys have no fields.
func (k Key) Lookup(field string) (any, bool) {
	if k.kind != KeyStructured {
		return nil, false
	}
	v, ok := k.fields[field]
	return v, ok
}

// Raw returns the underlying scalar or mapping.
func (k Key) Raw() any {
	switch k.kind {
	case KeyScalar:
		return k.scalar
	case KeyStructured:
		return k.fields
	}
	return nil
}

func (k Key) String() string {
	switch k.kind {
	case KeyScalar:
		return fmt.Sprintf("%v", k.scalar)
	case KeyStructured:
		b, err := json.Marshal(k.fields)
		if err != nil {
			return fmt.Sprintf("%v", k.fields)
		}
		return string(b)
	}
	return ""
}
