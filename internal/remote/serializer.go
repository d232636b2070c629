package remote

import (
	"fmt"
	"math"
	"strconv"
)

// Serializer converts live values to RemoteObject descriptors, interning
// functions and objects in a Cache.
type Serializer struct {
	host  Inspector
	cache *Cache
}

func NewSerializer(host Inspector, cache *Cache) *Serializer {
	return &Serializer{host: host, cache: cache}
}

// Serialize describes v. Non-primitive values are interned under group.
// An unsupported kind returns ErrUnsupportedType and leaves the cache
// untouched.
func (s *Serializer) Serialize(v Value, group string) (RemoteObject, error) {
	kind := s.host.Kind(v)
	switch {
	case kind == KindUnsupported:
		return RemoteObject{}, fmt.Errorf("serialize %s: %w", s.host.Describe(v), ErrUnsupportedType)
	case kind.Primitive():
		return s.primitive(kind, v), nil
	case kind == KindFunction:
		return RemoteObject{
			Type:        KindFunction,
			ClassName:   "Function",
			Description: s.host.Describe(v),
			ObjectID:    s.cache.Intern(v, group),
		}, nil
	}

	if s.host.IsNull(v) {
		return RemoteObject{Type: KindObject, Subtype: SubtypeNull, Description: "null"}, nil
	}
	return RemoteObject{
		Type:        KindObject,
		Subtype:     s.subtype(v),
		ClassName:   s.host.ClassName(v),
		Description: s.host.Describe(v),
		ObjectID:    s.cache.Intern(v, group),
	}, nil
}

func (s *Serializer) subtype(v Value) Subtype {
	for _, st := range subtypeOrder {
		if s.host.Is(v, st) {
			return st
		}
	}
	return SubtypeNone
}

func (s *Serializer) primitive(kind Kind, v Value) RemoteObject {
	obj := RemoteObject{Type: kind, Description: s.host.Describe(v)}
	raw := s.host.Export(v)
	if kind == KindNumber {
		if f, ok := toFloat(raw); ok {
			if u := unserializable(f); u != "" {
				obj.UnserializableValue = u
				obj.Description = u
				return obj
			}
		}
	}
	if kind == KindSymbol || kind == KindUndefined {
		return obj
	}
	obj.Value = raw
	return obj
}

func toFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func unserializable(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0 && math.Signbit(f):
		return "-0"
	}
	return ""
}

// ParseUnserializable converts an unserializableValue back to a number.
func ParseUnserializable(s string) (float64, bool) {
	switch s {
	case "NaN":
		return math.NaN(), true
	case "Infinity":
		return math.Inf(1), true
	case "-Infinity":
		return math.Inf(-1), true
	case "-0":
		return math.Copysign(0, -1), true
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
