// Package remote turns live script values into wire descriptors and keeps
// the id → value table that lets a debugger client refer back to them.
//
// Nothing in this package knows which script engine produced a value; it
// sees values only through the Inspector interface.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Value is an opaque handle to a live value owned by the script host.
type Value = any

// ErrUnsupportedType is returned when a value's kind has no descriptor form.
var ErrUnsupportedType = errors.New("unsupported value type")

// Kind is the primitive classification of a value (the result of typeof).
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNumber
	KindString
	KindBoolean
	KindSymbol
	KindFunction
	KindObject
	// KindUnsupported covers every kind without a wire form (bigint, ...).
	KindUnsupported
)

var kindNames = [...]string{
	KindUndefined:   "undefined",
	KindNumber:      "number",
	KindString:      "string",
	KindBoolean:     "boolean",
	KindSymbol:      "symbol",
	KindFunction:    "function",
	KindObject:      "object",
	KindUnsupported: "unsupported",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Primitive reports whether values of this kind travel by value.
func (k Kind) Primitive() bool {
	switch k {
	case KindNumber, KindString, KindBoolean, KindSymbol, KindUndefined:
		return true
	default:
		return false
	}
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for i, name := range kindNames {
		if name == s {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown kind %q", s)
}

// Subtype refines KindObject values.
type Subtype uint8

const (
	SubtypeNone Subtype = iota
	SubtypeNull
	SubtypeError
	SubtypeArray
	SubtypePromise
	SubtypeDate
	SubtypeArrayBuffer
)

var subtypeNames = [...]string{
	SubtypeNone:        "",
	SubtypeNull:        "null",
	SubtypeError:       "error",
	SubtypeArray:       "array",
	SubtypePromise:     "promise",
	SubtypeDate:        "date",
	SubtypeArrayBuffer: "arraybuffer",
}

// subtypeOrder is the fixed test order for non-null objects; the first
// match wins.
var subtypeOrder = [...]Subtype{
	SubtypeError,
	SubtypeArray,
	SubtypePromise,
	SubtypeDate,
	SubtypeArrayBuffer,
}

func (s Subtype) String() string {
	if int(s) < len(subtypeNames) {
		return subtypeNames[s]
	}
	return fmt.Sprintf("Subtype(%d)", s)
}

func (s Subtype) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Subtype) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for i, n := range subtypeNames {
		if n == name {
			*s = Subtype(i)
			return nil
		}
	}
	return fmt.Errorf("unknown subtype %q", name)
}

// RemoteObject is the wire descriptor of a value.
type RemoteObject struct {
	Type                Kind    `json:"type"`
	Subtype             Subtype `json:"subtype,omitempty"`
	ClassName           string  `json:"className,omitempty"`
	Description         string  `json:"description"`
	Value               any     `json:"value,omitempty"`
	UnserializableValue string  `json:"unserializableValue,omitempty"`
	ObjectID            string  `json:"objectId,omitempty"`
}

// ExceptionDetails is the minimal description of a thrown error.
type ExceptionDetails struct {
	Text string `json:"text"`
}

// PropertyDescriptor describes one property slot found by the Reflector.
type PropertyDescriptor struct {
	Name         string        `json:"name"`
	Enumerable   bool          `json:"enumerable"`
	Configurable bool          `json:"configurable"`
	IsOwn        bool          `json:"isOwn"`
	Value        *RemoteObject `json:"value,omitempty"`
	Get          *RemoteObject `json:"get,omitempty"`
	Set          *RemoteObject `json:"set,omitempty"`
}
