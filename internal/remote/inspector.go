package remote

// Inspector is the script host's view of its own values. Implementations
// are not required to be safe for concurrent use; callers invoke them on
// the host's thread.
type Inspector interface {
	// Kind classifies v. Kinds without a wire form report KindUnsupported.
	Kind(v Value) Kind
	// IsNull reports whether an object-kind value is the null value.
	IsNull(v Value) bool
	// Is reports whether a non-null object matches the given subtype.
	Is(v Value, s Subtype) bool
	// Describe returns the human readable form of v.
	Describe(v Value) string
	// ClassName returns the constructor name of an object or "".
	ClassName(v Value) string
	// Export returns the raw Go form of a primitive (float64, string, bool)
	// or nil when the kind has no JSON representation.
	Export(v Value) any
	// OwnProperties lists every own property slot of v, enumerable or not.
	OwnProperties(v Value) ([]Property, error)
	// Prototype returns the prototype of v; ok is false at the end of the chain.
	Prototype(v Value) (proto Value, ok bool)
	// ErrorMessage returns the message of an error value.
	ErrorMessage(v Value) string
}

// Property is one own slot as reported by an Inspector. Value, Getter and
// Setter are nil when absent.
type Property struct {
	Name         string
	Enumerable   bool
	Configurable bool
	Value        Value
	Getter       Value
	Setter       Value
}
