package remote

// FormatException reduces an error value to its message. Stack and
// structured fields are not carried.
func FormatException(in Inspector, v Value) ExceptionDetails {
	return ExceptionDetails{Text: in.ErrorMessage(v)}
}

// IsError reports whether v is a non-null error object.
func IsError(in Inspector, v Value) bool {
	return in.Kind(v) == KindObject && !in.IsNull(v) && in.Is(v, SubtypeError)
}
