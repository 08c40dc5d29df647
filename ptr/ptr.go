// Package ptr contains helpers for optional values represented as pointers.
package ptr

// Optional is a value that may be left unset. A nil Optional is unset.
type Optional[T any] *T

// To creates a set Optional holding v.
func To[T any](v T) Optional[T] {
	return &v
}

// Get returns the value of o and whether it is set.
func Get[T any](o Optional[T]) (T, bool) {
	if o == nil {
		var zero T
		return zero, false
	}
	return *o, true
}

// ValueOrDefault returns the value or the given default if not set.
func ValueOrDefault[T any](o Optional[T], def T) T {
	if o == nil {
		return def
	}
	return *o
}
