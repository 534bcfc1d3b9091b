package domain

// Field is a partial-update value: either Keep (leave the stored value untouched)
// or Set (overwrite it, possibly with a nil/zero value to clear it).
type Field[T any] struct {
	value T
	set   bool
}

// Keep returns a Field that leaves the stored value untouched.
func Keep[T any]() Field[T] {
	return Field[T]{}
}

// Set returns a Field that overwrites the stored value with v.
func Set[T any](v T) Field[T] {
	return Field[T]{value: v, set: true}
}

// IsSet reports whether the field carries a value to write.
func (f Field[T]) IsSet() bool {
	return f.set
}

// Value returns the value to write and whether one was supplied.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.set
}

// Apply writes the value into dst when the field is set.
func (f Field[T]) Apply(dst *T) {
	if f.set {
		*dst = f.value
	}
}
