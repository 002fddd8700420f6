package util

// Ptr returns a pointer to a copy of v, for optional fields and filters
// such as a *async.Status.
func Ptr[T any](v T) *T {
	return &v
}

// Deref returns *p, or T's zero value when p is nil. Optional timestamps
// read back from the store come out as nil pointers.
func Deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
