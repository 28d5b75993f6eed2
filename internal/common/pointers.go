package common

// ToPtr returns a pointer to the given value. Useful for pointers to
// literals in option structs.
func ToPtr[T any](x T) *T {
	return &x
}
