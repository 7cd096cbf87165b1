// Package sliceutils contains generic slice helpers.
package sliceutils

// ContainsValue reports whether the slice contains the value.
func ContainsValue[T comparable](list []T, value T) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}

// FindValueFunc returns the first value matching the predicate.
func FindValueFunc[T any](list []T, predicate func(T) bool) (T, bool) {
	for _, entry := range list {
		if predicate(entry) {
			return entry, true
		}
	}

	var zero T
	return zero, false
}

// FindMatches returns all values matching the predicate.
func FindMatches[T any](list []T, predicate func(T) bool) []T {
	matches := []T(nil)
	for _, entry := range list {
		if predicate(entry) {
			matches = append(matches, entry)
		}
	}
	return matches
}
