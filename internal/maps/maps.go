// Package maps holds small generic map helpers.
package maps

// FromKeys builds a set, represented as a map to empty structs, from a list
// of keys.
func FromKeys[L ~[]K, K comparable](l L) map[K]struct{} {
	set := make(map[K]struct{}, len(l))
	for _, k := range l {
		set[k] = struct{}{}
	}
	return set
}

// Keys collects the keys of m, in unspecified order.
func Keys[M ~map[K]V, K comparable, V any](m M) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
