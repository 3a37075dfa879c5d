package store

import "context"

// CoreKeyValueStore is the latest-value store behind table
// materializations and pull queries.
type CoreKeyValueStore[K, V any] interface {
	Name() string
	Get(ctx context.Context, key K) (V, bool, error)
	Put(ctx context.Context, key K, value V) error
	Delete(ctx context.Context, key K) error
	ApproximateNumEntries() (uint64, error)
	// Range iterates entries with key in [from, to] in key order; zero
	// values for from/to mean unbounded on that side when fromSet/toSet
	// is false.
	Range(ctx context.Context, from K, fromSet bool, to K, toSet bool,
		iterFunc func(K, V) error) error
}
