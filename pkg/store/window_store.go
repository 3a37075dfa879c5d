package store

import (
	"context"
	"time"

	"tumblestream/pkg/optional"
)

// CoreWindowStore is the keyed, windowed state store behind windowed
// aggregations. State is keyed by (key, windowStart); memory is bounded
// by the retention policy, not by total event volume: segments whose
// window start falls behind observed stream time minus retention are
// garbage-collected, and puts into such segments are ignored (the
// caller counts them as dead-lettered).
type CoreWindowStore[K, V any] interface {
	Name() string
	// Put stores value at (key, windowStartTs). A None value deletes
	// the entry.
	Put(ctx context.Context, key K, value optional.Option[V], windowStartTs int64) error
	Get(ctx context.Context, key K, windowStartTs int64) (V, bool, error)
	// Fetch iterates entries for key with windowStart in
	// [timeFrom, timeTo], oldest first.
	Fetch(ctx context.Context, key K, timeFrom time.Time, timeTo time.Time,
		iterFunc func(int64, K, V) error) error
	// FetchAll iterates all retained entries with windowStart in
	// [timeFrom, timeTo], oldest window first, keys in order.
	FetchAll(ctx context.Context, timeFrom time.Time, timeTo time.Time,
		iterFunc func(int64, K, V) error) error
	// ObservedStreamTime is the max windowStart the store has seen.
	ObservedStreamTime() int64
}
