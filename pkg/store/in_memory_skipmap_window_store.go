package store

import (
	"context"
	"time"

	"tumblestream/pkg/debug"
	"tumblestream/pkg/optional"
	"tumblestream/pkg/utils/syncutils"

	"github.com/rs/zerolog/log"
	"github.com/zhangyunhao116/skipmap"
)

// InMemorySkipMapWindowStore keeps one ordered key map per window
// start in a lock-free skipmap indexed by window start timestamp.
// Segments older than retention (relative to observed stream time) are
// removed on every access.
type InMemorySkipMapWindowStore[K, V any] struct {
	mux                syncutils.RWMutex
	store              *skipmap.Int64Map[*skipmap.FuncMap[K, V]]
	compareFunc        CompareFuncG[K]
	name               string
	windowSize         int64
	retentionPeriod    int64
	observedStreamTime int64 // protected by mux
	expiredPuts        uint64
}

var _ = CoreWindowStore[string, int](&InMemorySkipMapWindowStore[string, int]{})

func NewInMemorySkipMapWindowStore[K, V any](name string, retentionPeriod int64,
	windowSize int64, compareFunc CompareFuncG[K],
) *InMemorySkipMapWindowStore[K, V] {
	return &InMemorySkipMapWindowStore[K, V]{
		name:            name,
		windowSize:      windowSize,
		retentionPeriod: retentionPeriod,
		store:           skipmap.NewInt64[*skipmap.FuncMap[K, V]](),
		compareFunc:     compareFunc,
	}
}

func (s *InMemorySkipMapWindowStore[K, V]) Name() string { return s.name }

func (s *InMemorySkipMapWindowStore[K, V]) Put(ctx context.Context, key K,
	value optional.Option[V], windowStartTs int64,
) error {
	s.removeExpiredSegments()
	s.mux.Lock()
	if windowStartTs > s.observedStreamTime {
		s.observedStreamTime = windowStartTs
	}
	expired := windowStartTs <= s.observedStreamTime-s.retentionPeriod
	if expired {
		s.expiredPuts++
	}
	s.mux.Unlock()
	if expired {
		log.Warn().Str("store", s.name).Int64("winStart", windowStartTs).
			Msg("Skipping record for expired segment.")
		return nil
	}
	val, exists := value.Take()
	if exists {
		kvmap, _ := s.store.LoadOrStore(windowStartTs, skipmap.NewFunc[K, V](func(a, b K) bool {
			return s.compareFunc(a, b) < 0
		}))
		kvmap.Store(key, val)
	} else {
		kvmap, ok := s.store.Load(windowStartTs)
		if ok {
			kvmap.Delete(key)
		}
	}
	return nil
}

func (s *InMemorySkipMapWindowStore[K, V]) Get(ctx context.Context, key K, windowStartTs int64) (V, bool, error) {
	var v V
	s.removeExpiredSegments()
	s.mux.RLock()
	expired := windowStartTs <= s.observedStreamTime-s.retentionPeriod
	s.mux.RUnlock()
	if expired {
		return v, false, nil
	}
	kvmap, ok := s.store.Load(windowStartTs)
	if !ok {
		return v, false, nil
	}
	v, exists := kvmap.Load(key)
	return v, exists, nil
}

func (s *InMemorySkipMapWindowStore[K, V]) Fetch(ctx context.Context, key K,
	timeFrom time.Time, timeTo time.Time,
	iterFunc func(int64, K, V) error,
) error {
	s.removeExpiredSegments()
	tsFrom := timeFrom.UnixMilli()
	tsTo := timeTo.UnixMilli()
	debug.Assert(tsFrom <= tsTo, "fetch range should be ordered")

	s.mux.RLock()
	minTime := s.observedStreamTime - s.retentionPeriod + 1
	s.mux.RUnlock()
	if minTime < tsFrom {
		minTime = tsFrom
	}
	if tsTo < minTime {
		return nil
	}

	s.store.RangeFrom(minTime, func(ts int64, kvmap *skipmap.FuncMap[K, V]) bool {
		if ts > tsTo {
			return false
		}
		v, exists := kvmap.Load(key)
		if exists {
			err := iterFunc(ts, key, v)
			if err != nil {
				return false
			}
		}
		return true
	})
	return nil
}

func (s *InMemorySkipMapWindowStore[K, V]) FetchAll(ctx context.Context,
	timeFrom time.Time, timeTo time.Time,
	iterFunc func(int64, K, V) error,
) error {
	s.removeExpiredSegments()
	tsFrom := timeFrom.UnixMilli()
	tsTo := timeTo.UnixMilli()
	debug.Assert(tsFrom <= tsTo, "fetch range should be ordered")

	s.mux.RLock()
	minTime := s.observedStreamTime - s.retentionPeriod + 1
	s.mux.RUnlock()
	if minTime < tsFrom {
		minTime = tsFrom
	}
	if tsTo < minTime {
		return nil
	}

	s.store.RangeFrom(minTime, func(ts int64, kvmap *skipmap.FuncMap[K, V]) bool {
		if ts > tsTo {
			return false
		}
		kvmap.Range(func(k K, v V) bool {
			err := iterFunc(ts, k, v)
			return err == nil
		})
		return true
	})
	return nil
}

func (s *InMemorySkipMapWindowStore[K, V]) ObservedStreamTime() int64 {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.observedStreamTime
}

// ExpiredPuts counts puts that were ignored because their segment had
// already fallen out of retention.
func (s *InMemorySkipMapWindowStore[K, V]) ExpiredPuts() uint64 {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.expiredPuts
}

func (s *InMemorySkipMapWindowStore[K, V]) removeExpiredSegments() {
	s.mux.RLock()
	minLiveTime := s.observedStreamTime - s.retentionPeriod + 1
	s.mux.RUnlock()
	if minLiveTime <= 0 {
		return
	}
	var expired []int64
	s.store.Range(func(ts int64, kvmap *skipmap.FuncMap[K, V]) bool {
		if ts < minLiveTime {
			expired = append(expired, ts)
			return true
		}
		return false
	})
	for _, ts := range expired {
		s.store.Delete(ts)
	}
}
