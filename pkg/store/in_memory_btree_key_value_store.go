package store

import (
	"context"

	"tumblestream/pkg/utils/syncutils"

	"github.com/google/btree"
)

type kvPair[K, V any] struct {
	key K
	val V
}

type InMemoryBTreeKeyValueStore[K, V any] struct {
	mux   syncutils.Mutex
	store *btree.BTreeG[kvPair[K, V]]
	less  LessFunc[K]
	name  string
}

var _ = CoreKeyValueStore[int, int](&InMemoryBTreeKeyValueStore[int, int]{})

func NewInMemoryBTreeKeyValueStore[K, V any](name string, lessFunc LessFunc[K]) *InMemoryBTreeKeyValueStore[K, V] {
	return &InMemoryBTreeKeyValueStore[K, V]{
		name: name,
		less: lessFunc,
		store: btree.NewG(2, btree.LessFunc[kvPair[K, V]](
			func(a, b kvPair[K, V]) bool {
				return lessFunc(a.key, b.key)
			})),
	}
}

func (st *InMemoryBTreeKeyValueStore[K, V]) Name() string {
	return st.name
}

func (st *InMemoryBTreeKeyValueStore[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	st.mux.Lock()
	defer st.mux.Unlock()
	ret, exists := st.store.Get(kvPair[K, V]{key: key})
	return ret.val, exists, nil
}

func (st *InMemoryBTreeKeyValueStore[K, V]) Put(ctx context.Context, key K, value V) error {
	st.mux.Lock()
	defer st.mux.Unlock()
	st.store.ReplaceOrInsert(kvPair[K, V]{key: key, val: value})
	return nil
}

func (st *InMemoryBTreeKeyValueStore[K, V]) Delete(ctx context.Context, key K) error {
	st.mux.Lock()
	defer st.mux.Unlock()
	st.store.Delete(kvPair[K, V]{key: key})
	return nil
}

func (st *InMemoryBTreeKeyValueStore[K, V]) ApproximateNumEntries() (uint64, error) {
	st.mux.Lock()
	defer st.mux.Unlock()
	return uint64(st.store.Len()), nil
}

func (st *InMemoryBTreeKeyValueStore[K, V]) Range(ctx context.Context, from K, fromSet bool,
	to K, toSet bool, iterFunc func(K, V) error,
) error {
	st.mux.Lock()
	defer st.mux.Unlock()
	var iterErr error
	iter := btree.ItemIteratorG[kvPair[K, V]](func(kv kvPair[K, V]) bool {
		if toSet && st.less(to, kv.key) {
			return false
		}
		if err := iterFunc(kv.key, kv.val); err != nil {
			iterErr = err
			return false
		}
		return true
	})
	if fromSet {
		st.store.AscendGreaterOrEqual(kvPair[K, V]{key: from}, iter)
	} else {
		st.store.Ascend(iter)
	}
	return iterErr
}
