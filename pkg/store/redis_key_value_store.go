package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"tumblestream/pkg/commtypes"

	"github.com/go-redis/redis/v9"
)

// RedisKeyValueStore externalizes a table's latest-value state into
// redis so it survives engine restarts. Values are serialized with the
// configured serde; keys are namespaced by table name.
type RedisKeyValueStore[V any] struct {
	rdb      *redis.Client
	valSerde commtypes.SerdeG[V]
	name     string
}

var _ = CoreKeyValueStore[string, int](&RedisKeyValueStore[int]{})

func NewRedisKeyValueStore[V any](name string, rdb *redis.Client,
	valSerde commtypes.SerdeG[V],
) *RedisKeyValueStore[V] {
	return &RedisKeyValueStore[V]{
		rdb:      rdb,
		valSerde: valSerde,
		name:     name,
	}
}

func (st *RedisKeyValueStore[V]) Name() string {
	return st.name
}

func (st *RedisKeyValueStore[V]) redisKey(key string) string {
	return fmt.Sprintf("tbl:%s:%s", st.name, key)
}

func (st *RedisKeyValueStore[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var v V
	data, err := st.rdb.Get(ctx, st.redisKey(key)).Bytes()
	if err == redis.Nil {
		return v, false, nil
	} else if err != nil {
		return v, false, err
	}
	v, err = st.valSerde.Decode(data)
	if err != nil {
		return v, false, err
	}
	return v, true, nil
}

func (st *RedisKeyValueStore[V]) Put(ctx context.Context, key string, value V) error {
	enc, err := st.valSerde.Encode(value)
	if err != nil {
		return err
	}
	return st.rdb.Set(ctx, st.redisKey(key), enc, 0).Err()
}

func (st *RedisKeyValueStore[V]) Delete(ctx context.Context, key string) error {
	return st.rdb.Del(ctx, st.redisKey(key)).Err()
}

func (st *RedisKeyValueStore[V]) ApproximateNumEntries() (uint64, error) {
	keys, err := st.allKeys(context.Background())
	if err != nil {
		return 0, err
	}
	return uint64(len(keys)), nil
}

func (st *RedisKeyValueStore[V]) Range(ctx context.Context, from string, fromSet bool,
	to string, toSet bool, iterFunc func(string, V) error,
) error {
	keys, err := st.allKeys(ctx)
	if err != nil {
		return err
	}
	sort.Strings(keys)
	for _, key := range keys {
		if fromSet && key < from {
			continue
		}
		if toSet && key > to {
			break
		}
		v, exists, err := st.Get(ctx, key)
		if err != nil {
			return err
		}
		if !exists {
			// deleted concurrently
			continue
		}
		if err := iterFunc(key, v); err != nil {
			return err
		}
	}
	return nil
}

func (st *RedisKeyValueStore[V]) allKeys(ctx context.Context) ([]string, error) {
	prefix := fmt.Sprintf("tbl:%s:", st.name)
	var keys []string
	var cursor uint64
	for {
		batch, next, err := st.rdb.Scan(ctx, cursor, prefix+"*", 128).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, prefix))
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
