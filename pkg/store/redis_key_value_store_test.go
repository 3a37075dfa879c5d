package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"tumblestream/pkg/commtypes"

	"github.com/go-redis/redis/v9"
)

func getRedisStore(t *testing.T) *RedisKeyValueStore[commtypes.ValueTimestamp] {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	name := fmt.Sprintf("test_%d", time.Now().UnixNano())
	return NewRedisKeyValueStore[commtypes.ValueTimestamp](name, rdb,
		commtypes.JSONSerdeG[commtypes.ValueTimestamp]{})
}

func TestRedisPutGetDelete(t *testing.T) {
	ctx := context.Background()
	st := getRedisStore(t)
	_, exists, err := st.Get(ctx, "USER1")
	if err != nil {
		t.Fatal(err.Error())
	}
	if exists {
		t.Fatal("expected no value before put")
	}
	vt := commtypes.CreateValueTimestamp(map[string]interface{}{"cnt": 3.0}, 1000, 7)
	if err := st.Put(ctx, "USER1", vt); err != nil {
		t.Fatal(err.Error())
	}
	got, exists, err := st.Get(ctx, "USER1")
	if err != nil {
		t.Fatal(err.Error())
	}
	if !exists {
		t.Fatal("expected the value after put")
	}
	if got.Timestamp != 1000 || got.Offset != 7 {
		t.Fatalf("expected stamp (1000, 7), got (%d, %d)", got.Timestamp, got.Offset)
	}
	if err := st.Delete(ctx, "USER1"); err != nil {
		t.Fatal(err.Error())
	}
	_, exists, err = st.Get(ctx, "USER1")
	if err != nil {
		t.Fatal(err.Error())
	}
	if exists {
		t.Fatal("expected no value after delete")
	}
}

func TestRedisRange(t *testing.T) {
	ctx := context.Background()
	st := getRedisStore(t)
	for i, key := range []string{"a", "b", "c", "d"} {
		vt := commtypes.CreateValueTimestamp(map[string]interface{}{"cnt": float64(i)},
			int64(i)*1000, uint64(i))
		if err := st.Put(ctx, key, vt); err != nil {
			t.Fatal(err.Error())
		}
	}
	var keys []string
	err := st.Range(ctx, "b", true, "c", true,
		func(k string, _ commtypes.ValueTimestamp) error {
			keys = append(keys, k)
			return nil
		})
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(keys) != 2 || keys[0] != "b" || keys[1] != "c" {
		t.Fatalf("expected [b c], got %v", keys)
	}
	for _, key := range []string{"a", "b", "c", "d"} {
		if err := st.Delete(ctx, key); err != nil {
			t.Fatal(err.Error())
		}
	}
}
