package emitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tumblestream/pkg/commtypes"
	"tumblestream/pkg/common_errors"

	"github.com/stretchr/testify/require"
)

func rec(key string, ts int64) commtypes.ChangeRecord {
	return commtypes.ChangeRecord{
		Key:       key,
		NewVal:    map[string]interface{}{"cnt": int64(1)},
		Timestamp: ts,
	}
}

func TestDeliveryOrderPerSubscription(t *testing.T) {
	em := NewChangeEmitter(0)
	defer em.Close()

	var mu sync.Mutex
	var got []string
	em.Subscribe("out", func(r commtypes.ChangeRecord) {
		mu.Lock()
		got = append(got, r.Key)
		mu.Unlock()
	})
	var want []string
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%02d", i)
		want = append(want, key)
		em.Emit("out", rec(key, int64(i)))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, got)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	em := NewChangeEmitter(2)
	defer em.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	em.Subscribe("out", func(r commtypes.ChangeRecord) {
		mu.Lock()
		got = append(got, r.Key)
		first := len(got) == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
	})
	em.Emit("out", rec("k1", 1))
	<-started
	// the dispatcher is stuck in the callback; fill the buffer past
	// capacity
	em.Emit("out", rec("k2", 2))
	em.Emit("out", rec("k3", 3))
	em.Emit("out", rec("k4", 4))
	require.Equal(t, uint64(1), em.SubscriberOverflow())
	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"k1", "k3", "k4"}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	em := NewChangeEmitter(0)
	defer em.Close()

	var mu sync.Mutex
	count := 0
	id := em.Subscribe("out", func(r commtypes.ChangeRecord) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	em.Emit("out", rec("k1", 1))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 2*time.Second, 5*time.Millisecond)
	em.Unsubscribe(id)
	em.Emit("out", rec("k2", 2))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

type mapProvider map[string]interface{}

func (m mapProvider) Snapshot(ctx context.Context) (map[string]interface{}, error) {
	return m, nil
}

func TestPullQuerySnapshot(t *testing.T) {
	em := NewChangeEmitter(0)
	defer em.Close()

	em.RegisterTable("top_categories", mapProvider{
		"Electronics": map[string]interface{}{"revenue": 1200.0},
	})
	snap, err := em.Snapshot(context.Background(), "top_categories")
	require.NoError(t, err)
	require.Len(t, snap, 1)

	_, err = em.Snapshot(context.Background(), "missing")
	require.True(t, errors.Is(err, common_errors.ErrUnknownStream))

	em.DropTable("top_categories")
	_, err = em.Snapshot(context.Background(), "top_categories")
	require.Error(t, err)
}
