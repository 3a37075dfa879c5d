package emitter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"tumblestream/pkg/commtypes"
	"tumblestream/pkg/common_errors"
	"tumblestream/pkg/stats"
	"tumblestream/pkg/utils/syncutils"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog/log"
)

type SubscriptionID uint64

// Callback receives one change record. Callbacks run on the
// subscription's own dispatcher goroutine, never on the processing
// pipeline, so a slow callback can only stale its own subscription.
type Callback func(rec commtypes.ChangeRecord)

// SnapshotProvider serves the current materialized state of a table
// for pull queries.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (map[string]interface{}, error)
}

type subscription struct {
	mux    syncutils.Mutex
	buf    *deque.Deque[commtypes.ChangeRecord]
	notify chan struct{}
	done   chan struct{}
	cb     Callback
	output string
	id     SubscriptionID
}

func (s *subscription) push(rec commtypes.ChangeRecord, capacity int, overflow *stats.AtomicCounter) {
	s.mux.Lock()
	if s.buf.Len() >= capacity {
		// absorb backpressure by staleness, not by stalling upstream
		dropped := s.buf.PopFront()
		overflow.Tick(1)
		log.Warn().Str("output", s.output).Str("key", dropped.Key).
			Msg("subscriber buffer overflow, dropping oldest update")
	}
	s.buf.PushBack(rec)
	s.mux.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() (commtypes.ChangeRecord, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.buf.Len() == 0 {
		return commtypes.ChangeRecord{}, false
	}
	return s.buf.PopFront(), true
}

func (s *subscription) dispatch(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
			for {
				rec, ok := s.pop()
				if !ok {
					break
				}
				s.cb(rec)
			}
		}
	}
}

// ChangeEmitter fans incremental updates out to push subscribers and
// serves table snapshots to pull queries. Per subscription, delivery
// order equals the order updates were applied to the store; there is
// no cross-key ordering guarantee. Delivery is at-least-once.
type ChangeEmitter struct {
	mux      syncutils.RWMutex
	subs     map[string][]*subscription
	byID     map[SubscriptionID]*subscription
	tables   map[string]SnapshotProvider
	overflow stats.AtomicCounter
	wg       sync.WaitGroup
	capacity int
	nextID   uint64
	closed   syncutils.AtomicBool
}

const DefaultSubscriberBufCap = 1024

func NewChangeEmitter(capacity int) *ChangeEmitter {
	if capacity <= 0 {
		capacity = DefaultSubscriberBufCap
	}
	return &ChangeEmitter{
		subs:     make(map[string][]*subscription),
		byID:     make(map[SubscriptionID]*subscription),
		tables:   make(map[string]SnapshotProvider),
		overflow: stats.NewAtomicCounter("subscriber_overflow"),
		capacity: capacity,
	}
}

func (e *ChangeEmitter) Subscribe(output string, cb Callback) SubscriptionID {
	id := SubscriptionID(atomic.AddUint64(&e.nextID, 1))
	sub := &subscription{
		buf:    deque.New[commtypes.ChangeRecord](),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		cb:     cb,
		output: output,
		id:     id,
	}
	e.mux.Lock()
	e.subs[output] = append(e.subs[output], sub)
	e.byID[id] = sub
	e.mux.Unlock()
	e.wg.Add(1)
	go sub.dispatch(&e.wg)
	return id
}

// Unsubscribe takes effect eventually: an update already buffered may
// still be delivered before the dispatcher notices.
func (e *ChangeEmitter) Unsubscribe(id SubscriptionID) {
	e.mux.Lock()
	sub, ok := e.byID[id]
	if ok {
		delete(e.byID, id)
		remaining := e.subs[sub.output][:0]
		for _, s := range e.subs[sub.output] {
			if s.id != id {
				remaining = append(remaining, s)
			}
		}
		e.subs[sub.output] = remaining
	}
	e.mux.Unlock()
	if ok {
		close(sub.done)
	}
}

// Emit never blocks the caller: each subscriber's bounded buffer either
// takes the record or sheds its oldest entry.
func (e *ChangeEmitter) Emit(output string, rec commtypes.ChangeRecord) {
	if e.closed.Get() {
		return
	}
	e.mux.RLock()
	subs := e.subs[output]
	e.mux.RUnlock()
	for _, sub := range subs {
		sub.push(rec, e.capacity, &e.overflow)
	}
}

func (e *ChangeEmitter) RegisterTable(name string, provider SnapshotProvider) {
	e.mux.Lock()
	e.tables[name] = provider
	e.mux.Unlock()
}

func (e *ChangeEmitter) DropTable(name string) {
	e.mux.Lock()
	delete(e.tables, name)
	e.mux.Unlock()
}

// Snapshot answers a pull query with the table's current state.
func (e *ChangeEmitter) Snapshot(ctx context.Context, tableName string) (map[string]interface{}, error) {
	e.mux.RLock()
	provider, ok := e.tables[tableName]
	e.mux.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", common_errors.ErrUnknownStream, tableName)
	}
	return provider.Snapshot(ctx)
}

// SubscriberOverflow counts updates dropped from slow subscribers.
func (e *ChangeEmitter) SubscriberOverflow() uint64 {
	return e.overflow.GetCount()
}

func (e *ChangeEmitter) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.mux.Lock()
	for id, sub := range e.byID {
		delete(e.byID, id)
		close(sub.done)
	}
	e.subs = make(map[string][]*subscription)
	e.mux.Unlock()
	e.wg.Wait()
}
