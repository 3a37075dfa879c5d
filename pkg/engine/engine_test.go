package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tumblestream/pkg/commtypes"
	"tumblestream/pkg/common_errors"
	"tumblestream/pkg/emitter"
	"tumblestream/pkg/processor"
	"tumblestream/pkg/registry"

	"github.com/Jeffail/gabs/v2"
	"github.com/stretchr/testify/require"
)

func purchaseSchema() *registry.Schema {
	return registry.NewSchema([]registry.Field{
		{Name: "user_id", Type: registry.TypeString},
		{Name: "category", Type: registry.TypeString},
		{Name: "amount", Type: registry.TypeFloat64},
	}, "ts")
}

func newTestEngine(t *testing.T) (*Engine, *registry.Registry, *emitter.ChangeEmitter) {
	reg := registry.NewRegistry()
	em := emitter.NewChangeEmitter(0)
	t.Cleanup(em.Close)
	eng := NewEngine(reg, em)
	t.Cleanup(eng.Close)
	if _, err := reg.Register("purchases", purchaseSchema(), "user_id", 1); err != nil {
		t.Fatal(err.Error())
	}
	return eng, reg, em
}

func purchaseMsg(t *testing.T, user string, category string, amount float64, ts int64, offset uint64) commtypes.Message {
	raw := fmt.Sprintf(`{"user_id":%q,"category":%q,"amount":%v}`, user, category, amount)
	payload, err := gabs.ParseJSON([]byte(raw))
	if err != nil {
		t.Fatal(err.Error())
	}
	return commtypes.Message{
		Key:       user,
		Value:     payload,
		Timestamp: ts,
		Offset:    offset,
	}
}

func TestRegisterCycleLeavesEngineUnchanged(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	specA := QuerySpec{
		Name:    "qa",
		Source:  "purchases",
		Output:  "derived_a",
		GroupBy: "user_id",
		Aggregations: []processor.AggSpec{
			{Kind: processor.AggCount, As: "cnt"},
		},
	}
	if _, err := eng.Register(specA); err != nil {
		t.Fatal(err.Error())
	}
	specB := QuerySpec{
		Name:   "qb",
		Source: "derived_a",
		Output: "derived_b",
		Aggregations: []processor.AggSpec{
			{Kind: processor.AggCount, As: "cnt"},
		},
	}
	if _, err := eng.Register(specB); err != nil {
		t.Fatal(err.Error())
	}
	// derived_b -> purchases -> derived_a -> derived_b would loop
	cyclic := QuerySpec{
		Name:   "qc",
		Source: "derived_b",
		Output: "purchases",
		Aggregations: []processor.AggSpec{
			{Kind: processor.AggCount, As: "cnt"},
		},
	}
	_, err := eng.Register(cyclic)
	if !errors.Is(err, common_errors.ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	// nothing of the rejected query may remain
	if _, err := eng.Lookup("qc"); !errors.Is(err, common_errors.ErrUnknownQuery) {
		t.Fatalf("rejected query must not be registered, got %v", err)
	}
	if _, err := reg.Lookup("derived_a"); err != nil {
		t.Fatal("existing streams must be untouched")
	}
	// self loops are rejected too
	selfLoop := QuerySpec{
		Name:    "qd",
		Source:  "purchases",
		Output:  "purchases",
		GroupBy: "user_id",
		Aggregations: []processor.AggSpec{
			{Kind: processor.AggCount, As: "cnt"},
		},
	}
	if _, err := eng.Register(selfLoop); !errors.Is(err, common_errors.ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestPurchaseWindowEndToEnd(t *testing.T) {
	eng, _, em := newTestEngine(t)
	ctx := context.Background()
	spec := QuerySpec{
		Name:    "user_activity_1m",
		Source:  "purchases",
		Output:  "fraud_alerts",
		GroupBy: "user_id",
		Window:  processor.NewTimeWindowsWithGrace(time.Minute, 10*time.Second),
		Aggregations: []processor.AggSpec{
			{Kind: processor.AggCount, As: "cnt"},
			{Kind: processor.AggSum, Field: "amount", As: "total"},
		},
		Having:   "cnt > 2",
		EmitMode: EmitChanges,
	}
	if _, err := eng.Register(spec); err != nil {
		t.Fatal(err.Error())
	}
	if err := eng.Start(spec.Name); err != nil {
		t.Fatal(err.Error())
	}

	var mu sync.Mutex
	var alerts []commtypes.ChangeRecord
	em.Subscribe("fraud_alerts", func(rec commtypes.ChangeRecord) {
		mu.Lock()
		alerts = append(alerts, rec)
		mu.Unlock()
	})

	base := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC).UnixMilli()
	for i := 0; i < 3; i++ {
		msg := purchaseMsg(t, "USER1", "Books", 50, base+int64(i)*5000, uint64(i))
		if err := eng.Process(ctx, "purchases", msg); err != nil {
			t.Fatal(err.Error())
		}
	}

	// only the third update crosses the HAVING threshold
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	alert := alerts[0]
	mu.Unlock()
	row := alert.NewVal.(map[string]interface{})
	if row["cnt"].(int64) != 3 || row["total"].(float64) != 150 {
		t.Fatalf("expected cnt 3 total 150, got %v", row)
	}
	if alert.Key != "USER1" {
		t.Fatalf("expected key USER1, got %s", alert.Key)
	}
	if alert.Window == nil || alert.Window.Start() != base {
		t.Fatalf("expected window starting at %d, got %v", base, alert.Window)
	}
	if alert.IsLate {
		t.Fatal("on-time update must not be flagged late")
	}

	// pull query over the materialized table
	snap, err := em.Snapshot(ctx, "fraud_alerts")
	if err != nil {
		t.Fatal(err.Error())
	}
	require.Len(t, snap, 1)

	q, err := eng.Lookup(spec.Name)
	if err != nil {
		t.Fatal(err.Error())
	}
	m := q.Metrics()
	if m.Processed != 3 || m.ProcessingErrors != 0 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestWindowBoundaryAcrossMinutes(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	spec := QuerySpec{
		Name:    "per_user_counts",
		Source:  "purchases",
		Output:  "user_counts",
		GroupBy: "user_id",
		Window:  processor.NewTimeWindowsNoGrace(time.Minute),
		Aggregations: []processor.AggSpec{
			{Kind: processor.AggCount, As: "cnt"},
		},
		EmitMode: EmitTable,
	}
	if _, err := eng.Register(spec); err != nil {
		t.Fatal(err.Error())
	}
	if err := eng.Start(spec.Name); err != nil {
		t.Fatal(err.Error())
	}

	base := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC).UnixMilli()
	offsets := []int64{5000, 50000, 70000} // 09:00:05, 09:00:50, 09:01:10
	for i, off := range offsets {
		msg := purchaseMsg(t, "USER1", "Books", 10, base+off, uint64(i))
		if err := eng.Process(ctx, "purchases", msg); err != nil {
			t.Fatal(err.Error())
		}
	}
	q, err := eng.Lookup(spec.Name)
	if err != nil {
		t.Fatal(err.Error())
	}
	snap, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatal(err.Error())
	}
	require.Len(t, snap, 2)
	firstKey := fmt.Sprintf("USER1@[%d,%d)", base, base+60000)
	secondKey := fmt.Sprintf("USER1@[%d,%d)", base+60000, base+120000)
	first := snap[firstKey].(map[string]interface{})
	second := snap[secondKey].(map[string]interface{})
	if first["cnt"].(int64) != 2 {
		t.Fatalf("expected 2 events in the first window, got %v", first["cnt"])
	}
	if second["cnt"].(int64) != 1 {
		t.Fatalf("expected 1 event in the second window, got %v", second["cnt"])
	}
}

func TestTopNEndToEnd(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	spec := QuerySpec{
		Name:    "category_revenue",
		Source:  "purchases",
		Output:  "top_categories",
		GroupBy: "category",
		Aggregations: []processor.AggSpec{
			{Kind: processor.AggSum, Field: "amount", As: "revenue"},
		},
		TopN:     2,
		RankBy:   "revenue",
		EmitMode: EmitTable,
	}
	if _, err := eng.Register(spec); err != nil {
		t.Fatal(err.Error())
	}
	if err := eng.Start(spec.Name); err != nil {
		t.Fatal(err.Error())
	}

	events := []struct {
		category string
		amount   float64
	}{
		{"Electronics", 100},
		{"Fashion", 50},
		{"Books", 80},
		{"Fashion", 60}, // Fashion climbs to 110 and evicts Books
	}
	for i, ev := range events {
		msg := purchaseMsg(t, fmt.Sprintf("USER%d", i), ev.category, ev.amount, int64(1000*(i+1)), uint64(i))
		if err := eng.Process(ctx, "purchases", msg); err != nil {
			t.Fatal(err.Error())
		}
	}
	q, err := eng.Lookup(spec.Name)
	if err != nil {
		t.Fatal(err.Error())
	}
	snap, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatal(err.Error())
	}
	require.Len(t, snap, 2)
	fashion := snap["Fashion"].(map[string]interface{})
	electronics := snap["Electronics"].(map[string]interface{})
	if fashion["revenue"].(float64) != 110 || electronics["revenue"].(float64) != 100 {
		t.Fatalf("unexpected top categories: %v", snap)
	}
	if _, stillThere := snap["Books"]; stillThere {
		t.Fatal("Books should have been evicted from the top 2")
	}
}

func TestConcurrentWorkersShareGroupingKey(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	spec := QuerySpec{
		Name:    "per_user_counts",
		Source:  "purchases",
		Output:  "user_counts",
		GroupBy: "user_id",
		Aggregations: []processor.AggSpec{
			{Kind: processor.AggCount, As: "cnt"},
			{Kind: processor.AggSum, Field: "amount", As: "total"},
		},
		EmitMode: EmitTable,
	}
	if _, err := eng.Register(spec); err != nil {
		t.Fatal(err.Error())
	}
	if err := eng.Start(spec.Name); err != nil {
		t.Fatal(err.Error())
	}

	// events from different source partitions all re-key to USER1
	const workers = 2
	const perWorker = 500
	batches := make([][]commtypes.Message, workers)
	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			msg := purchaseMsg(t, "USER1", "Books", 1, 1000, uint64(w*perWorker+i))
			msg.Partition = uint8(w)
			batches[w] = append(batches[w], msg)
		}
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(batch []commtypes.Message) {
			defer wg.Done()
			for _, msg := range batch {
				if err := eng.Process(ctx, "purchases", msg); err != nil {
					t.Error(err.Error())
					return
				}
			}
		}(batches[w])
	}
	wg.Wait()

	// a final event with the highest (timestamp, offset) materializes
	// the full aggregate; any lost read-modify-write shows up as a
	// short count
	last := purchaseMsg(t, "USER1", "Books", 1, 2000, uint64(workers*perWorker))
	if err := eng.Process(ctx, "purchases", last); err != nil {
		t.Fatal(err.Error())
	}
	q, err := eng.Lookup(spec.Name)
	if err != nil {
		t.Fatal(err.Error())
	}
	snap, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatal(err.Error())
	}
	row := snap["USER1"].(map[string]interface{})
	want := int64(workers*perWorker + 1)
	if row["cnt"].(int64) != want {
		t.Fatalf("lost updates: expected cnt %d, got %v", want, row["cnt"])
	}
	if row["total"].(float64) != float64(want) {
		t.Fatalf("lost updates: expected total %d, got %v", want, row["total"])
	}
	if got := q.Metrics().Processed; got != uint64(want) {
		t.Fatalf("expected %d processed, got %d", want, got)
	}
}

func TestQueryStateMachine(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	spec := QuerySpec{
		Name:    "q1",
		Source:  "purchases",
		Output:  "out1",
		GroupBy: "user_id",
		Aggregations: []processor.AggSpec{
			{Kind: processor.AggCount, As: "cnt"},
		},
		EmitMode: EmitTable,
	}
	q, err := eng.Register(spec)
	if err != nil {
		t.Fatal(err.Error())
	}
	if q.State() != StateRegistered {
		t.Fatalf("expected REGISTERED, got %s", q.State())
	}
	// events are ignored until the query starts
	msg := purchaseMsg(t, "USER1", "Books", 10, 1000, 0)
	if err := eng.Process(ctx, "purchases", msg); err != nil {
		t.Fatal(err.Error())
	}
	if q.Metrics().Processed != 0 {
		t.Fatal("registered query must not process events")
	}

	if err := eng.Pause("q1"); !errors.Is(err, common_errors.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	if err := eng.Start("q1"); err != nil {
		t.Fatal(err.Error())
	}
	if err := eng.Process(ctx, "purchases", msg); err != nil {
		t.Fatal(err.Error())
	}
	if q.Metrics().Processed != 1 {
		t.Fatal("running query should process events")
	}
	if err := eng.Pause("q1"); err != nil {
		t.Fatal(err.Error())
	}
	if err := eng.Process(ctx, "purchases", purchaseMsg(t, "USER1", "Books", 10, 2000, 1)); err != nil {
		t.Fatal(err.Error())
	}
	if q.Metrics().Processed != 1 {
		t.Fatal("paused query must not process events")
	}
	if err := eng.Resume("q1"); err != nil {
		t.Fatal(err.Error())
	}
	if err := eng.Stop("q1"); err != nil {
		t.Fatal(err.Error())
	}
	if err := eng.Start("q1"); !errors.Is(err, common_errors.ErrInvalidStateTransition) {
		t.Fatalf("stopped is terminal, got %v", err)
	}
	if err := eng.Stop("missing"); !errors.Is(err, common_errors.ErrUnknownQuery) {
		t.Fatalf("expected ErrUnknownQuery, got %v", err)
	}
}

func TestProcessingErrorIsolated(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	spec := QuerySpec{
		Name:    "q1",
		Source:  "purchases",
		Output:  "out1",
		GroupBy: "missing_field",
		Aggregations: []processor.AggSpec{
			{Kind: processor.AggCount, As: "cnt"},
		},
		EmitMode: EmitTable,
	}
	q, err := eng.Register(spec)
	if err != nil {
		t.Fatal(err.Error())
	}
	if err := eng.Start("q1"); err != nil {
		t.Fatal(err.Error())
	}
	// the grouping field is absent; the event fails, the engine keeps
	// going
	msg := purchaseMsg(t, "USER1", "Books", 10, 1000, 0)
	if err := eng.Process(ctx, "purchases", msg); err != nil {
		t.Fatal(err.Error())
	}
	m := q.Metrics()
	if m.ProcessingErrors != 1 || m.Processed != 0 {
		t.Fatalf("expected 1 isolated error, got %+v", m)
	}
	if err := eng.Process(ctx, "purchases", msg); err != nil {
		t.Fatal(err.Error())
	}
	if q.Metrics().ProcessingErrors != 2 {
		t.Fatal("errors keep being counted per event")
	}
}

func TestCascadedQueries(t *testing.T) {
	eng, _, em := newTestEngine(t)
	ctx := context.Background()
	first := QuerySpec{
		Name:    "by_category",
		Source:  "purchases",
		Output:  "category_totals",
		GroupBy: "category",
		Aggregations: []processor.AggSpec{
			{Kind: processor.AggSum, Field: "amount", As: "revenue"},
		},
		EmitMode: EmitChanges,
	}
	// reads the derived stream produced by the first query
	second := QuerySpec{
		Name:   "total_updates",
		Source: "category_totals",
		Output: "update_counts",
		Aggregations: []processor.AggSpec{
			{Kind: processor.AggCount, As: "updates"},
		},
		EmitMode: EmitChanges,
	}
	for _, spec := range []QuerySpec{first, second} {
		if _, err := eng.Register(spec); err != nil {
			t.Fatal(err.Error())
		}
		if err := eng.Start(spec.Name); err != nil {
			t.Fatal(err.Error())
		}
	}
	var mu sync.Mutex
	var downstream []commtypes.ChangeRecord
	em.Subscribe("update_counts", func(rec commtypes.ChangeRecord) {
		mu.Lock()
		downstream = append(downstream, rec)
		mu.Unlock()
	})
	for i := 0; i < 2; i++ {
		msg := purchaseMsg(t, "USER1", "Books", 10, int64(1000*(i+1)), uint64(i))
		if err := eng.Process(ctx, "purchases", msg); err != nil {
			t.Fatal(err.Error())
		}
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(downstream) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	last := downstream[1]
	mu.Unlock()
	if last.NewVal.(map[string]interface{})["updates"].(int64) != 2 {
		t.Fatalf("expected 2 updates counted downstream, got %v", last.NewVal)
	}
}

func TestDeregisterDropsDerivedStream(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	spec := QuerySpec{
		Name:    "q1",
		Source:  "purchases",
		Output:  "out1",
		GroupBy: "user_id",
		Aggregations: []processor.AggSpec{
			{Kind: processor.AggCount, As: "cnt"},
		},
	}
	if _, err := eng.Register(spec); err != nil {
		t.Fatal(err.Error())
	}
	if _, err := reg.Lookup("out1"); err != nil {
		t.Fatal("derived stream should be registered")
	}
	if err := eng.Deregister("q1"); err != nil {
		t.Fatal(err.Error())
	}
	if _, err := reg.Lookup("out1"); !errors.Is(err, common_errors.ErrUnknownStream) {
		t.Fatalf("derived stream should be dropped, got %v", err)
	}
	if err := eng.Deregister("q1"); !errors.Is(err, common_errors.ErrUnknownQuery) {
		t.Fatalf("expected ErrUnknownQuery, got %v", err)
	}
}
