package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"tumblestream/pkg/commtypes"
	"tumblestream/pkg/common_errors"
	"tumblestream/pkg/processor"
	"tumblestream/pkg/stats"
	"tumblestream/pkg/store"
	"tumblestream/pkg/utils/syncutils"
)

type QueryState uint32

const (
	StateRegistered QueryState = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s QueryState) String() string {
	switch s {
	case StateRegistered:
		return "REGISTERED"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("QueryState(%d)", uint32(s))
	}
}

func (s QueryState) canTransition(to QueryState) bool {
	switch s {
	case StateRegistered:
		return to == StateRunning || to == StateStopped
	case StateRunning:
		return to == StatePaused || to == StateStopped
	case StatePaused:
		return to == StateRunning || to == StateStopped
	default:
		// STOPPED is terminal
		return false
	}
}

type EmitMode uint8

const (
	// EmitChanges pushes every aggregate update to subscribers as it
	// happens.
	EmitChanges EmitMode = iota
	// EmitTable only materializes; consumers pull snapshots.
	EmitTable
)

// QuerySpec declares one continuous query: read Source, optionally
// filter and re-key, aggregate (windowed when Window is set), apply
// Having over the aggregate rows, optionally keep only the TopN keys
// ranked by RankBy, and materialize into Output.
type QuerySpec struct {
	Name         string
	Source       string
	Output       string
	Filter       string // boolean expression over payload fields; empty accepts all
	GroupBy      string // dot path of the grouping key; empty keeps the source key
	Having       string // boolean expression over aggregate rows; empty accepts all
	RankBy       string // aggregate column TopN ranks by
	Aggregations []processor.AggSpec
	Window       *processor.TimeWindows // nil = unwindowed running aggregate
	RetentionMs  int64                  // windowed state retention; 0 = size + grace
	TopN         int                    // 0 disables ranking
	EmitMode     EmitMode
}

// QueryMetrics is a point-in-time snapshot of one query's counters.
type QueryMetrics struct {
	Processed        uint64
	DroppedLate      uint64
	ProcessingErrors uint64
	Watermark        int64
}

// Query is a registered continuous query plus its pipeline and
// materialized state. GroupBy re-keys mid-pipeline, so events sharing
// a grouping key can arrive on different workers; procMux serializes
// the pipeline and table writes per query. The state machine and
// metrics are safe to read from anywhere.
type Query struct {
	procMux     syncutils.Mutex
	spec        QuerySpec
	pipeline    []processor.Processor
	windowProc  *processor.StreamWindowAggregateProcessor
	table       store.CoreKeyValueStore[string, commtypes.ValueTimestamp]
	state       uint32
	materialize bool // false when a pipeline stage owns the table itself
	processed   stats.AtomicCounter
	procErrors  stats.AtomicCounter
}

func (q *Query) Name() string    { return q.spec.Name }
func (q *Query) Spec() QuerySpec { return q.spec }

// Table exposes the materialized output for snapshotting and restore.
func (q *Query) Table() store.CoreKeyValueStore[string, commtypes.ValueTimestamp] {
	return q.table
}

func (q *Query) State() QueryState {
	return QueryState(atomic.LoadUint32(&q.state))
}

func (q *Query) transition(to QueryState) error {
	for {
		cur := atomic.LoadUint32(&q.state)
		if !QueryState(cur).canTransition(to) {
			return fmt.Errorf("%w: %s from %s to %s",
				common_errors.ErrInvalidStateTransition, q.spec.Name, QueryState(cur), to)
		}
		if atomic.CompareAndSwapUint32(&q.state, cur, uint32(to)) {
			return nil
		}
	}
}

func (q *Query) Metrics() QueryMetrics {
	m := QueryMetrics{
		Processed:        q.processed.GetCount(),
		ProcessingErrors: q.procErrors.GetCount(),
	}
	if q.windowProc != nil {
		m.DroppedLate = q.windowProc.DroppedLate()
		m.Watermark = q.windowProc.Watermark()
	}
	return m
}

// Report logs the query's counters.
func (q *Query) Report() {
	q.processed.Report()
	q.procErrors.Report()
	if q.windowProc != nil {
		q.windowProc.Report()
	}
}

// Watermark is the query's current lateness horizon; zero for
// unwindowed queries.
func (q *Query) Watermark() int64 {
	if q.windowProc == nil {
		return 0
	}
	return q.windowProc.Watermark()
}

// Snapshot returns the materialized table as a key-to-row map. Windowed
// rows are keyed "key@[start,end)".
func (q *Query) Snapshot(ctx context.Context) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	err := q.table.Range(ctx, "", false, "", false,
		func(k string, vt commtypes.ValueTimestamp) error {
			out[k] = vt.Value
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// process runs one source message through the pipeline and converts
// the surviving change messages into materialized change records.
func (q *Query) process(ctx context.Context, msg commtypes.Message) ([]commtypes.ChangeRecord, error) {
	msgs := []commtypes.Message{msg}
	for _, proc := range q.pipeline {
		var next []commtypes.Message
		for _, m := range msgs {
			out, err := proc.ProcessAndReturn(ctx, m)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", proc.Name(), err)
			}
			next = append(next, out...)
		}
		if len(next) == 0 {
			return nil, nil
		}
		msgs = next
	}

	recs := make([]commtypes.ChangeRecord, 0, len(msgs))
	for _, m := range msgs {
		rec, err := q.changeRecord(ctx, m)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (q *Query) changeRecord(ctx context.Context, msg commtypes.Message) (commtypes.ChangeRecord, error) {
	change, ok := msg.Value.(commtypes.Change)
	if !ok {
		return commtypes.ChangeRecord{}, fmt.Errorf("pipeline tail yielded %T, want a change", msg.Value)
	}
	rec := commtypes.ChangeRecord{
		OldVal:    change.OldVal,
		NewVal:    change.NewVal,
		Timestamp: msg.Timestamp,
		Offset:    msg.Offset,
	}
	storeKey := ""
	switch k := msg.Key.(type) {
	case commtypes.WindowedKey:
		rec.Key = fmt.Sprintf("%v", k.Key)
		rec.Window = k.Window
		storeKey = fmt.Sprintf("%s@[%d,%d)", rec.Key, k.Window.Start(), k.Window.End())
		if q.windowProc != nil {
			rec.IsLate = q.windowProc.IsLate(k.Window)
		}
	case string:
		rec.Key = k
		storeKey = k
	default:
		return commtypes.ChangeRecord{}, fmt.Errorf("pipeline tail yielded key %T", msg.Key)
	}
	if q.materialize {
		if err := q.applyLWW(ctx, storeKey, rec); err != nil {
			return commtypes.ChangeRecord{}, err
		}
	}
	return rec, nil
}

// applyLWW materializes one change into the output table, last write
// wins on (timestamp, offset).
func (q *Query) applyLWW(ctx context.Context, storeKey string, rec commtypes.ChangeRecord) error {
	cur, exists, err := q.table.Get(ctx, storeKey)
	if err != nil {
		return err
	}
	if exists && !cur.Newer(rec.Timestamp, rec.Offset) {
		return nil
	}
	if rec.NewVal == nil {
		if !exists {
			return nil
		}
		return q.table.Delete(ctx, storeKey)
	}
	return q.table.Put(ctx, storeKey,
		commtypes.CreateValueTimestamp(rec.NewVal, rec.Timestamp, rec.Offset))
}
