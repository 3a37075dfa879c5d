package processor

import (
	"context"
	"fmt"
	"sync/atomic"

	"tumblestream/pkg/commtypes"
	"tumblestream/pkg/debug"
	"tumblestream/pkg/optional"
	"tumblestream/pkg/stats"
	"tumblestream/pkg/store"
	"tumblestream/pkg/utils"

	"github.com/rs/zerolog/log"
)

// StreamWindowAggregateProcessor folds events into per-(key, window)
// aggregate state. Window lifecycle relative to stream time:
//
//   - window end above the watermark: open, updates are on time;
//   - window end at or below the watermark but within retention: late,
//     updates still apply and are flagged;
//   - window start behind retention: dead-lettered, the event is
//     dropped and counted without touching the store.
type StreamWindowAggregateProcessor struct {
	store              store.CoreWindowStore[string, commtypes.ValueTimestamp]
	initializer        Initializer
	aggregator         Aggregator
	windows            EnumerableWindowDefinition
	name               string
	retentionMs        int64
	observedStreamTime int64 // atomic; written under the query lock, read by monitors
	droppedLate        stats.AtomicCounter
}

var _ = Processor(&StreamWindowAggregateProcessor{})

func NewStreamWindowAggregateProcessor(name string,
	store store.CoreWindowStore[string, commtypes.ValueTimestamp],
	initializer Initializer, aggregator Aggregator,
	windows EnumerableWindowDefinition, retentionMs int64,
) *StreamWindowAggregateProcessor {
	if retentionMs < windows.MaxSize()+windows.GracePeriodMs() {
		retentionMs = windows.MaxSize() + windows.GracePeriodMs()
	}
	return &StreamWindowAggregateProcessor{
		store:       store,
		initializer: initializer,
		aggregator:  aggregator,
		windows:     windows,
		name:        name,
		retentionMs: retentionMs,
		droppedLate: stats.NewAtomicCounter(name + "_dropped_late"),
	}
}

func (p *StreamWindowAggregateProcessor) Name() string {
	return p.name
}

// Watermark is the time before which no further on-time events are
// expected: max observed event time minus the grace period.
func (p *StreamWindowAggregateProcessor) Watermark() int64 {
	return atomic.LoadInt64(&p.observedStreamTime) - p.windows.GracePeriodMs()
}

// IsLate reports whether updates to win arrive after its close.
func (p *StreamWindowAggregateProcessor) IsLate(win commtypes.Window) bool {
	return win.End() <= p.Watermark()
}

// DroppedLate counts events dead-lettered for exceeding retention.
func (p *StreamWindowAggregateProcessor) DroppedLate() uint64 {
	return p.droppedLate.GetCount()
}

// Report logs the drop counter.
func (p *StreamWindowAggregateProcessor) Report() {
	p.droppedLate.Report()
}

func (p *StreamWindowAggregateProcessor) ProcessAndReturn(ctx context.Context, msg commtypes.Message) ([]commtypes.Message, error) {
	if utils.IsNil(msg.Key) {
		log.Warn().Msgf("skipping record due to null key. key=%v, val=%v", msg.Key, msg.Value)
		return nil, nil
	}
	key, ok := msg.Key.(string)
	if !ok {
		return nil, fmt.Errorf("window aggregate expects string keys, got %T", msg.Key)
	}
	ts := msg.Timestamp
	observed := atomic.LoadInt64(&p.observedStreamTime)
	for ts > observed {
		if atomic.CompareAndSwapInt64(&p.observedStreamTime, observed, ts) {
			observed = ts
			break
		}
		observed = atomic.LoadInt64(&p.observedStreamTime)
	}
	expireBefore := observed - p.retentionMs
	matchedWindows, starts, err := p.windows.WindowsFor(ts)
	if err != nil {
		return nil, fmt.Errorf("windows for err %v", err)
	}
	debug.Assert(len(matchedWindows) == len(starts), "every window start should carry a window")
	newMsgs := make([]commtypes.Message, 0, len(starts))
	for _, windowStart := range starts {
		window := matchedWindows[windowStart]
		if windowStart <= expireBefore {
			p.droppedLate.Tick(1)
			log.Warn().Interface("key", msg.Key).
				Int64("timestamp", msg.Timestamp).
				Int64("winStart", windowStart).
				Msg("Dropping record past window retention.")
			continue
		}
		var oldAgg interface{}
		var newTs int64
		val, exists, err := p.store.Get(ctx, key, windowStart)
		if err != nil {
			return nil, fmt.Errorf("win agg get err %v", err)
		}
		if exists {
			oldAgg = val.Value
			if msg.Timestamp > val.Timestamp {
				newTs = msg.Timestamp
			} else {
				newTs = val.Timestamp
			}
		} else {
			oldAgg = p.initializer.Apply()
			newTs = msg.Timestamp
		}
		newAgg, err := p.aggregator.Apply(msg.Key, msg.Value, oldAgg)
		if err != nil {
			return nil, fmt.Errorf("win agg apply err %v", err)
		}
		err = p.store.Put(ctx, key,
			optional.Some(commtypes.CreateValueTimestamp(newAgg, newTs, msg.Offset)), windowStart)
		if err != nil {
			return nil, fmt.Errorf("win agg put err %v", err)
		}
		var prev interface{}
		if exists {
			prev = oldAgg
		}
		newMsgs = append(newMsgs, commtypes.Message{
			Key:       commtypes.WindowedKey{Key: msg.Key, Window: window},
			Value:     commtypes.Change{NewVal: newAgg, OldVal: prev},
			Timestamp: newTs,
			Offset:    msg.Offset,
			Partition: msg.Partition,
		})
	}
	return newMsgs, nil
}
