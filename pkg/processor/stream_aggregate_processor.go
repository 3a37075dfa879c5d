package processor

import (
	"context"
	"fmt"

	"tumblestream/pkg/commtypes"
	"tumblestream/pkg/store"
	"tumblestream/pkg/utils"

	"github.com/rs/zerolog/log"
)

// StreamAggregateProcessor folds a stream into an unwindowed table:
// one running aggregate per grouping key, kept forever until the key
// is deleted.
type StreamAggregateProcessor struct {
	store       store.CoreKeyValueStore[string, commtypes.ValueTimestamp]
	initializer Initializer
	aggregator  Aggregator
	name        string
}

var _ = Processor(&StreamAggregateProcessor{})

func NewStreamAggregateProcessor(name string,
	store store.CoreKeyValueStore[string, commtypes.ValueTimestamp],
	initializer Initializer, aggregator Aggregator,
) *StreamAggregateProcessor {
	return &StreamAggregateProcessor{
		store:       store,
		initializer: initializer,
		aggregator:  aggregator,
		name:        name,
	}
}

func (p *StreamAggregateProcessor) Name() string {
	return p.name
}

func (p *StreamAggregateProcessor) ProcessAndReturn(ctx context.Context, msg commtypes.Message) ([]commtypes.Message, error) {
	if utils.IsNil(msg.Key) || utils.IsNil(msg.Value) {
		log.Warn().Msgf("skipping record due to null key or value. key=%v, val=%v", msg.Key, msg.Value)
		return nil, nil
	}
	key, ok := msg.Key.(string)
	if !ok {
		return nil, fmt.Errorf("aggregate expects string keys, got %T", msg.Key)
	}
	val, exists, err := p.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var oldAgg interface{}
	var newTs int64
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
		return nil, err
	}
	err = p.store.Put(ctx, key, commtypes.CreateValueTimestamp(newAgg, newTs, msg.Offset))
	if err != nil {
		return nil, err
	}
	var prev interface{}
	if exists {
		prev = oldAgg
	}
	return []commtypes.Message{{
		Key:       msg.Key,
		Value:     commtypes.Change{NewVal: newAgg, OldVal: prev},
		Timestamp: newTs,
		Offset:    msg.Offset,
		Partition: msg.Partition,
	}}, nil
}
