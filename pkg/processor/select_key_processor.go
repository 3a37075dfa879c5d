package processor

import (
	"context"

	"tumblestream/pkg/commtypes"
)

// StreamSelectKeyProcessor re-keys messages by the grouping expression.
// All downstream state is partitioned by the selected key, so equal
// keys always land on the same partition worker.
type StreamSelectKeyProcessor struct {
	selector KeySelector
	name     string
}

var _ = Processor(&StreamSelectKeyProcessor{})

func NewStreamSelectKeyProcessor(name string, selector KeySelector) *StreamSelectKeyProcessor {
	return &StreamSelectKeyProcessor{
		selector: selector,
		name:     name,
	}
}

func (p *StreamSelectKeyProcessor) Name() string {
	return p.name
}

func (p *StreamSelectKeyProcessor) ProcessAndReturn(ctx context.Context, msg commtypes.Message) ([]commtypes.Message, error) {
	key, err := p.selector.SelectKey(&msg)
	if err != nil {
		return nil, err
	}
	return []commtypes.Message{{
		Key:       key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
		Offset:    msg.Offset,
		Partition: msg.Partition,
	}}, nil
}
