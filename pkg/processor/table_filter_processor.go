package processor

import (
	"context"
	"fmt"

	"tumblestream/pkg/commtypes"
)

// TableFilterProcessor applies a post-aggregate predicate to change
// messages (the HAVING clause). A row entering the predicate emits its
// change; a row leaving it emits a tombstone so downstream state can
// retract it; a row on neither side is swallowed.
type TableFilterProcessor struct {
	pred Predicate
	name string
}

var _ = Processor(&TableFilterProcessor{})

func NewTableFilterProcessor(name string, pred Predicate) *TableFilterProcessor {
	return &TableFilterProcessor{
		pred: pred,
		name: name,
	}
}

func (p *TableFilterProcessor) Name() string {
	return p.name
}

func (p *TableFilterProcessor) assertVal(key interface{}, val interface{}) (bool, error) {
	if val == nil {
		return false, nil
	}
	return p.pred.Assert(&commtypes.Message{Key: key, Value: val})
}

func (p *TableFilterProcessor) ProcessAndReturn(ctx context.Context, msg commtypes.Message) ([]commtypes.Message, error) {
	change, ok := msg.Value.(commtypes.Change)
	if !ok {
		return nil, fmt.Errorf("table filter expects a change, got %T", msg.Value)
	}
	newOK, err := p.assertVal(msg.Key, change.NewVal)
	if err != nil {
		return nil, err
	}
	oldOK, err := p.assertVal(msg.Key, change.OldVal)
	if err != nil {
		return nil, err
	}
	if newOK {
		var prev interface{}
		if oldOK {
			prev = change.OldVal
		}
		out := msg
		out.Value = commtypes.Change{NewVal: change.NewVal, OldVal: prev}
		return []commtypes.Message{out}, nil
	}
	if oldOK {
		// retraction: the row fell out of the predicate
		out := msg
		out.Value = commtypes.Change{NewVal: nil, OldVal: change.OldVal}
		return []commtypes.Message{out}, nil
	}
	return nil, nil
}
