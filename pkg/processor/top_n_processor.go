package processor

import (
	"context"
	"fmt"
	"reflect"

	"tumblestream/pkg/commtypes"
	"tumblestream/pkg/debug"
	"tumblestream/pkg/store"

	"github.com/zhangyunhao116/skipset"
)

type rankEntry struct {
	key  string
	rank float64
}

// TableTopNProcessor materializes the N highest-ranked keys of an
// upstream changelog into a table. The full ranking lives in a skip
// set ordered by (rank desc, key asc); the output table only ever
// holds the current top N, so a key overtaken out of the top N is
// retracted with a tombstone change. Materialized rows are the full
// upstream aggregate rows, not just the ranking column.
type TableTopNProcessor struct {
	ranking   *skipset.FuncSet[rankEntry]
	current   map[string]float64
	rows      map[string]interface{}
	table     store.CoreKeyValueStore[string, commtypes.ValueTimestamp]
	name      string
	rankField string
	n         int
}

var _ = Processor(&TableTopNProcessor{})

func NewTableTopNProcessor(name string, n int, rankField string,
	table store.CoreKeyValueStore[string, commtypes.ValueTimestamp],
) *TableTopNProcessor {
	debug.Assert(n > 0, "top-n should keep at least one key")
	return &TableTopNProcessor{
		name:      name,
		n:         n,
		rankField: rankField,
		table:     table,
		current:   make(map[string]float64),
		rows:      make(map[string]interface{}),
		ranking: skipset.NewFunc(func(a, b rankEntry) bool {
			if a.rank != b.rank {
				return a.rank > b.rank
			}
			return a.key < b.key
		}),
	}
}

func (p *TableTopNProcessor) Name() string {
	return p.name
}

func (p *TableTopNProcessor) ProcessAndReturn(ctx context.Context, msg commtypes.Message) ([]commtypes.Message, error) {
	key, ok := msg.Key.(string)
	if !ok {
		if wk, isWin := msg.Key.(commtypes.WindowedKey); isWin {
			key = fmt.Sprintf("%v", wk.Key)
		} else {
			return nil, fmt.Errorf("top-n expects string keys, got %T", msg.Key)
		}
	}
	change, ok := msg.Value.(commtypes.Change)
	if !ok {
		return nil, fmt.Errorf("top-n expects a change, got %T", msg.Value)
	}

	if old, had := p.current[key]; had {
		p.ranking.Remove(rankEntry{key: key, rank: old})
		delete(p.current, key)
		delete(p.rows, key)
	}
	if change.NewVal != nil {
		rank, err := numericFieldValue(change.NewVal, p.rankField)
		if err != nil {
			return nil, err
		}
		p.current[key] = rank
		p.rows[key] = change.NewVal
		p.ranking.Add(rankEntry{key: key, rank: rank})
	}

	newTop := make(map[string]float64, p.n)
	p.ranking.Range(func(e rankEntry) bool {
		newTop[e.key] = e.rank
		return len(newTop) < p.n
	})

	// diff against the previously materialized top N
	prevTop := make(map[string]commtypes.ValueTimestamp)
	err := p.table.Range(ctx, "", false, "", false, func(k string, vt commtypes.ValueTimestamp) error {
		prevTop[k] = vt
		return nil
	})
	if err != nil {
		return nil, err
	}

	var newMsgs []commtypes.Message
	for k, prev := range prevTop {
		if _, stillTop := newTop[k]; !stillTop {
			if err := p.table.Delete(ctx, k); err != nil {
				return nil, err
			}
			newMsgs = append(newMsgs, commtypes.Message{
				Key:       k,
				Value:     commtypes.Change{NewVal: nil, OldVal: prev.Value},
				Timestamp: msg.Timestamp,
				Offset:    msg.Offset,
				Partition: msg.Partition,
			})
		}
	}
	for k := range newTop {
		row := p.rows[k]
		prev, had := prevTop[k]
		if had && reflect.DeepEqual(prev.Value, row) {
			continue
		}
		vt := commtypes.CreateValueTimestamp(row, msg.Timestamp, msg.Offset)
		if err := p.table.Put(ctx, k, vt); err != nil {
			return nil, err
		}
		var oldVal interface{}
		if had {
			oldVal = prev.Value
		}
		newMsgs = append(newMsgs, commtypes.Message{
			Key:       k,
			Value:     commtypes.Change{NewVal: row, OldVal: oldVal},
			Timestamp: msg.Timestamp,
			Offset:    msg.Offset,
			Partition: msg.Partition,
		})
	}
	return newMsgs, nil
}
