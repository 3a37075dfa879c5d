package commtypes

import "fmt"

// ValueTimestamp pairs a value with the event time (and transport offset)
// of the latest event that contributed to it. Table updates are
// last-write-wins by Timestamp with ties broken by Offset.
type ValueTimestamp struct {
	Value     interface{}
	Timestamp int64
	Offset    uint64
}

func CreateValueTimestamp(value interface{}, ts int64, offset uint64) ValueTimestamp {
	return ValueTimestamp{
		Value:     value,
		Timestamp: ts,
		Offset:    offset,
	}
}

func (vt ValueTimestamp) String() string {
	return fmt.Sprintf("ValTs: {Val: %v, Ts: %d, Off: %d}", vt.Value, vt.Timestamp, vt.Offset)
}

// Newer reports whether an update stamped (ts, offset) supersedes vt.
func (vt ValueTimestamp) Newer(ts int64, offset uint64) bool {
	if ts != vt.Timestamp {
		return ts > vt.Timestamp
	}
	return offset >= vt.Offset
}
