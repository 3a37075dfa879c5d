package commtypes

import "fmt"

// Message is one record flowing through a query pipeline. Key and Value
// are immutable once the message enters the engine; Offset is the
// per-partition sequence number assigned by the transport and is used
// for idempotent replay.
type Message struct {
	Key       interface{}
	Value     interface{}
	Timestamp int64
	Offset    uint64
	Partition uint8
}

var _ = fmt.Stringer(Message{})

func (m Message) String() string {
	return fmt.Sprintf("Msg: {Key: %v, Value: %v, Ts: %d, Off: %d}", m.Key, m.Value, m.Timestamp, m.Offset)
}

var _ = EventTimeExtractor(Message{})

func (m Message) ExtractEventTime() (int64, error) {
	return m.Timestamp, nil
}

func (m *Message) UpdateEventTime(ts int64) {
	m.Timestamp = ts
}

var EmptyMessage = Message{}
