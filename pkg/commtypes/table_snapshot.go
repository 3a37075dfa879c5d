package commtypes

// TableSnapshotEntry is one materialized row in a persisted table
// snapshot. The value is pre-encoded so a snapshot can be restored
// without knowing the aggregate's concrete type up front.
type TableSnapshotEntry struct {
	Key       string `json:"key" msg:"key"`
	ValueEnc  []byte `json:"vEnc" msg:"vEnc"`
	Timestamp int64  `json:"ts" msg:"ts"`
	Offset    uint64 `json:"off" msg:"off"`
}

type TableSnapshotEntryJSONSerde struct {
	JSONSerdeG[TableSnapshotEntry]
}

type TableSnapshotEntryMsgpSerde struct{}

var (
	_ = SerdeG[TableSnapshotEntry](TableSnapshotEntryJSONSerde{})
	_ = SerdeG[TableSnapshotEntry](TableSnapshotEntryMsgpSerde{})
)

func (s TableSnapshotEntryMsgpSerde) Encode(value TableSnapshotEntry) ([]byte, error) {
	return value.MarshalMsg(nil)
}

func (s TableSnapshotEntryMsgpSerde) Decode(data []byte) (TableSnapshotEntry, error) {
	e := TableSnapshotEntry{}
	if _, err := e.UnmarshalMsg(data); err != nil {
		return TableSnapshotEntry{}, err
	}
	return e, nil
}

func GetTableSnapshotEntrySerdeG(format SerdeFormat) (SerdeG[TableSnapshotEntry], error) {
	switch format {
	case JSON:
		return TableSnapshotEntryJSONSerde{}, nil
	case MSGP:
		return TableSnapshotEntryMsgpSerde{}, nil
	default:
		return nil, ErrUnrecognizedSerdeFormat
	}
}
