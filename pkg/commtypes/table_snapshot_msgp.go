package commtypes

import "github.com/tinylib/msgp/msgp"

var (
	_ = msgp.Marshaler(&TableSnapshotEntry{})
	_ = msgp.Unmarshaler(&TableSnapshotEntry{})
	_ = msgp.Sizer(&TableSnapshotEntry{})
)

// MarshalMsg implements msgp.Marshaler
func (z *TableSnapshotEntry) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, z.Msgsize())
	o = msgp.AppendMapHeader(o, 4)
	o = msgp.AppendString(o, "key")
	o = msgp.AppendString(o, z.Key)
	o = msgp.AppendString(o, "vEnc")
	o = msgp.AppendBytes(o, z.ValueEnc)
	o = msgp.AppendString(o, "ts")
	o = msgp.AppendInt64(o, z.Timestamp)
	o = msgp.AppendString(o, "off")
	o = msgp.AppendUint64(o, z.Offset)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *TableSnapshotEntry) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var field []byte
	var sz uint32
	sz, bts, err = msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return nil, err
	}
	for sz > 0 {
		sz--
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return nil, err
		}
		switch string(field) {
		case "key":
			z.Key, bts, err = msgp.ReadStringBytes(bts)
		case "vEnc":
			z.ValueEnc, bts, err = msgp.ReadBytesBytes(bts, z.ValueEnc[:0])
		case "ts":
			z.Timestamp, bts, err = msgp.ReadInt64Bytes(bts)
		case "off":
			z.Offset, bts, err = msgp.ReadUint64Bytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return nil, err
		}
	}
	return bts, nil
}

// Msgsize implements msgp.Sizer
func (z *TableSnapshotEntry) Msgsize() int {
	return 1 +
		4 + msgp.StringPrefixSize + len(z.Key) +
		5 + msgp.BytesPrefixSize + len(z.ValueEnc) +
		3 + msgp.Int64Size +
		4 + msgp.Uint64Size
}
