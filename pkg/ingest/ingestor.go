package ingest

import (
	"fmt"
	"time"

	"tumblestream/pkg/commtypes"
	"tumblestream/pkg/common_errors"
	"tumblestream/pkg/registry"
	"tumblestream/pkg/stats"

	"github.com/Jeffail/gabs/v2"
	"github.com/rs/zerolog/log"
)

type TimestampPolicy uint8

const (
	// RequireTimestampField fails events missing the declared field.
	RequireTimestampField TimestampPolicy = iota
	// IngestTime falls back to wall clock when the field is absent.
	IngestTime
)

// Ingestor decodes raw transport records into typed events for one
// stream: JSON decode, schema validation, event-time assignment and
// per-partition replay dedup.
type Ingestor struct {
	handle       *registry.StreamHandle
	tsPolicy     TimestampPolicy
	highWater    map[uint8]uint64 // partition -> next expected offset
	decodeErrors stats.AtomicCounter
	dupDrops     stats.AtomicCounter
}

func NewIngestor(handle *registry.StreamHandle, tsPolicy TimestampPolicy) *Ingestor {
	name := handle.Name()
	return &Ingestor{
		handle:       handle,
		tsPolicy:     tsPolicy,
		highWater:    make(map[uint8]uint64),
		decodeErrors: stats.NewAtomicCounter(name + "_decode_errors"),
		dupDrops:     stats.NewAtomicCounter(name + "_dup_drops"),
	}
}

// Ingest turns one raw record into a message. The second return value
// is false when the record is a replay of an already-seen offset; that
// is a no-op, not an error. Decode and validation failures are counted
// and returned; they fail only this event.
func (ig *Ingestor) Ingest(raw []byte, partition uint8, offset uint64) (commtypes.Message, bool, error) {
	if next, ok := ig.highWater[partition]; ok && offset < next {
		ig.dupDrops.Tick(1)
		log.Debug().Str("stream", ig.handle.Name()).
			Uint8("partition", partition).Uint64("offset", offset).
			Msg("skipping already-ingested offset")
		return commtypes.EmptyMessage, false, nil
	}

	payload, err := gabs.ParseJSON(raw)
	if err != nil {
		ig.decodeErrors.Tick(1)
		return commtypes.EmptyMessage, false,
			fmt.Errorf("%w: %v", common_errors.ErrDecode, err)
	}
	if err := ig.handle.Schema().Validate(payload); err != nil {
		ig.decodeErrors.Tick(1)
		return commtypes.EmptyMessage, false, err
	}
	ts, err := ig.extractTimestamp(payload)
	if err != nil {
		ig.decodeErrors.Tick(1)
		return commtypes.EmptyMessage, false, err
	}
	key, err := ig.handle.ExtractKey(payload)
	if err != nil {
		ig.decodeErrors.Tick(1)
		return commtypes.EmptyMessage, false, err
	}

	ig.highWater[partition] = offset + 1
	return commtypes.Message{
		Key:       key,
		Value:     payload,
		Timestamp: ts,
		Offset:    offset,
		Partition: ig.handle.PartitionFor(key),
	}, true, nil
}

func (ig *Ingestor) extractTimestamp(payload *gabs.Container) (int64, error) {
	tsField := ig.handle.Schema().TimestampField
	if tsField != "" {
		if c := payload.Path(tsField); c != nil {
			switch v := c.Data().(type) {
			case float64:
				return int64(v), nil
			case string:
				t, err := time.Parse(time.RFC3339, v)
				if err != nil {
					// feeds often emit naive ISO timestamps without a zone
					t, err = time.Parse("2006-01-02T15:04:05.999999", v)
				}
				if err != nil {
					return 0, fmt.Errorf("%w: bad timestamp %q: %v", common_errors.ErrDecode, v, err)
				}
				return t.UnixMilli(), nil
			}
		}
	}
	if ig.tsPolicy == IngestTime {
		return time.Now().UnixMilli(), nil
	}
	return 0, fmt.Errorf("%w: field %q", common_errors.ErrMissingTimestamp, tsField)
}

// DecodeErrors counts events discarded as malformed.
func (ig *Ingestor) DecodeErrors() uint64 {
	return ig.decodeErrors.GetCount()
}

// DupDrops counts replayed offsets skipped on re-ingestion.
func (ig *Ingestor) DupDrops() uint64 {
	return ig.dupDrops.GetCount()
}
