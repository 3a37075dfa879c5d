package ingest

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"tumblestream/pkg/common_errors"
	"tumblestream/pkg/registry"
)

func testHandle(t *testing.T) *registry.StreamHandle {
	r := registry.NewRegistry()
	schema := registry.NewSchema([]registry.Field{
		{Name: "user_id", Type: registry.TypeString},
		{Name: "amount", Type: registry.TypeFloat64},
	}, "timestamp")
	h, err := r.Register("purchases", schema, "user_id", 4)
	if err != nil {
		t.Fatal(err.Error())
	}
	return h
}

func TestIngestOK(t *testing.T) {
	ig := NewIngestor(testHandle(t), RequireTimestampField)
	raw := []byte(`{"user_id":"USER1","amount":50.0,"timestamp":1704186005000}`)
	msg, ok, err := ig.Ingest(raw, 0, 0)
	if err != nil {
		t.Fatal(err.Error())
	}
	if !ok {
		t.Fatal("expected the event to be accepted")
	}
	if msg.Key.(string) != "USER1" {
		t.Fatalf("expected key USER1, got %v", msg.Key)
	}
	if msg.Timestamp != 1704186005000 {
		t.Fatalf("expected event time from payload, got %d", msg.Timestamp)
	}
}

func TestIngestISOTimestamp(t *testing.T) {
	ig := NewIngestor(testHandle(t), RequireTimestampField)
	ts := time.Date(2024, 1, 2, 9, 0, 5, 0, time.UTC)
	raw := []byte(fmt.Sprintf(`{"user_id":"USER1","amount":50.0,"timestamp":"%s"}`,
		ts.Format(time.RFC3339)))
	msg, ok, err := ig.Ingest(raw, 0, 0)
	if err != nil {
		t.Fatal(err.Error())
	}
	if !ok {
		t.Fatal("expected the event to be accepted")
	}
	if msg.Timestamp != ts.UnixMilli() {
		t.Fatalf("expected %d, got %d", ts.UnixMilli(), msg.Timestamp)
	}
}

func TestIngestMalformedCounted(t *testing.T) {
	ig := NewIngestor(testHandle(t), RequireTimestampField)
	_, ok, err := ig.Ingest([]byte(`{not json`), 0, 0)
	if ok {
		t.Fatal("malformed event must not be accepted")
	}
	if !errors.Is(err, common_errors.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if ig.DecodeErrors() != 1 {
		t.Fatalf("expected 1 decode error, got %d", ig.DecodeErrors())
	}
	// a malformed event fails alone; the next offset still works
	_, ok, err = ig.Ingest([]byte(`{"user_id":"USER1","amount":1.0,"timestamp":1704186005000}`), 0, 1)
	if err != nil || !ok {
		t.Fatalf("next event should be accepted, ok=%v err=%v", ok, err)
	}
}

func TestIngestMissingTimestamp(t *testing.T) {
	ig := NewIngestor(testHandle(t), RequireTimestampField)
	_, _, err := ig.Ingest([]byte(`{"user_id":"USER1","amount":1.0}`), 0, 0)
	if !errors.Is(err, common_errors.ErrMissingTimestamp) {
		t.Fatalf("expected ErrMissingTimestamp, got %v", err)
	}
	igLoose := NewIngestor(testHandle(t), IngestTime)
	before := time.Now().UnixMilli()
	msg, ok, err := igLoose.Ingest([]byte(`{"user_id":"USER1","amount":1.0}`), 0, 0)
	if err != nil || !ok {
		t.Fatalf("ingest-time policy should accept, ok=%v err=%v", ok, err)
	}
	if msg.Timestamp < before {
		t.Fatalf("expected wall clock timestamp, got %d", msg.Timestamp)
	}
}

func TestIngestDuplicateOffsetNoOp(t *testing.T) {
	ig := NewIngestor(testHandle(t), RequireTimestampField)
	raw := []byte(`{"user_id":"USER1","amount":50.0,"timestamp":1704186005000}`)
	if _, ok, err := ig.Ingest(raw, 0, 5); err != nil || !ok {
		t.Fatalf("first delivery should be accepted, ok=%v err=%v", ok, err)
	}
	_, ok, err := ig.Ingest(raw, 0, 5)
	if err != nil {
		t.Fatal(err.Error())
	}
	if ok {
		t.Fatal("replayed offset must be a no-op")
	}
	if ig.DupDrops() != 1 {
		t.Fatalf("expected 1 dup drop, got %d", ig.DupDrops())
	}
	// same offset on another partition is a distinct event
	if _, ok, err := ig.Ingest(raw, 1, 5); err != nil || !ok {
		t.Fatalf("other partition should be accepted, ok=%v err=%v", ok, err)
	}
}
