package snapshot

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"tumblestream/pkg/commtypes"
	"tumblestream/pkg/store"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// Store persists materialized table snapshots to object storage so a
// restarted engine can warm its tables instead of replaying the full
// source. One object per table, overwritten on each save; entries are
// length-prefixed records in the configured serde format.
type Store struct {
	client *minio.Client
	serde  commtypes.SerdeG[commtypes.TableSnapshotEntry]
	bucket string
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Format    commtypes.SerdeFormat
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %v", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket check: %v", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket: %v", err)
		}
	}
	serde, err := commtypes.GetTableSnapshotEntrySerdeG(cfg.Format)
	if err != nil {
		return nil, err
	}
	return &Store{
		client: client,
		serde:  serde,
		bucket: cfg.Bucket,
	}, nil
}

func objectName(tableName string, nameHash uint64) string {
	return fmt.Sprintf("tables/%016x/%s.snap", nameHash, tableName)
}

func (s *Store) SaveTable(ctx context.Context, tableName string, nameHash uint64,
	entries []commtypes.TableSnapshotEntry,
) error {
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, entry := range entries {
		enc, err := s.serde.Encode(entry)
		if err != nil {
			return fmt.Errorf("encode snapshot entry: %v", err)
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(enc)))
		buf.Write(lenBuf[:])
		buf.Write(enc)
	}
	obj := objectName(tableName, nameHash)
	_, err := s.client.PutObject(ctx, s.bucket, obj,
		bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %v", obj, err)
	}
	log.Info().Str("table", tableName).Int("entries", len(entries)).
		Int("bytes", buf.Len()).Msg("saved table snapshot")
	return nil
}

func (s *Store) LoadTable(ctx context.Context, tableName string, nameHash uint64,
) ([]commtypes.TableSnapshotEntry, error) {
	obj := objectName(tableName, nameHash)
	reader, err := s.client.GetObject(ctx, s.bucket, obj, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %v", obj, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %v", obj, err)
	}
	var entries []commtypes.TableSnapshotEntry
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("snapshot %s: truncated length prefix", obj)
		}
		l := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < l {
			return nil, fmt.Errorf("snapshot %s: truncated entry", obj)
		}
		entry, err := s.serde.Decode(data[:l])
		if err != nil {
			return nil, fmt.Errorf("decode snapshot entry: %v", err)
		}
		entries = append(entries, entry)
		data = data[l:]
	}
	return entries, nil
}

// CollectTable drains a materialized table into snapshot entries, one
// per row, values JSON-encoded.
func CollectTable(ctx context.Context,
	table store.CoreKeyValueStore[string, commtypes.ValueTimestamp],
) ([]commtypes.TableSnapshotEntry, error) {
	valSerde := commtypes.JSONSerdeG[interface{}]{}
	var entries []commtypes.TableSnapshotEntry
	err := table.Range(ctx, "", false, "", false,
		func(k string, vt commtypes.ValueTimestamp) error {
			enc, err := valSerde.Encode(vt.Value)
			if err != nil {
				return err
			}
			entries = append(entries, commtypes.TableSnapshotEntry{
				Key:       k,
				ValueEnc:  enc,
				Timestamp: vt.Timestamp,
				Offset:    vt.Offset,
			})
			return nil
		})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// RestoreTable replays snapshot entries into a table.
func RestoreTable(ctx context.Context,
	table store.CoreKeyValueStore[string, commtypes.ValueTimestamp],
	entries []commtypes.TableSnapshotEntry,
) error {
	valSerde := commtypes.JSONSerdeG[interface{}]{}
	for _, entry := range entries {
		val, err := valSerde.Decode(entry.ValueEnc)
		if err != nil {
			return fmt.Errorf("decode row %q: %v", entry.Key, err)
		}
		err = table.Put(ctx, entry.Key,
			commtypes.CreateValueTimestamp(val, entry.Timestamp, entry.Offset))
		if err != nil {
			return err
		}
	}
	return nil
}
