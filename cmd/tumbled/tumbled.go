package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tumblestream/pkg/commtypes"
	"tumblestream/pkg/emitter"
	"tumblestream/pkg/engine"
	"tumblestream/pkg/ingest"
	"tumblestream/pkg/processor"
	"tumblestream/pkg/registry"
	"tumblestream/pkg/snapshot"
	"tumblestream/pkg/source_sink"
	"tumblestream/pkg/store"

	"github.com/go-redis/redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	FLAGS_broker      string
	FLAGS_topicName   string
	FLAGS_alertTopic  string
	FLAGS_workers     int
	FLAGS_redisAddr   string
	FLAGS_minioAddr   string
	FLAGS_minioKey    string
	FLAGS_minioSecret string
	FLAGS_snapshotSec int
)

func init() {
	logLevel := os.Getenv("LOG_LEVEL")
	if level, err := zerolog.ParseLevel(logLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func transactionSchema() *registry.Schema {
	return registry.NewSchema([]registry.Field{
		{Name: "transaction_id", Type: registry.TypeString},
		{Name: "user_id", Type: registry.TypeString},
		{Name: "product_name", Type: registry.TypeString},
		{Name: "category", Type: registry.TypeString},
		{Name: "amount", Type: registry.TypeFloat64},
		{Name: "timestamp", Type: registry.TypeString},
		{Name: "payment_method", Type: registry.TypeString},
		{Name: "state", Type: registry.TypeString},
		{Name: "city", Type: registry.TypeString},
		{Name: "device_type", Type: registry.TypeString},
		{Name: "ip_address", Type: registry.TypeString},
		{Name: "suspicious", Type: registry.TypeBool},
	}, "timestamp")
}

func registerQueries(eng *engine.Engine) ([]string, error) {
	specs := []engine.QuerySpec{
		{
			// per-user purchase velocity; bursts of >2 purchases inside a
			// minute raise an alert
			Name:    "user_activity_1m",
			Source:  "ecommerce_transactions",
			Output:  "fraud_alerts",
			GroupBy: "user_id",
			Window:  processor.NewTimeWindowsWithGrace(time.Minute, 10*time.Second),
			Aggregations: []processor.AggSpec{
				{Kind: processor.AggCount, As: "txn_count"},
				{Kind: processor.AggSum, Field: "amount", As: "total_spend"},
				{Kind: processor.AggMax, Field: "amount", As: "max_amount"},
			},
			Having:   "txn_count > 2",
			EmitMode: engine.EmitChanges,
		},
		{
			Name:    "high_value_by_state",
			Source:  "ecommerce_transactions",
			Output:  "high_value_states",
			Filter:  "amount > 5000.0 || suspicious",
			GroupBy: "state",
			Aggregations: []processor.AggSpec{
				{Kind: processor.AggCount, As: "flagged_count"},
				{Kind: processor.AggSum, Field: "amount", As: "flagged_total"},
			},
			EmitMode: engine.EmitChanges,
		},
		{
			Name:    "category_revenue_1m",
			Source:  "ecommerce_transactions",
			Output:  "top_categories",
			GroupBy: "category",
			Window:  processor.NewTimeWindowsWithGrace(time.Minute, 10*time.Second),
			Aggregations: []processor.AggSpec{
				{Kind: processor.AggSum, Field: "amount", As: "revenue"},
				{Kind: processor.AggCount, As: "txns"},
			},
			TopN:     3,
			RankBy:   "revenue",
			EmitMode: engine.EmitTable,
		},
	}
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		if _, err := eng.Register(spec); err != nil {
			return nil, err
		}
		if err := eng.Start(spec.Name); err != nil {
			return nil, err
		}
		names = append(names, spec.Name)
	}
	return names, nil
}

func main() {
	flag.StringVar(&FLAGS_broker, "broker", "127.0.0.1", "")
	flag.StringVar(&FLAGS_topicName, "topicName", "ecommerce_transactions", "source topic")
	flag.StringVar(&FLAGS_alertTopic, "alertTopic", "", "forward fraud alerts to this topic")
	flag.IntVar(&FLAGS_workers, "workers", 4, "partition workers")
	flag.StringVar(&FLAGS_redisAddr, "redis_addr", "", "back output tables with redis")
	flag.StringVar(&FLAGS_minioAddr, "minio_addr", "", "snapshot tables to this minio endpoint")
	flag.StringVar(&FLAGS_minioKey, "minio_key", "minioadmin", "")
	flag.StringVar(&FLAGS_minioSecret, "minio_secret", "minioadmin", "")
	flag.IntVar(&FLAGS_snapshotSec, "snapshot_sec", 60, "snapshot interval")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := registry.NewRegistry()
	em := emitter.NewChangeEmitter(emitter.DefaultSubscriberBufCap)
	eng := engine.NewEngine(reg, em)
	if FLAGS_redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: FLAGS_redisAddr})
		eng.WithTableFactory(func(name string) store.CoreKeyValueStore[string, commtypes.ValueTimestamp] {
			return store.NewRedisKeyValueStore[commtypes.ValueTimestamp](
				name, rdb, commtypes.JSONSerdeG[commtypes.ValueTimestamp]{})
		})
	}

	handle, err := reg.Register("ecommerce_transactions", transactionSchema(), "transaction_id", uint8(FLAGS_workers))
	if err != nil {
		log.Fatal().Err(err).Msg("fail to register source stream")
	}
	queryNames, err := registerQueries(eng)
	if err != nil {
		log.Fatal().Err(err).Msg("fail to register queries")
	}

	em.Subscribe("fraud_alerts", func(rec commtypes.ChangeRecord) {
		log.Warn().Str("user", rec.Key).Interface("agg", rec.NewVal).
			Bool("late", rec.IsLate).Msg("FRAUD ALERT")
	})
	var sink *source_sink.KafkaChangeSink
	if FLAGS_alertTopic != "" {
		sink, err = source_sink.NewKafkaChangeSink(FLAGS_broker, FLAGS_alertTopic, 100)
		if err != nil {
			log.Fatal().Err(err).Msg("fail to create alert sink")
		}
		sink.Attach(em, "fraud_alerts")
		defer sink.Close()
	}

	ingestor := ingest.NewIngestor(handle, ingest.RequireTimestampField)
	source, err := source_sink.NewKafkaSource(source_sink.KafkaSourceConfig{
		Broker:  FLAGS_broker,
		Topic:   FLAGS_topicName,
		GroupID: "tumbled",
		Stream:  "ecommerce_transactions",
	}, ingestor, eng)
	if err != nil {
		log.Fatal().Err(err).Msg("fail to create source")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx, FLAGS_workers) })
	g.Go(func() error { return source.Run(ctx) })
	if FLAGS_minioAddr != "" {
		snapStore, err := snapshot.NewStore(ctx, snapshot.Config{
			Endpoint:  FLAGS_minioAddr,
			AccessKey: FLAGS_minioKey,
			SecretKey: FLAGS_minioSecret,
			Bucket:    "tumblestream-snapshots",
			Format:    commtypes.MSGP,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("fail to create snapshot store")
		}
		g.Go(func() error {
			ticker := time.NewTicker(time.Duration(FLAGS_snapshotSec) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					q, err := eng.Lookup("category_revenue_1m")
					if err != nil {
						return err
					}
					entries, err := snapshot.CollectTable(ctx, q.Table())
					if err != nil {
						log.Error().Err(err).Msg("snapshot collect failed")
						continue
					}
					outHandle, err := reg.Lookup(q.Spec().Output)
					if err != nil {
						return err
					}
					err = snapStore.SaveTable(ctx, q.Spec().Output, outHandle.NameHash(), entries)
					if err != nil {
						log.Error().Err(err).Msg("snapshot save failed")
					}
				}
			}
		})
	}

	<-ctx.Done()
	eng.Close()
	em.Close()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("shutdown with error")
	}
	for _, name := range queryNames {
		if q, err := eng.Lookup(name); err == nil {
			q.Report()
		}
	}
	log.Info().Uint64("decode_errors", ingestor.DecodeErrors()).
		Uint64("dup_drops", ingestor.DupDrops()).
		Uint64("subscriber_overflow", em.SubscriberOverflow()).
		Msg("engine stopped")
}
