package source_sink

import (
	"context"
	"errors"

	"tumblestream/pkg/common_errors"
	"tumblestream/pkg/engine"
	"tumblestream/pkg/ingest"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/rs/zerolog/log"
)

type KafkaSourceConfig struct {
	Broker  string
	Topic   string
	GroupID string
	Stream  string // registered stream the topic feeds
	PollMs  int
}

// KafkaSource pumps one topic into the engine: poll, ingest, submit.
// Per-event ingest failures are logged and skipped; the consumer keeps
// going.
type KafkaSource struct {
	consumer *kafka.Consumer
	ingestor *ingest.Ingestor
	eng      *engine.Engine
	stream   string
	pollMs   int
}

func NewKafkaSource(cfg KafkaSourceConfig, ingestor *ingest.Ingestor, eng *engine.Engine) (*KafkaSource, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Broker,
		"group.id":          cfg.GroupID,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, err
	}
	if err := consumer.SubscribeTopics([]string{cfg.Topic}, nil); err != nil {
		consumer.Close()
		return nil, err
	}
	pollMs := cfg.PollMs
	if pollMs <= 0 {
		pollMs = 100
	}
	return &KafkaSource{
		consumer: consumer,
		ingestor: ingestor,
		eng:      eng,
		stream:   cfg.Stream,
		pollMs:   pollMs,
	}, nil
}

func (s *KafkaSource) Run(ctx context.Context) error {
	defer s.consumer.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		ev := s.consumer.Poll(s.pollMs)
		if ev == nil {
			continue
		}
		switch e := ev.(type) {
		case *kafka.Message:
			msg, ok, err := s.ingestor.Ingest(e.Value,
				uint8(e.TopicPartition.Partition), uint64(e.TopicPartition.Offset))
			if err != nil {
				log.Warn().Err(err).Str("stream", s.stream).
					Int64("offset", int64(e.TopicPartition.Offset)).
					Msg("discarding event")
				continue
			}
			if !ok {
				continue
			}
			if err := s.eng.Submit(s.stream, msg); err != nil {
				if errors.Is(err, common_errors.ErrEngineClosed) {
					return nil
				}
				return err
			}
		case kafka.Error:
			log.Error().Str("stream", s.stream).Msgf("consumer error: %v", e)
		}
	}
}
