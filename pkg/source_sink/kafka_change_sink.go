package source_sink

import (
	"tumblestream/pkg/commtypes"
	"tumblestream/pkg/emitter"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/rs/zerolog/log"
)

// KafkaChangeSink forwards one derived output's change records to a
// topic. Records are JSON objects; a null "new" field is a retraction.
type KafkaChangeSink struct {
	producer *kafka.Producer
	em       *emitter.ChangeEmitter
	serde    commtypes.JSONSerdeG[map[string]interface{}]
	topic    string
	subID    emitter.SubscriptionID
	attached bool
}

func NewKafkaChangeSink(broker string, topic string, flushMs int) (*KafkaChangeSink, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":       broker,
		"go.produce.channel.size": 100000,
		"go.events.channel.size":  100000,
		"acks":                    "all",
		"linger.ms":               flushMs,
	})
	if err != nil {
		return nil, err
	}
	return &KafkaChangeSink{
		producer: producer,
		topic:    topic,
	}, nil
}

func (s *KafkaChangeSink) Attach(em *emitter.ChangeEmitter, output string) {
	s.em = em
	s.subID = em.Subscribe(output, s.deliver)
	s.attached = true
}

func (s *KafkaChangeSink) deliver(rec commtypes.ChangeRecord) {
	row := map[string]interface{}{
		"key": rec.Key,
		"new": rec.NewVal,
		"old": rec.OldVal,
		"ts":  rec.Timestamp,
	}
	if rec.Window != nil {
		row["window_start"] = rec.Window.Start()
		row["window_end"] = rec.Window.End()
		row["late"] = rec.IsLate
	}
	enc, err := s.serde.Encode(row)
	if err != nil {
		log.Error().Err(err).Str("key", rec.Key).Msg("unable to encode change record")
		return
	}
	err = s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.topic, Partition: kafka.PartitionAny},
		Key:            []byte(rec.Key),
		Value:          enc,
	}, nil)
	if err != nil {
		log.Error().Err(err).Str("key", rec.Key).Msg("unable to produce change record")
	}
}

func (s *KafkaChangeSink) Close() {
	if s.attached {
		s.em.Unsubscribe(s.subID)
	}
	remaining := s.producer.Flush(30 * 1000)
	for remaining != 0 {
		remaining = s.producer.Flush(30 * 1000)
	}
	s.producer.Close()
}
