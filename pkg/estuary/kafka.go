package estuary

import (
	"context"
	"fmt"

	"github.com/Shopify/sarama"
	"github.com/pquerna/ffjson/ffjson"

	"github.com/cohenjo/cdcsync/pkg/events"
	"github.com/cohenjo/cdcsync/pkg/models"
)

/*
Simple SyncProducer for kafka

Taken from: https://github.com/Shopify/sarama/blob/master/examples/http_server/http_server.go
*/

// KafkaLoader publishes write records keyed by document id, so every
// version of a row lands on the same partition in order.
type KafkaLoader struct {
	producer    sarama.SyncProducer
	topicPrefix string
}

func NewKafkaLoader(brokers []string, topicPrefix string) (*KafkaLoader, error) {
	// For the data collector, we are looking for strong consistency semantics.
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll // Wait for all in-sync replicas to ack the message
	config.Producer.Retry.Max = 10                   // Retry up to 10 times to produce the message
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("start kafka producer: %w", err)
	}
	return NewKafkaLoaderFromProducer(producer, topicPrefix), nil
}

func NewKafkaLoaderFromProducer(producer sarama.SyncProducer, topicPrefix string) *KafkaLoader {
	return &KafkaLoader{producer: producer, topicPrefix: topicPrefix}
}

func (k *KafkaLoader) Topic(sync *models.Sync) string {
	return k.topicPrefix + Target(sync)
}

func (k *KafkaLoader) Load(ctx context.Context, sync *models.Sync, recs []*models.SyncWriteRecord) error {
	if len(recs) == 0 {
		return nil
	}
	topic := k.Topic(sync)

	msgs := make([]*sarama.ProducerMessage, 0, len(recs))
	for _, rec := range recs {
		id := DocumentID(rec)
		data, err := ffjson.Marshal(events.FromWriteRecord(rec, Target(sync), id))
		if err != nil {
			return fmt.Errorf("encode write record %d: %w", rec.ID, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(id),
			Value: sarama.ByteEncoder(data),
		})
	}

	if err := k.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("%w: kafka topic %s: %v", models.ErrLoadFailed, topic, err)
	}
	logger.Debug().Str("topic", topic).Int("messages", len(msgs)).Msg("Published write records")
	countLoaded("kafka", recs)
	return nil
}

func (k *KafkaLoader) Close() error {
	if err := k.producer.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to shut down kafka producer cleanly")
		return err
	}
	return nil
}
