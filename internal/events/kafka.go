// Package events publishes sale lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
)

// Topic suffixes appended to the configured prefix.
const (
	TopicKeyReady     = "key.ready"
	TopicSaleRecorded = "sale.recorded"
)

// Kafka publishes events synchronously, keyed by payment id so all events of
// one payment land on the same partition.
type Kafka struct {
	producer sarama.SyncProducer
	prefix   string
}

// NewKafkaProducer dials brokers with acks from all in-sync replicas.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	return sarama.NewSyncProducer(brokers, config)
}

// NewKafka wraps producer; topics are "<prefix>.key.ready" and
// "<prefix>.sale.recorded".
func NewKafka(producer sarama.SyncProducer, prefix string) *Kafka {
	return &Kafka{producer: producer, prefix: strings.TrimSuffix(prefix, ".")}
}

func (k *Kafka) topic(suffix string) string {
	if k.prefix == "" {
		return suffix
	}
	return k.prefix + "." + suffix
}

// PublishKeyReady sends a key.ready event.
func (k *Kafka) PublishKeyReady(ctx context.Context, ev domain.KeyReady) error {
	return k.send(ctx, k.topic(TopicKeyReady), ev.PaymentID, ev)
}

// PublishSaleRecorded sends a sale.recorded event.
func (k *Kafka) PublishSaleRecorded(ctx context.Context, ev domain.SaleRecorded) error {
	return k.send(ctx, k.topic(TopicSaleRecorded), ev.PaymentID, ev)
}

func (k *Kafka) send(ctx context.Context, topic, key string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send %s: %w", topic, err)
	}
	log.Debug().Str("component", "events").Str("topic", topic).Int32("partition", partition).Int64("offset", offset).Msg("published")
	return nil
}

// Close releases the producer.
func (k *Kafka) Close() error { return k.producer.Close() }

// Log publishes events to the application log only.
type Log struct{}

// PublishKeyReady implements the publisher contract.
func (Log) PublishKeyReady(_ context.Context, ev domain.KeyReady) error {
	log.Info().Str("component", "events").Str("payment_id", ev.PaymentID).Msg(TopicKeyReady)
	return nil
}

// PublishSaleRecorded implements the publisher contract.
func (Log) PublishSaleRecorded(_ context.Context, ev domain.SaleRecorded) error {
	log.Info().Str("component", "events").Str("payment_id", ev.PaymentID).
		Str("method", string(ev.Method)).Str("amount", ev.Amount).Msg(TopicSaleRecorded)
	return nil
}
