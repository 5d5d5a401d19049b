package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards bus events to a Kafka topic for downstream consumers.
// It is just another subscriber: a slow broker only costs this sink events.
type KafkaSink struct {
	w   messageWriter
	log *zap.SugaredLogger
}

// NewKafkaSink writes to topic on brokers, hashing message keys so events of
// one trader land on one partition.
func NewKafkaSink(brokers []string, topic string, log *zap.SugaredLogger) *KafkaSink {
	return &KafkaSink{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		log: log,
	}
}

// Message encodes ev as a Kafka message.
func Message(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s event: %w", ev.Kind(), err)
	}
	return kafka.Message{
		Key:   []byte(ev.Key()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Kind())},
		},
	}, nil
}

// Follow drains sub into Kafka until ctx is done or the subscription closes.
func (k *KafkaSink) Follow(ctx context.Context, sub *Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			msg, err := Message(ev)
			if err != nil {
				k.log.Warnw("kafka_encode_failed", "seq", ev.Seq(), "err", err)
				continue
			}
			if err := k.w.WriteMessages(ctx, msg); err != nil {
				k.log.Warnw("kafka_write_failed", "seq", ev.Seq(), "err", err)
			}
		}
	}
}

// Close flushes and closes the underlying writer.
func (k *KafkaSink) Close() error {
	return k.w.Close()
}
