package relay

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaRelay writes one message per committed batch.
type KafkaRelay struct {
	*worker
	writer KafkaWriter
	clock  Clock
}

func NewKafkaRelay(writer KafkaWriter, clock Clock, logger *zap.Logger) *KafkaRelay {
	k := &KafkaRelay{writer: writer, clock: clock}
	k.worker = newWorker("kafka", defaultQueueSize, k.publish, logger)
	return k
}

func (k *KafkaRelay) publish(ctx context.Context, payload []byte) error {
	msg := kafka.Message{
		Value: payload,
		Time:  k.clock.Now(),
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}
