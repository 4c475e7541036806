package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	topicPollInterval = 200 * time.Millisecond
	topicPollAttempts = 5
)

// TopicCreator makes sure the Kafka relay's topic exists before the writer
// starts producing to it.
type TopicCreator struct {
	logger *zap.Logger
	dialer KafkaDialer
	clock  Clock
}

func NewTopicCreator(logger *zap.Logger, dialer KafkaDialer, clock Clock) *TopicCreator {
	return &TopicCreator{
		logger: logger,
		dialer: dialer,
		clock:  clock,
	}
}

// Create asks the controller for the topic and waits until it has partitions.
// An existing topic is not an error.
func (tc *TopicCreator) Create(ctx context.Context, brokers []string, topic string, partitions int) error {
	conn, err := tc.dialAny(ctx, brokers)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := tc.requestTopic(ctx, conn, kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}); err != nil {
		return err
	}
	return tc.awaitPartitions(ctx, conn, topic)
}

func (tc *TopicCreator) dialAny(ctx context.Context, brokers []string) (KafkaConn, error) {
	if len(brokers) == 0 {
		return nil, errors.New("relay: no kafka brokers configured")
	}

	var errs []error
	for _, addr := range brokers {
		conn, err := tc.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		tc.logger.Warn("Kafka broker unreachable", zap.String("broker", addr), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
	}
	return nil, fmt.Errorf("dial kafka: %w", errors.Join(errs...))
}

// requestTopic sends CreateTopics to the controller. kafka-go reports an
// existing topic as an error, so a refusal is only logged.
func (tc *TopicCreator) requestTopic(ctx context.Context, conn KafkaConn, topic kafka.TopicConfig) error {
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find kafka controller: %w", err)
	}

	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	cc, err := tc.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial kafka controller %s: %w", addr, err)
	}
	defer cc.Close()

	if err := cc.CreateTopics(topic); err != nil {
		tc.logger.Info("Topic not created", zap.String("topic", topic.Topic), zap.Error(err))
		return nil
	}
	tc.logger.Info("Topic created", zap.String("topic", topic.Topic), zap.Int("partitions", topic.NumPartitions))
	return nil
}

func (tc *TopicCreator) awaitPartitions(ctx context.Context, conn KafkaConn, topic string) error {
	for attempt := 1; attempt <= topicPollAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tc.clock.After(topicPollInterval):
		}

		parts, err := conn.ReadPartitions(topic)
		if err == nil && len(parts) > 0 {
			tc.logger.Info("Topic ready", zap.String("topic", topic), zap.Int("partitions", len(parts)))
			return nil
		}
		tc.logger.Debug("Topic not ready", zap.String("topic", topic), zap.Int("attempt", attempt), zap.Error(err))
	}
	return fmt.Errorf("topic %s has no partitions after %d checks", topic, topicPollAttempts)
}
