package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

// KafkaJob publishes import requests to a Kafka topic. The import worker
// consuming the topic does the heavy lifting.
type KafkaJob struct {
	producer sarama.SyncProducer
	topic    string
	log      *logrus.Entry

	mu     sync.RWMutex
	closed bool
}

// NewKafkaConfig returns the producer configuration used by KafkaJob.
func NewKafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	return config
}

// NewKafkaJob connects a sync producer to brokers.
func NewKafkaJob(brokers []string, topic string, log *logrus.Entry) (*KafkaJob, error) {
	if len(brokers) == 0 {
		return nil, errors.New("history: kafka: at least one broker is required")
	}
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewKafkaJobWithProducer(producer, topic, log)
}

// NewKafkaJobWithProducer wraps an existing producer.
func NewKafkaJobWithProducer(producer sarama.SyncProducer, topic string, log *logrus.Entry) (*KafkaJob, error) {
	if producer == nil {
		return nil, errors.New("history: kafka: producer is required")
	}
	if topic == "" {
		return nil, errors.New("history: kafka: topic is required")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &KafkaJob{producer: producer, topic: topic, log: log.WithField("component", "import-job")}, nil
}

// StartImport publishes req keyed by account so requests for one account
// stay ordered.
func (j *KafkaJob) StartImport(ctx context.Context, req ImportRequest) error {
	j.mu.RLock()
	closed := j.closed
	j.mu.RUnlock()
	if closed {
		return errors.New("history: kafka: job is closed")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal import request: %w", err)
	}

	key := strconv.FormatInt(req.AccountID, 10)
	msg := &sarama.ProducerMessage{
		Topic: j.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("job_id"), Value: []byte(req.JobID)},
			{Key: []byte("tenant_id"), Value: []byte(strconv.FormatInt(req.TenantID, 10))},
		},
		Timestamp: req.RequestedAt,
	}

	operation := func() error {
		_, _, err := j.producer.SendMessage(msg)
		return err
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		j.log.Warnf("[%d] Retrying import publish: %v (next attempt in %s)", req.AccountID, err, d)
	})
}

// Close closes the producer.
func (j *KafkaJob) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.producer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}
