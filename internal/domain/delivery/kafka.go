package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ehr/transfer/internal/domain/transfer"
)

// Record headers set on every produced bundle.
const (
	HeaderBundleID = "transfer-bundle-id"
	HeaderPatient  = "transfer-patient"
)

type KafkaConfig struct {
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	ClientID string        `mapstructure:"clientId"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers is required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	return nil
}

// NewKafkaClient connects a producer client for cfg.
func NewKafkaClient(cfg KafkaConfig) (*kgo.Client, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(cfg.Timeout))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return client, nil
}

// Producer is the part of *kgo.Client the sender uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaSender produces one record per bundle, keyed by bundle id.
type KafkaSender struct {
	producer Producer
	topic    string
}

func NewKafkaSender(producer Producer, topic string) *KafkaSender {
	return &KafkaSender{producer: producer, topic: topic}
}

func (s *KafkaSender) Send(ctx context.Context, b transfer.TransportBundle) (transfer.Receipt, error) {
	fb, err := b.CollectionBundle()
	if err != nil {
		return transfer.Receipt{}, fmt.Errorf("build bundle: %w", err)
	}
	value, err := json.Marshal(fb)
	if err != nil {
		return transfer.Receipt{}, fmt.Errorf("encode bundle: %w", err)
	}

	rec := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(b.ID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderBundleID, Value: []byte(b.ID)},
			{Key: HeaderPatient, Value: []byte(b.PatientID)},
		},
	}
	produced, err := s.producer.ProduceSync(ctx, rec).First()
	if err != nil {
		return transfer.Receipt{}, kafkaError(err)
	}
	return transfer.Receipt{
		BundleID:  b.ID,
		Location:  fmt.Sprintf("%s/%d/%d", produced.Topic, produced.Partition, produced.Offset),
		Resources: b.Len(),
	}, nil
}

func kafkaError(err error) *DeliveryError {
	switch {
	case errors.Is(err, kgo.ErrRecordTimeout), errors.Is(err, context.DeadlineExceeded):
		return &DeliveryError{Reason: ReasonTimeout, Err: err}
	case errors.Is(err, context.Canceled), kerr.IsRetriable(err), errors.Is(err, kgo.ErrRecordRetries):
		return &DeliveryError{Reason: ReasonConnection, Err: err}
	}
	return &DeliveryError{Reason: ReasonRejected, Err: err}
}

// Close flushes and closes the producer when it owns a client.
func (s *KafkaSender) Close() error {
	if c, ok := s.producer.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}
