// Package events publishes recorded scans to the analytics event stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
)

// DefaultTopic is the topic scans are published to when none is configured.
const DefaultTopic = "scans.recorded"

const eventTypeScanRecorded = "scan_recorded"

// Scan is the payload published for one recorded scan.
type Scan struct {
	LinkID    uint      `json:"link_id"`
	VariantID *string   `json:"variant_id,omitempty"`
	UserAgent string    `json:"user_agent"`
	IP        string    `json:"ip"`
	Country   string    `json:"country,omitempty"`
	Referer   string    `json:"referer,omitempty"`
	ScannedAt time.Time `json:"scanned_at"`
}

// Publisher sends scan events downstream.
type Publisher interface {
	PublishScan(ctx context.Context, scan Scan) error
	Close() error
}

// KafkaPublisher publishes scans through a synchronous sarama producer.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher connects a sync producer to brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, topic), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{producer: producer, topic: topic}
}

// PublishScan sends one scan keyed by link id so a link's scans stay ordered
// within a partition.
func (p *KafkaPublisher) PublishScan(ctx context.Context, scan Scan) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	event := map[string]any{
		"event_type": eventTypeScanRecorded,
		"timestamp":  scan.ScannedAt,
		"data":       scan,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(uint64(scan.LinkID), 10)),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Close closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// NopPublisher discards events. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishScan(context.Context, Scan) error { return nil }

func (NopPublisher) Close() error { return nil }
