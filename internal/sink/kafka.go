package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopics maps each category to a topic
var DefaultTopics = map[Category]string{
	CategoryActivity:       "strava.activities",
	CategoryActivityStream: "strava.activities.stream",
	CategoryWebhook:        "strava.webhook",
}

// MessageWriter publishes messages to a topic
type MessageWriter interface {
	WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer lazily manages writers per topic.
type KafkaProducer struct {
	brokers []string
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaProducer creates a KafkaProducer.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

// WriteMessages writes messages to the given topic, creating a writer if necessary.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	return p.writerForTopic(topic).WriteMessages(ctx, msgs...)
}

func (p *KafkaProducer) writerForTopic(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if writer, ok := p.writers[topic]; ok {
		return writer
	}

	// Synchronous writes acknowledged by all replicas: the sync cursor moves
	// only after WriteMessages returns. A synchronous call waits for
	// BatchTimeout before flushing a partial batch.
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		Async:                  false,
	}
	p.writers[topic] = writer
	return writer
}

// Close releases all writers.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.writers, topic)
	}
	return firstErr
}

// Kafka publishes records to one topic per category, keyed by activity id
type Kafka struct {
	producer MessageWriter
	topics   map[Category]string
}

// NewKafka creates a Kafka sink. Categories missing from topics use DefaultTopics.
func NewKafka(producer MessageWriter, topics map[Category]string) *Kafka {
	merged := make(map[Category]string, len(DefaultTopics))
	for c, t := range DefaultTopics {
		merged[c] = t
	}
	for c, t := range topics {
		if t != "" {
			merged[c] = t
		}
	}
	return &Kafka{producer: producer, topics: merged}
}

// Write publishes r and waits for the broker acknowledgement
func (k *Kafka) Write(ctx context.Context, r Record) error {
	return k.WriteBatch(ctx, []Record{r})
}

// WriteBatch publishes records with one WriteMessages call per run of
// records sharing a topic, keeping their order. Nothing is published when a
// record has no topic.
func (k *Kafka) WriteBatch(ctx context.Context, records []Record) error {
	topics := make([]string, len(records))
	for i, r := range records {
		t, ok := k.topics[r.Category]
		if !ok {
			return fmt.Errorf("no topic for category %q", r.Category)
		}
		topics[i] = t
	}

	for start := 0; start < len(records); {
		end := start + 1
		for end < len(records) && topics[end] == topics[start] {
			end++
		}
		msgs := make([]kafka.Message, 0, end-start)
		for _, r := range records[start:end] {
			msgs = append(msgs, message(r))
		}
		if err := k.producer.WriteMessages(ctx, topics[start], msgs...); err != nil {
			return fmt.Errorf("publishing %d messages to %s: %w", len(msgs), topics[start], err)
		}
		start = end
	}
	return nil
}

func message(r Record) kafka.Message {
	return kafka.Message{
		Key:   []byte(r.Key),
		Value: r.Data,
		Time:  r.Time,
		Headers: []kafka.Header{
			{Key: "category", Value: []byte(r.Category)},
			{Key: "account", Value: []byte(r.Account)},
		},
	}
}

// Close releases the producer
func (k *Kafka) Close() error {
	return k.producer.Close()
}
