// Package sink delivers finished records to the downstream event store.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Category tells the downstream store what kind of record it receives
type Category string

const (
	CategoryActivity       Category = "activity"
	CategoryActivityStream Category = "activity_stream"
	CategoryWebhook        Category = "webhook"
)

// Record is one unit handed to a Sink
type Record struct {
	Category Category
	Account  string
	Key      string    // activity id, used for partitioning
	Time     time.Time // event time of the record
	Data     json.RawMessage
}

// Sink receives records. Write and WriteBatch return only once the records
// are durably handed off, so callers may checkpoint after they succeed.
type Sink interface {
	Write(ctx context.Context, r Record) error
	// WriteBatch hands off records in order. On error none of them may be
	// assumed written.
	WriteBatch(ctx context.Context, records []Record) error
	Close() error
}

// Kinds accepted by Open
const (
	KindStdout = "stdout"
	KindFile   = "file"
	KindKafka  = "kafka"
)

// Options selects and configures a sink
type Options struct {
	Kind    string
	Path    string
	Brokers []string
	Topics  map[Category]string
}

// Open creates the sink described by opts
func Open(opts Options) (Sink, error) {
	switch opts.Kind {
	case "", KindStdout:
		return NewStdout(), nil
	case KindFile:
		return OpenFile(opts.Path)
	case KindKafka:
		if len(opts.Brokers) == 0 {
			return nil, fmt.Errorf("kafka sink requires at least one broker")
		}
		return NewKafka(NewKafkaProducer(opts.Brokers), opts.Topics), nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", opts.Kind)
	}
}

// Marshal encodes v as record data
func Marshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
