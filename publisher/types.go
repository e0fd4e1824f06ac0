package publisher

import (
	"encoding/json"
	"strings"

	"github.com/maxpert/liveq/cache"
)

// Sink represents a destination for mirrored records (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a message to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// BatchSink is implemented by sinks that can write a whole record set in one
// call; the worker then retries the set as a unit
type BatchSink interface {
	Sink
	PublishBatch(msgs []Message) error
}

// Filter determines whether a record should be mirrored
type Filter interface {
	// Match returns true if the record key should be published
	Match(key string) bool
}

// Message is one record ready for a sink
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Envelope is the JSON document published for every record
type Envelope struct {
	Key      string                 `json:"key"`
	Typename string                 `json:"typename"`
	Version  uint64                 `json:"version"`
	Fields   map[string]interface{} `json:"fields"`
}

// NewEnvelope wraps a cache record
func NewEnvelope(rec *cache.Record) Envelope {
	return Envelope{
		Key:      rec.Key,
		Typename: typename(rec.Key),
		Version:  rec.Version,
		Fields:   rec.Fields,
	}
}

// Encode serializes the envelope to JSON
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// typename extracts the type half of a "Typename:ID" key
func typename(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
