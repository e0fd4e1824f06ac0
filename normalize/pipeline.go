// Package normalize turns raw published payloads into normalized results.
//
// Process runs one message through five steps: validate UTF-8, decode JSON,
// parse and normalize, apply the records and invoke the handler inside one
// cache transaction, then publish the committed records. Payloads that are not
// text or not JSON are dropped without a callback. Everything after decoding
// reaches the handler exactly once, either as a result or as an error.
package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/maxpert/liveq/cache"
	"github.com/maxpert/liveq/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrMessageParse: a decoded message carried errors or had no usable data
	ErrMessageParse = errors.New("message parse error")
	// ErrCacheApply: the records of a message could not be merged or committed
	ErrCacheApply = errors.New("cache apply error")
)

// Outcome is what happened to one message
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeDecodeError Outcome = "decode_error"
	OutcomeParseError  Outcome = "parse_error"
	OutcomeCacheError  Outcome = "cache_error"
)

// Store is the cache the pipeline writes through
type Store interface {
	DeriveKey(obj map[string]interface{}) (string, bool)
	WithReadWriteTransaction(ctx context.Context, fn func(cache.Txn) error) error
	Publish(records cache.RecordSet) error
}

// Handler receives either a result with the open transaction, or an error
type Handler func(result *Result, txn cache.Txn, err error)

// FatalFunc is called when committed records can't be published or a commit
// fails after the handler already saw the result. The default exits.
var FatalFunc = func(err error, msg string) {
	log.Fatal().Err(err).Msg(msg)
}

// Pipeline processes messages against a shared store
type Pipeline struct {
	store  Store
	parser Parser
}

// New creates a pipeline; a nil parser means ResponseParser
func New(store Store, parser Parser) *Pipeline {
	if parser == nil {
		parser = ResponseParser{}
	}
	return &Pipeline{store: store, parser: parser}
}

// Process runs one payload through the pipeline and reports the outcome
func (p *Pipeline) Process(ctx context.Context, payload []byte, handler Handler) Outcome {
	start := time.Now()
	outcome := p.process(ctx, payload, handler)

	telemetry.PipelineDurationSeconds.Observe(time.Since(start).Seconds())
	telemetry.MessagesTotal.With(string(outcome)).Inc()
	return outcome
}

// decodeJSON keeps numbers as json.Number so ids past 2^53 stay distinct
func decodeJSON(payload []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("invalid character after top-level value")
	}
	return doc, nil
}

func (p *Pipeline) process(ctx context.Context, payload []byte, handler Handler) Outcome {
	if !utf8.Valid(payload) {
		log.Warn().Int("bytes", len(payload)).Msg("Dropping message that is not valid UTF-8")
		return OutcomeDecodeError
	}

	doc, err := decodeJSON(payload)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(payload)).Msg("Dropping message that is not valid JSON")
		return OutcomeDecodeError
	}

	result, records, err := p.parser.Parse(doc, p.store.DeriveKey)
	if err != nil {
		if !errors.Is(err, ErrMessageParse) {
			err = fmt.Errorf("%w: %v", ErrMessageParse, err)
		}
		handler(nil, nil, err)
		return OutcomeParseError
	}

	published := cache.RecordSet{}
	delivered := false
	err = p.store.WithReadWriteTransaction(ctx, func(txn cache.Txn) error {
		for _, rec := range records.Records() {
			merged, err := txn.Merge(rec)
			if err != nil {
				return fmt.Errorf("merge %s: %w", rec.Key, err)
			}
			published.Add(merged)
		}

		delivered = true
		handler(result, txn, nil)
		return nil
	})

	if err != nil {
		if delivered {
			FatalFunc(err, "Cache commit failed after the handler consumed the result")
			return OutcomeCacheError
		}
		log.Warn().Err(err).Int("records", len(records)).Msg("Failed to apply records to cache")
		handler(nil, nil, fmt.Errorf("%w: %v", ErrCacheApply, err))
		return OutcomeCacheError
	}

	if err := p.store.Publish(published); err != nil {
		FatalFunc(err, "Failed to publish committed cache records")
	}

	return OutcomeDelivered
}
