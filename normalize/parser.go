package normalize

import (
	"fmt"
	"strings"

	"github.com/maxpert/liveq/cache"
)

// KeyFunc derives the cache key of an object, reporting false for objects that
// should stay embedded
type KeyFunc func(obj map[string]interface{}) (string, bool)

// Parser turns a decoded JSON document into a result and the records to cache
type Parser interface {
	Parse(doc interface{}, deriveKey KeyFunc) (*Result, cache.RecordSet, error)
}

// ResponseParser understands query responses shaped {"data": {...}, "errors": [...]}
type ResponseParser struct{}

// Parse validates the envelope and normalizes every keyed object below data
func (ResponseParser) Parse(doc interface{}, deriveKey KeyFunc) (*Result, cache.RecordSet, error) {
	envelope, ok := doc.(map[string]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("%w: payload is not an object", ErrMessageParse)
	}

	if raw, present := envelope["errors"]; present && raw != nil {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, nil, fmt.Errorf("%w: errors is not a list", ErrMessageParse)
		}
		if len(list) > 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrMessageParse, errorMessages(list))
		}
	}

	data, ok := envelope["data"].(map[string]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("%w: data is missing or not an object", ErrMessageParse)
	}

	records := cache.RecordSet{}
	normalized := make(map[string]interface{}, len(data))
	for field, value := range data {
		normalized[field] = normalizeValue(value, deriveKey, records)
	}

	return &Result{Data: normalized, Keys: records.Keys()}, records, nil
}

// normalizeValue replaces keyed objects with references, depth first, so a
// record's fields never embed another record
func normalizeValue(v interface{}, deriveKey KeyFunc, records cache.RecordSet) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		obj := make(map[string]interface{}, len(val))
		for k, inner := range val {
			obj[k] = normalizeValue(inner, deriveKey, records)
		}

		key, ok := deriveKey(val)
		if !ok {
			return obj
		}
		records.Add(&cache.Record{Key: key, Fields: obj})
		return cache.Ref(key)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = normalizeValue(inner, deriveKey, records)
		}
		return out
	default:
		return v
	}
}

func errorMessages(list []interface{}) string {
	msgs := make([]string, 0, len(list))
	for _, item := range list {
		if obj, ok := item.(map[string]interface{}); ok {
			if msg, ok := obj["message"].(string); ok {
				msgs = append(msgs, msg)
				continue
			}
		}
		msgs = append(msgs, fmt.Sprint(item))
	}
	return strings.Join(msgs, "; ")
}
