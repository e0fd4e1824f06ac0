package normalize

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maxpert/liveq/cache"
)

// Result is the normalized payload of one message. Entities that could be keyed
// live in the cache and appear in Data as {"__ref": "Typename:ID"}.
type Result struct {
	Data map[string]interface{}

	// Keys of every record the message wrote, sorted
	Keys []string
}

// Decode copies the (normalized) data into v through its JSON shape
func (r *Result) Decode(v interface{}) error {
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Denormalize rebuilds the full document by replacing every reference with the
// record read through txn. References that are missing from the cache are kept
// as-is. Cycles are cut by leaving the repeated reference in place.
func (r *Result) Denormalize(txn cache.Txn) (map[string]interface{}, error) {
	out, err := resolve(r.Data, txn, map[string]bool{})
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

func resolve(v interface{}, txn cache.Txn, visiting map[string]bool) (interface{}, error) {
	if key, ok := cache.RefKey(v); ok {
		if visiting[key] {
			return v, nil
		}

		rec, err := txn.Get(key)
		if errors.Is(err, cache.ErrRecordNotFound) {
			return v, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", key, err)
		}

		visiting[key] = true
		defer delete(visiting, key)
		return resolve(rec.Fields, txn, visiting)
	}

	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			resolved, err := resolve(inner, txn, visiting)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			resolved, err := resolve(inner, txn, visiting)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
