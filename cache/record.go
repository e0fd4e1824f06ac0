package cache

import (
	"encoding/json"
	"sort"
	"strconv"
)

const (
	// TypenameField names the field carrying an object's type
	TypenameField = "__typename"

	// RefField marks an object that points at a cached record instead of embedding it
	RefField = "__ref"
)

// Record is one normalized entity in the cache
type Record struct {
	Key     string                 `msgpack:"k" json:"key"`
	Fields  map[string]interface{} `msgpack:"f" json:"fields"`
	Version uint64                 `msgpack:"v" json:"version"`
}

// NewRecord creates an empty record for key
func NewRecord(key string) *Record {
	return &Record{
		Key:    key,
		Fields: make(map[string]interface{}),
	}
}

// Clone returns a deep copy so callers can't mutate cached state
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		Key:     r.Key,
		Version: r.Version,
		Fields:  make(map[string]interface{}, len(r.Fields)),
	}
	for k, v := range r.Fields {
		out.Fields[k] = cloneValue(v)
	}
	return out
}

// Overlay copies every field of other on top of r (last write wins per field)
func (r *Record) Overlay(other *Record) {
	if r.Fields == nil {
		r.Fields = make(map[string]interface{}, len(other.Fields))
	}
	for k, v := range other.Fields {
		r.Fields[k] = cloneValue(v)
	}
}

// Ref returns the reference object that replaces the record inside a result
func Ref(key string) map[string]interface{} {
	return map[string]interface{}{RefField: key}
}

// RefKey reports the record key if v is a reference object
func RefKey(v interface{}) (string, bool) {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) != 1 {
		return "", false
	}
	key, ok := m[RefField].(string)
	return key, ok
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, inner := range val {
			m[k] = cloneValue(inner)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, inner := range val {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}

// RecordSet holds the records produced by one message, keyed by record key
type RecordSet map[string]*Record

// Add merges rec into the set; a key seen twice keeps the union of fields
func (s RecordSet) Add(rec *Record) {
	if existing, ok := s[rec.Key]; ok {
		existing.Overlay(rec)
		return
	}
	s[rec.Key] = rec
}

// Keys returns the record keys in sorted order
func (s RecordSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Records returns the records ordered by key
func (s RecordSet) Records() []*Record {
	out := make([]*Record, 0, len(s))
	for _, k := range s.Keys() {
		out = append(out, s[k])
	}
	return out
}

// MaxVersion returns the highest record version in the set
func (s RecordSet) MaxVersion() uint64 {
	var max uint64
	for _, rec := range s {
		if rec.Version > max {
			max = rec.Version
		}
	}
	return max
}

// DeriveKey builds the "Typename:ID" key of an object, trying idFields in order.
// Objects without a typename or an id are not normalized.
func DeriveKey(obj map[string]interface{}, idFields []string) (string, bool) {
	typename, ok := obj[TypenameField].(string)
	if !ok || typename == "" {
		return "", false
	}

	for _, field := range idFields {
		id, ok := formatID(obj[field])
		if ok {
			return typename + ":" + id, true
		}
	}
	return "", false
}

func formatID(v interface{}) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case json.Number:
		return id.String(), true
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case uint64:
		return strconv.FormatUint(id, 10), true
	default:
		return "", false
	}
}
