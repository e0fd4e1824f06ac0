package encoding

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
)

func TestMarshal_Basic(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "hello world"},
		{"float64", 3.14159},
		{"bool", true},
		{"slice", []interface{}{"a", 1.0, nil}},
		{"record", map[string]interface{}{"__typename": "User", "id": "1", "name": "alice"}},
		{"nested", map[string]interface{}{
			"author": map[string]interface{}{"__ref": "User:1"},
			"tags":   []interface{}{"a", "b"},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.input)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if len(data) == 0 {
				t.Error("Expected non-empty result")
			}
		})
	}
}

func TestMarshal_StableMapOrder(t *testing.T) {
	fields := map[string]interface{}{}
	for _, k := range []string{"z", "a", "m", "b", "y", "c"} {
		fields[k] = k
	}

	first, err := Marshal(fields)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(fields)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("encoding of identical map changed between calls")
		}
	}
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	numGoroutines := 50
	iterations := 500

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				data := map[string]interface{}{
					"goroutine": id,
					"iteration": j,
				}
				result, err := Marshal(data)
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				if len(result) == 0 {
					t.Error("Expected non-empty result")
					return
				}
			}
		}(i)
	}

	wg.Wait()
}

func TestUnmarshal_JSONDocumentRoundTrip(t *testing.T) {
	// Record fields come out of encoding/json with UseNumber, so they only
	// ever hold string, json.Number, bool, nil, []interface{} and
	// map[string]interface{}.
	raw := `{"id":"7","score":12.5,"active":true,"missing":null,
		"tags":["x","y"],"owner":{"__ref":"User:1"}}`

	var doc map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		t.Fatalf("json: %v", err)
	}

	data, err := Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var result map[string]interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if v, ok := result["id"].(string); !ok || v != "7" {
		t.Errorf("id: got %T %v", result["id"], result["id"])
	}
	if v, ok := result["score"].(json.Number); !ok || v != "12.5" {
		t.Errorf("score: got %T %v", result["score"], result["score"])
	}
	if v, ok := result["active"].(bool); !ok || !v {
		t.Errorf("active: got %T %v", result["active"], result["active"])
	}
	if result["missing"] != nil {
		t.Errorf("missing: got %v, want nil", result["missing"])
	}
	tags, ok := result["tags"].([]interface{})
	if !ok || len(tags) != 2 || tags[0] != "x" {
		t.Errorf("tags: got %T %v", result["tags"], result["tags"])
	}
	owner, ok := result["owner"].(map[string]interface{})
	if !ok {
		t.Fatalf("owner: got %T, want map[string]interface{}", result["owner"])
	}
	if owner["__ref"] != "User:1" {
		t.Errorf("owner ref: got %v", owner["__ref"])
	}
}

func TestUnmarshal_StringNotBytes(t *testing.T) {
	original := "User:000000013049"
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var result interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	str, ok := result.(string)
	if !ok {
		t.Fatalf("Expected string type, got %T", result)
	}
	if str != original {
		t.Errorf("String mismatch: got %q, want %q", str, original)
	}
}

func TestUnmarshal_Truncated(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"name": "a fairly long string value"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var result interface{}
	if err := Unmarshal(data[:len(data)/2], &result); err == nil {
		t.Fatal("expected error for truncated input")
	}
}

func TestUnmarshal_JSONNumberKeepsDigits(t *testing.T) {
	fields := map[string]interface{}{
		"id":   json.Number("9007199254740993"),
		"list": []interface{}{json.Number("-0.5"), json.Number("1e400")},
	}

	data, err := Marshal(fields)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var result map[string]interface{}
	if err := Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	id, ok := result["id"].(json.Number)
	if !ok || id != "9007199254740993" {
		t.Fatalf("id: got %T %v", result["id"], result["id"])
	}
	list, ok := result["list"].([]interface{})
	if !ok || len(list) != 2 {
		t.Fatalf("list: got %T %v", result["list"], result["list"])
	}
	if list[0] != json.Number("-0.5") || list[1] != json.Number("1e400") {
		t.Errorf("list: got %v", list)
	}
}
