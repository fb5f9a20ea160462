package providers

import (
	"encoding/json"
	"fmt"
	"reflect"
)

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	obj := make(map[string]json.RawMessage)
	if len(raw) == 0 || string(raw) == "null" {
		return obj, nil
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("metadata is not a JSON object: %w", err)
	}
	return obj, nil
}

// setJSONFields merges fields into a JSON object blob.
func setJSONFields(raw json.RawMessage, fields map[string]interface{}) (json.RawMessage, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		obj[k] = b
	}
	return json.Marshal(obj)
}

// deleteJSONFields removes keys from a JSON object blob.
func deleteJSONFields(raw json.RawMessage, keys ...string) (json.RawMessage, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		delete(obj, k)
	}
	return json.Marshal(obj)
}

// sameJSON compares two JSON documents by value, ignoring key order and
// whitespace.
func sameJSON(a, b json.RawMessage) bool {
	var av, bv interface{}
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
