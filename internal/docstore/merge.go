package docstore

import (
	"encoding/json"
	"fmt"
)

// MergeFields overwrites the given top-level fields of a JSON object.
func MergeFields(doc []byte, fields map[string]any) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage, len(fields))
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}
