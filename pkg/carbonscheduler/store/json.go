package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

func decodeJSON(name string, data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %v", name, err)
	}
	return nil
}

func encodeJSON(name string, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %v", name, err)
	}
	return buf.Bytes(), nil
}
