package common

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// CanonicalJSON marshals v into a stable byte form: map keys sorted, no
// insignificant whitespace, struct fields in declaration order. Two calls
// with equal values always produce identical bytes, which makes the result
// safe to hash for cache keys.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %v", err)
	}

	// Round-trip through an interface{} so maps re-marshal with sorted keys
	// and numeric formatting is normalized.
	var intermediate interface{}
	if err := json.Unmarshal(raw, &intermediate); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %v", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(intermediate); err != nil {
		return nil, fmt.Errorf("failed to encode canonical form: %v", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HashJSON returns the hex SHA-256 of the canonical JSON form of v.
func HashJSON(v interface{}) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the hex SHA-256 of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// TruncateToHour floors t to the start of its UTC hour.
func TruncateToHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// HourOffset returns how many whole hours h lies after reference, negative
// if h is in the past relative to reference.
func HourOffset(reference, h time.Time) int {
	return int(TruncateToHour(h).Sub(TruncateToHour(reference)) / time.Hour)
}
