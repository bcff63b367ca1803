package storage

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var js = jsoniter.ConfigFastest

// PutJSON stores a JSON-encoded value in a bucket
func PutJSON(b Backend, bucket, key []byte, v any) error {
	data, err := js.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return b.Put(bucket, key, data)
}

// GetJSON decodes a stored value into v. It reports false when the key is missing.
func GetJSON(b Backend, bucket, key []byte, v any) (bool, error) {
	data, err := b.Get(bucket, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := js.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return true, nil
}
