//go:build !jsonv2

package store

import "encoding/json"

func jsonMarshalIndent(value any, prefix, indent string) ([]byte, error) {
	return json.MarshalIndent(value, prefix, indent)
}

func jsonUnmarshal(data []byte, value any) error {
	return json.Unmarshal(data, value)
}
