package utils

import "encoding/json"

type ParseJsonValue[T any] struct {
	Value T
	Error error
}

// ParseJson decodes data into T without making the caller juggle a zero
// value alongside the error.
func ParseJson[T any](data []byte) ParseJsonValue[T] {
	parsed := ParseJsonValue[T]{}
	if err := json.Unmarshal(data, &parsed.Value); err != nil {
		return ParseJsonValue[T]{Error: err}
	}
	return parsed
}
