package cache

import (
	"github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackEncoder returns an Encoder that marshals values to msgpack.
func MsgpackEncoder[T any]() Encoder[T] {
	return func(value T) ([]byte, error) {
		return msgpack.Marshal(value)
	}
}

// MsgpackDecoder returns a Decoder that unmarshals msgpack to values.
func MsgpackDecoder[T any]() Decoder[T] {
	return func(data []byte) (T, error) {
		var value T
		err := msgpack.Unmarshal(data, &value)
		return value, err
	}
}

// JSONEncoder stores values as JSON, for keys other services read.
func JSONEncoder[T any]() Encoder[T] {
	return func(value T) ([]byte, error) {
		return json.Marshal(value)
	}
}

func JSONDecoder[T any]() Decoder[T] {
	return func(data []byte) (T, error) {
		var value T
		err := json.Unmarshal(data, &value)
		return value, err
	}
}
