package commtypes

import (
	"encoding/json"

	"golang.org/x/xerrors"
)

type SerdeFormat uint8

const (
	JSON SerdeFormat = 0
	MSGP SerdeFormat = 1
)

var ErrUnrecognizedSerdeFormat = xerrors.New("Unrecognized serde format")

type EncoderG[V any] interface {
	Encode(v V) ([]byte, error)
}

type DecoderG[V any] interface {
	Decode([]byte) (V, error)
}

type SerdeG[V any] interface {
	EncoderG[V]
	DecoderG[V]
}

// JSONSerdeG encodes any value with encoding/json.
type JSONSerdeG[V any] struct{}

var _ = SerdeG[int](JSONSerdeG[int]{})

func (s JSONSerdeG[V]) Encode(value V) ([]byte, error) {
	return json.Marshal(value)
}

func (s JSONSerdeG[V]) Decode(data []byte) (V, error) {
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

type StringSerdeG struct{}

var _ = SerdeG[string](StringSerdeG{})

func (s StringSerdeG) Encode(value string) ([]byte, error) {
	return []byte(value), nil
}

func (s StringSerdeG) Decode(data []byte) (string, error) {
	return string(data), nil
}
