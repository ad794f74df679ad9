// Package codec converts query values to and from the bytes kept in the cache.
package codec

import (
	"encoding/json"
	"errors"
	"reflect"

	"google.golang.org/protobuf/proto"
)

type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into the value pointed to by v.
	Unmarshal(data []byte, v any) error
}

var (
	JSON  Codec = jsonCodec{}
	Proto Codec = protoCodec{}
)

var ErrNotProtoMessage = errors.New("value is not a proto.Message")

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type protoCodec struct{}

func (protoCodec) Name() string { return "proto" }

func (protoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, ErrNotProtoMessage
	}
	return proto.Marshal(m)
}

// Unmarshal accepts a proto.Message or a pointer to a nil-able message
// pointer (e.g. **pb.Foo), which is allocated if needed.
func (protoCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ErrNotProtoMessage
	}
	elem := rv.Elem()
	if elem.Kind() != reflect.Pointer {
		return ErrNotProtoMessage
	}
	n := reflect.New(elem.Type().Elem())
	m, ok := n.Interface().(proto.Message)
	if !ok {
		return ErrNotProtoMessage
	}
	if err := proto.Unmarshal(data, m); err != nil {
		return err
	}
	elem.Set(n)
	return nil
}
