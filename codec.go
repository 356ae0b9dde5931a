package cache

import (
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns values into opaque payloads and back. Decode must produce a
// value that shares no memory with the one passed to Encode.
//
// Encode may return a nil payload for a zero value; Decode of a nil payload
// must leave dst at its zero value.
type Codec interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte, dst any) error
}

// MsgpackCodec is the default Codec.
type MsgpackCodec struct {
}

func (c *MsgpackCodec) Encode(value any) ([]byte, error) {
	if isZero(value) {
		return nil, nil
	}
	return msgpack.Marshal(value)
}

func (c *MsgpackCodec) Decode(data []byte, dst any) error {
	if err := checkTarget(dst); err != nil {
		return err
	}
	// msgpack merges into existing maps and keeps fields encoded as nil
	reflect.ValueOf(dst).Elem().SetZero()
	if data == nil {
		return nil
	}
	return msgpack.Unmarshal(data, dst)
}

// Clone returns a deep copy of value made by round-tripping it through codec.
func Clone[V any](codec Codec, value V) (V, error) {
	var out V
	data, err := codec.Encode(value)
	if err != nil {
		return out, err
	}
	err = codec.Decode(data, &out)
	return out, err
}

func checkTarget(dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: decode target must be a non-nil pointer, got %T", ErrInvalidArgument, dst)
	}
	return nil
}

func isZero(value any) bool {
	if value == nil {
		return true
	}
	return reflect.ValueOf(value).IsZero()
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
