// Package codec serializes step outputs for storage and restores them as
// typed values on replay.
//
// Values are stored as a (JSON payload, type tag) pair. The tag names the
// concrete Go type and is resolved through a per-codec registry, so a
// replayed workflow observes the same typed value the original execution
// produced. Tags are not portable across incompatible registries.
package codec

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync"

	"github.com/petrijr/passo/pkg/api"
)

// VoidType is the reserved tag for a nil/absent step output.
const VoidType = "void"

// JSONCodec encodes values as JSON and keeps a registry mapping type tags to
// concrete Go types for decoding. It is safe for concurrent use.
type JSONCodec struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewJSON returns a JSONCodec with the common scalar and container types
// pre-registered.
func NewJSON() *JSONCodec {
	c := &JSONCodec{types: make(map[string]reflect.Type)}
	for _, v := range []any{
		"", int(0), int32(0), int64(0), float32(0), float64(0), true,
		[]string(nil), []int(nil), []any(nil), map[string]any(nil), []byte(nil),
	} {
		c.RegisterType(reflect.TypeOf(v))
	}
	return c
}

// Tag returns the registry tag for a reflect type.
func Tag(t reflect.Type) string {
	return t.String()
}

// RegisterType makes t decodable. Registering the same type twice is a no-op.
func (c *JSONCodec) RegisterType(t reflect.Type) {
	if t == nil || t.Kind() == reflect.Interface {
		return
	}
	tag := Tag(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[tag] = t
}

// Register makes the concrete type of v decodable.
func (c *JSONCodec) Register(v any) {
	c.RegisterType(reflect.TypeOf(v))
}

// Encode serializes v into a JSON payload and its type tag. A nil value
// yields an empty payload tagged VoidType. Encoding registers the value's
// type, so a later Decode in the same process always resolves the tag.
func (c *JSONCodec) Encode(v any) (payload, typeTag string, err error) {
	if isNil(v) {
		return "", VoidType, nil
	}

	t := reflect.TypeOf(v)
	c.RegisterType(t)

	data, err := json.Marshal(v)
	if err != nil {
		return "", "", &api.CodecError{Tag: Tag(t), Err: err}
	}
	return string(data), Tag(t), nil
}

// Decode restores a typed value from a stored (payload, tag) pair. A
// VoidType tag or empty payload decodes to nil. Unknown tags and malformed
// payloads fail with *api.CodecError.
func (c *JSONCodec) Decode(payload, typeTag string) (any, error) {
	if typeTag == VoidType || typeTag == "" || payload == "" {
		return nil, nil
	}

	c.mu.RLock()
	t, ok := c.types[typeTag]
	c.mu.RUnlock()
	if !ok {
		return nil, &api.CodecError{Tag: typeTag, Err: errors.New("unknown type tag")}
	}

	target := reflect.New(t)
	if err := json.Unmarshal([]byte(payload), target.Interface()); err != nil {
		return nil, &api.CodecError{Tag: typeTag, Err: err}
	}
	return target.Elem().Interface(), nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
