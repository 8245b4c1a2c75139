// Package model maps Go message types to structural JSON schemas and the
// schema digests that identify them on the wire.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// DigestPrefix prefixes every schema digest.
const DigestPrefix = "model:"

// ErrTypeMismatch is returned when a value does not belong to the expected message type.
var ErrTypeMismatch = errors.New("message type mismatch")

// Schemer lets a message type supply its own schema instead of the derived one.
// This is how types defined elsewhere are matched structurally.
type Schemer interface {
	ModelSchema() map[string]any
}

// Type describes one message type: its schema, the digest of that schema and the
// Go type used to decode payloads.
type Type struct {
	name   string
	digest string
	schema map[string]any
	rtype  reflect.Type
}

// Name is the schema title.
func (t Type) Name() string { return t.name }

// Digest is "model:" followed by the hex SHA-256 of the schema's digest form.
func (t Type) Digest() string { return t.digest }

// Schema returns the schema document. Callers must not modify it.
func (t Type) Schema() map[string]any { return t.schema }

// IsZero reports whether t was never initialised.
func (t Type) IsZero() bool { return t.rtype == nil }

// Decode unmarshals a JSON payload into a new value of the type. The value
// (not a pointer) is returned.
func (t Type) Decode(payload []byte) (any, error) {
	ptr := reflect.New(t.rtype)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t.name, err)
		}
	}
	return ptr.Elem().Interface(), nil
}

// Encode returns the canonical JSON of msg after checking it belongs to t.
func (t Type) Encode(msg any) ([]byte, error) {
	if reflect.TypeOf(msg) != t.rtype {
		return nil, fmt.Errorf("%w: %T is not %s", ErrTypeMismatch, msg, t.name)
	}
	return Canonical(msg)
}

var cache sync.Map // reflect.Type -> Type

// TypeOf returns the Type for T.
func TypeOf[T any]() (Type, error) {
	return typeFor(reflect.TypeOf((*T)(nil)).Elem())
}

// MustTypeOf is TypeOf that panics on error. Intended for start-up registration.
func MustTypeOf[T any]() Type {
	t, err := TypeOf[T]()
	if err != nil {
		panic(err)
	}
	return t
}

// TypeOfValue returns the Type of a message value.
func TypeOfValue(msg any) (Type, error) {
	if msg == nil {
		return Type{}, errors.New("nil message")
	}
	rt := reflect.TypeOf(msg)
	if rt.Kind() == reflect.Pointer {
		return Type{}, fmt.Errorf("message must be passed by value, got %s", rt)
	}
	return typeFor(rt)
}

// Encode serialises a message value to canonical JSON and returns its schema digest.
func Encode(msg any) ([]byte, string, error) {
	t, err := TypeOfValue(msg)
	if err != nil {
		return nil, "", err
	}
	payload, err := Canonical(msg)
	if err != nil {
		return nil, "", err
	}
	return payload, t.digest, nil
}

func typeFor(rt reflect.Type) (Type, error) {
	if cached, ok := cache.Load(rt); ok {
		return cached.(Type), nil
	}
	if rt.Kind() != reflect.Struct {
		return Type{}, fmt.Errorf("message type %s must be a struct", rt)
	}

	var schema map[string]any
	if s, ok := reflect.Zero(rt).Interface().(Schemer); ok {
		schema = s.ModelSchema()
	} else {
		var err error
		schema, err = buildSchema(rt)
		if err != nil {
			return Type{}, fmt.Errorf("schema for %s: %w", rt, err)
		}
	}

	digest, err := SchemaDigest(schema)
	if err != nil {
		return Type{}, err
	}
	name, _ := schema["title"].(string)
	if name == "" {
		name = rt.Name()
	}

	t := Type{name: name, digest: digest, schema: schema, rtype: rt}
	actual, _ := cache.LoadOrStore(rt, t)
	return actual.(Type), nil
}

// SchemaDigest hashes the digest form of a schema document.
func SchemaDigest(schema map[string]any) (string, error) {
	canon, err := DigestForm(schema)
	if err != nil {
		return "", fmt.Errorf("schema digest: %w", err)
	}
	sum := sha256.Sum256(canon)
	return DigestPrefix + hex.EncodeToString(sum[:]), nil
}
