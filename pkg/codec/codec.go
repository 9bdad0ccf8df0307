// Package codec serializes the user-defined values carried inside an
// Envelope's opaque Payload. The wire envelope framing (pkg/envelope)
// does not interpret Payload; this package governs what goes into it.
//
// JSON is the default, general-purpose path. Callers whose type
// implements proto.Message get a smaller wire payload via
// EncodeProto/DecodeProto.
package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"

	"meshbus/pkg/meshbuserr"
)

// Encode serializes v to JSON bytes suitable for an Envelope's Payload.
func Encode[T any](v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, meshbuserr.Wrap(meshbuserr.KindSerialization, "json encode", err)
	}
	return data, nil
}

// Decode deserializes JSON payload bytes into a T.
func Decode[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		var zero T
		return zero, meshbuserr.Wrap(meshbuserr.KindSerialization, "json decode", err)
	}
	return v, nil
}

// EncodeProto serializes a proto.Message to its binary wire form.
func EncodeProto(msg proto.Message) ([]byte, error) {
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, meshbuserr.Wrap(meshbuserr.KindSerialization, "proto encode", err)
	}
	return data, nil
}

// DecodeProto deserializes payload bytes into msg in place.
func DecodeProto(payload []byte, msg proto.Message) error {
	if err := proto.Unmarshal(payload, msg); err != nil {
		return meshbuserr.Wrap(meshbuserr.KindSerialization, "proto decode", err)
	}
	return nil
}

// DecodeInto is a convenience for handlers that already know their
// concrete JSON shape but want an error type consistent with the rest of
// the taxonomy instead of a bare json error.
func DecodeInto(payload []byte, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return meshbuserr.Wrap(meshbuserr.KindSerialization, fmt.Sprintf("decode into %T", dst), err)
	}
	return nil
}
