package codec_test

import (
	"errors"
	"testing"

	"meshbus/pkg/codec"
	"meshbus/pkg/meshbuserr"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := addArgs{A: 10, B: 5}
	data, err := codec.Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := codec.Decode[addArgs](data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecodeMalformedReturnsSerializationError(t *testing.T) {
	_, err := codec.Decode[addArgs]([]byte("not json"))
	if err == nil {
		t.Fatalf("expected error")
	}
	var me *meshbuserr.Error
	if !errors.As(err, &me) {
		t.Fatalf("expected *meshbuserr.Error, got %T", err)
	}
	if me.Kind != meshbuserr.KindSerialization {
		t.Fatalf("expected KindSerialization, got %v", me.Kind)
	}
}

func TestDecodeIntoMalformed(t *testing.T) {
	var dst addArgs
	err := codec.DecodeInto([]byte("{"), &dst)
	if !errors.Is(err, meshbuserr.ErrSerialization) {
		t.Fatalf("expected serialization error, got %v", err)
	}
}
