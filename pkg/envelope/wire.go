package envelope

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Wire layout (fixed, version-pinned, big-endian):
//
//	id              [16]byte
//	kind            byte
//	source          uint32 len + bytes
//	has_target      byte (0|1) [+ uint32 len + bytes]
//	has_topic       byte (0|1) [+ uint32 len + bytes]
//	payload         uint32 len + bytes
//	has_correlation byte (0|1) [+ [16]byte]
//	created_at      int64 (unix nanoseconds)
//	has_deadline    byte (0|1) [+ int64 unix nanoseconds]
//	has_content_type byte (0|1) [+ uint32 len + bytes]
const wireVersion = 1

var byteOrder = binary.BigEndian

// Marshal encodes the envelope into the fixed binary wire format. Payload
// bytes are carried opaque; callers serialize their own values into
// Payload beforehand (see pkg/codec).
func (e Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(e.ID[:])
	buf.WriteByte(byte(e.Kind))

	if err := writeString(&buf, e.Source); err != nil {
		return nil, err
	}
	if err := writeOptionalString(&buf, e.Target); err != nil {
		return nil, err
	}
	if err := writeOptionalString(&buf, e.Topic); err != nil {
		return nil, err
	}
	if err := writeBytes(&buf, e.Payload); err != nil {
		return nil, err
	}

	if e.CorrelationID != nil {
		buf.WriteByte(1)
		buf.Write(e.CorrelationID[:])
	} else {
		buf.WriteByte(0)
	}

	var tsBuf [8]byte
	byteOrder.PutUint64(tsBuf[:], uint64(e.Metadata.CreatedAt.UnixNano()))
	buf.Write(tsBuf[:])

	if e.Metadata.Deadline != nil {
		buf.WriteByte(1)
		var dlBuf [8]byte
		byteOrder.PutUint64(dlBuf[:], uint64(e.Metadata.Deadline.UnixNano()))
		buf.Write(dlBuf[:])
	} else {
		buf.WriteByte(0)
	}

	if err := writeOptionalString(&buf, e.Metadata.ContentType); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes a wire-format envelope.
func Unmarshal(data []byte) (Envelope, error) {
	r := bytes.NewReader(data)
	var e Envelope

	if _, err := readFull(r, e.ID[:]); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal id: %w", err)
	}

	kindByte, err := r.ReadByte()
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal kind: %w", err)
	}
	e.Kind = Kind(kindByte)

	source, err := readString(r)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal source: %w", err)
	}
	e.Source = source

	if e.Target, err = readOptionalString(r); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal target: %w", err)
	}
	if e.Topic, err = readOptionalString(r); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal topic: %w", err)
	}
	if e.Payload, err = readBytes(r); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal payload: %w", err)
	}

	hasCorr, err := r.ReadByte()
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal correlation flag: %w", err)
	}
	if hasCorr == 1 {
		var id ID
		if _, err := readFull(r, id[:]); err != nil {
			return Envelope{}, fmt.Errorf("envelope: unmarshal correlation id: %w", err)
		}
		e.CorrelationID = &id
	}

	var tsBuf [8]byte
	if _, err := readFull(r, tsBuf[:]); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal created_at: %w", err)
	}
	e.Metadata.CreatedAt = time.Unix(0, int64(byteOrder.Uint64(tsBuf[:])))

	hasDeadline, err := r.ReadByte()
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal deadline flag: %w", err)
	}
	if hasDeadline == 1 {
		var dlBuf [8]byte
		if _, err := readFull(r, dlBuf[:]); err != nil {
			return Envelope{}, fmt.Errorf("envelope: unmarshal deadline: %w", err)
		}
		dl := time.Unix(0, int64(byteOrder.Uint64(dlBuf[:])))
		e.Metadata.Deadline = &dl
	}

	if e.Metadata.ContentType, err = readOptionalString(r); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal content_type: %w", err)
	}

	return e, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	return writeBytes(buf, []byte(s))
}

func writeOptionalString(buf *bytes.Buffer, s *string) error {
	if s == nil {
		buf.WriteByte(0)
		return nil
	}
	buf.WriteByte(1)
	return writeString(buf, *s)
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	var lenBuf [4]byte
	byteOrder.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
	return nil
}

func readFull(r *bytes.Reader, dst []byte) (int, error) {
	n := 0
	for n < len(dst) {
		m, err := r.Read(dst[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := byteOrder.Uint32(lenBuf[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := readFull(r, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readOptionalString(r *bytes.Reader) (*string, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if flag == 0 {
		return nil, nil
	}
	s, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
