// Package record encodes the persisted ledger records in protobuf wire
// format: numbered fields, varints for integers, length-delimited bytes and
// nested messages. Zero scalars are omitted like proto3; unknown fields are
// skipped on decode so newer binaries can add fields.
package record

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("record: malformed encoding")

// Encoder appends fields to an internal buffer.
type Encoder struct {
	buf []byte
}

// Uint writes a varint field; zero is omitted.
func (e *Encoder) Uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

// Bool writes a varint 1 when v is set.
func (e *Encoder) Bool(num protowire.Number, v bool) {
	if v {
		e.Uint(num, 1)
	}
}

// Bytes writes a length-delimited field; empty values are omitted.
func (e *Encoder) Bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

// RepeatedBytes writes every element, including empty ones.
func (e *Encoder) RepeatedBytes(num protowire.Number, vs [][]byte) {
	for _, v := range vs {
		e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
		e.buf = protowire.AppendBytes(e.buf, v)
	}
}

// Message writes a nested message produced by fn. Empty messages are still
// emitted so repeated message fields keep their element count.
func (e *Encoder) Message(num protowire.Number, fn func(*Encoder)) {
	var inner Encoder
	fn(&inner)
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, inner.buf)
}

// Encoded returns the accumulated bytes.
func (e *Encoder) Encoded() []byte {
	return e.buf
}

// Field is one decoded field value.
type Field struct {
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

// BytesCopy returns a copy of the length-delimited payload.
func (f Field) BytesCopy() []byte {
	return append([]byte(nil), f.Bytes...)
}

// Decode walks every field in b and hands it to fn. Fixed-width fields are
// skipped.
func Decode(b []byte, fn func(num protowire.Number, f Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		var f Field
		f.Type = typ
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.Varint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.Bytes = v
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		b = b[n:]
		if err := fn(num, f); err != nil {
			return err
		}
	}
	return nil
}

// ExpectBytes fails unless f is length-delimited.
func ExpectBytes(num protowire.Number, f Field) error {
	if f.Type != protowire.BytesType {
		return fmt.Errorf("%w: field %d: expected bytes, got wire type %d", ErrMalformed, num, f.Type)
	}
	return nil
}

// ExpectVarint fails unless f is a varint.
func ExpectVarint(num protowire.Number, f Field) error {
	if f.Type != protowire.VarintType {
		return fmt.Errorf("%w: field %d: expected varint, got wire type %d", ErrMalformed, num, f.Type)
	}
	return nil
}
