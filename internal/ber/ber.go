// Package ber holds the small set of BER primitives the USM code needs: sizing and forward
// writing of definite-length TLVs, and lenient decoding of what peers put on the wire.
package ber

import (
	"encoding/asn1"
	"errors"
	"fmt"
)

// Identifier octets used by SNMPv3 framing.
const (
	TagInteger     byte = 0x02
	TagOctetString byte = 0x04
	TagNull        byte = 0x05
	TagOID         byte = 0x06
	TagSequence    byte = 0x30
)

// MaxLength is the largest content length Cursor will write a header for.
const MaxLength = 0xffffff

var ErrShortBuffer = errors.New("ber: buffer too small")

// HeaderLen returns the size of an identifier octet plus the definite length encoding of n.
func HeaderLen(n int) int {
	switch {
	case n < 0x80:
		return 2
	case n <= 0xff:
		return 3
	case n <= 0xffff:
		return 4
	default:
		return 5
	}
}

// TLVLen returns the full encoded size of a value whose content is n bytes long.
func TLVLen(n int) int {
	return HeaderLen(n) + n
}

// IntegerContent returns the minimal two's complement content octets of v.
func IntegerContent(v int64) []byte {
	b, err := asn1.Marshal(v)
	if err != nil || len(b) < 3 {
		// asn1 never fails on int64; keep a correct fallback anyway
		return []byte{byte(v)}
	}
	return b[2:]
}

// IntegerLen returns the encoded size of an INTEGER holding v.
func IntegerLen(v int64) int {
	return TLVLen(len(IntegerContent(v)))
}

// Cursor writes TLVs front to back into a preallocated buffer and reports where each one landed.
type Cursor struct {
	buf []byte
	off int
}

func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Offset is the index of the next byte to be written.
func (c *Cursor) Offset() int {
	return c.off
}

// Bytes returns everything written so far.
func (c *Cursor) Bytes() []byte {
	return c.buf[:c.off]
}

func (c *Cursor) reserve(n int) ([]byte, error) {
	if c.off+n > len(c.buf) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, c.off, len(c.buf))
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

// WriteHeader writes an identifier octet followed by the minimal definite length of n.
func (c *Cursor) WriteHeader(tag byte, n int) error {
	if n < 0 || n > MaxLength {
		return fmt.Errorf("ber: length %d out of range", n)
	}
	b, err := c.reserve(HeaderLen(n))
	if err != nil {
		return err
	}
	b[0] = tag
	switch len(b) {
	case 2:
		b[1] = byte(n)
	case 3:
		b[1] = 0x81
		b[2] = byte(n)
	case 4:
		b[1] = 0x82
		b[2] = byte(n >> 8)
		b[3] = byte(n)
	default:
		b[1] = 0x83
		b[2] = byte(n >> 16)
		b[3] = byte(n >> 8)
		b[4] = byte(n)
	}
	return nil
}

// WriteRaw copies pre-encoded bytes and returns the offset they start at.
func (c *Cursor) WriteRaw(p []byte) (int, error) {
	start := c.off
	b, err := c.reserve(len(p))
	if err != nil {
		return 0, err
	}
	copy(b, p)
	return start, nil
}

// WriteTLV writes tag, length and content and returns the offset of the content.
func (c *Cursor) WriteTLV(tag byte, content []byte) (int, error) {
	if err := c.WriteHeader(tag, len(content)); err != nil {
		return 0, err
	}
	return c.WriteRaw(content)
}

// WriteOctetString writes an OCTET STRING and returns the offset of its value.
func (c *Cursor) WriteOctetString(v []byte) (int, error) {
	return c.WriteTLV(TagOctetString, v)
}

// WriteInteger writes an INTEGER.
func (c *Cursor) WriteInteger(v int64) error {
	_, err := c.WriteTLV(TagInteger, IntegerContent(v))
	return err
}

// Encode returns the TLV encoding of content under tag.
func Encode(tag byte, content []byte) []byte {
	buf := make([]byte, TLVLen(len(content)))
	c := NewCursor(buf)
	// sized exactly above, cannot run short
	_, _ = c.WriteTLV(tag, content)
	return buf
}

// EncodeInteger returns an encoded INTEGER.
func EncodeInteger(v int64) []byte {
	return Encode(TagInteger, IntegerContent(v))
}

// EncodeOctetString returns an encoded OCTET STRING.
func EncodeOctetString(v []byte) []byte {
	return Encode(TagOctetString, v)
}

// EncodeSequence wraps already encoded members in a SEQUENCE.
func EncodeSequence(members ...[]byte) []byte {
	n := 0
	for _, m := range members {
		n += len(m)
	}
	content := make([]byte, 0, n)
	for _, m := range members {
		content = append(content, m...)
	}
	return Encode(TagSequence, content)
}
