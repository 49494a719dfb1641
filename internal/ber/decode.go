package ber

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"math"

	"github.com/geoffgarside/ber"
)

var ErrUnexpectedTag = errors.New("ber: unexpected tag")

// Value is one decoded TLV.
type Value struct {
	Tag       byte
	Bytes     []byte
	HeaderLen int
}

// Len is the number of wire bytes the value occupied.
func (v Value) Len() int {
	return v.HeaderLen + len(v.Bytes)
}

// Decode reads one TLV from the front of b. Long-form lengths that DER would reject
// (net-snmp always writes sequences with 0x82) are accepted.
func Decode(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, nil, fmt.Errorf("ber: decode: empty input")
	}
	var raw asn1.RawValue
	rest, err := ber.Unmarshal(b, &raw)
	if err != nil {
		return Value{}, nil, fmt.Errorf("ber: decode: %w", err)
	}
	if raw.Tag > 30 {
		return Value{}, nil, fmt.Errorf("ber: high tag number %d not supported", raw.Tag)
	}
	id := byte(raw.Class<<6) | byte(raw.Tag)
	if raw.IsCompound {
		id |= 0x20
	}
	consumed := len(b) - len(rest)
	return Value{Tag: id, Bytes: raw.Bytes, HeaderLen: consumed - len(raw.Bytes)}, rest, nil
}

// Expect decodes one TLV and checks its identifier octet.
func Expect(b []byte, tag byte) (Value, []byte, error) {
	v, rest, err := Decode(b)
	if err != nil {
		return Value{}, nil, err
	}
	if v.Tag != tag {
		return Value{}, nil, fmt.Errorf("%w: want 0x%02x, got 0x%02x", ErrUnexpectedTag, tag, v.Tag)
	}
	return v, rest, nil
}

// ParseSequence returns the content of a SEQUENCE and what follows it.
func ParseSequence(b []byte) ([]byte, []byte, error) {
	v, rest, err := Expect(b, TagSequence)
	if err != nil {
		return nil, nil, err
	}
	return v.Bytes, rest, nil
}

// ParseOctetString returns the value of an OCTET STRING and what follows it.
func ParseOctetString(b []byte) ([]byte, []byte, error) {
	v, rest, err := Expect(b, TagOctetString)
	if err != nil {
		return nil, nil, err
	}
	return v.Bytes, rest, nil
}

// ParseInteger returns a signed INTEGER and what follows it.
func ParseInteger(b []byte) (int64, []byte, error) {
	v, rest, err := Expect(b, TagInteger)
	if err != nil {
		return 0, nil, err
	}
	n, err := DecodeIntegerContent(v.Bytes)
	if err != nil {
		return 0, nil, err
	}
	return n, rest, nil
}

// DecodeIntegerContent interprets two's complement content octets. Leading padding that
// DER forbids is tolerated.
func DecodeIntegerContent(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("ber: empty integer")
	}
	neg := b[0]&0x80 != 0
	for len(b) > 1 && ((b[0] == 0x00 && b[1]&0x80 == 0) || (b[0] == 0xff && b[1]&0x80 != 0)) {
		b = b[1:]
	}
	if len(b) > 8 {
		return 0, fmt.Errorf("ber: integer too large (%d bytes)", len(b))
	}
	var n int64
	if neg {
		n = -1
	}
	for _, c := range b {
		n = n<<8 | int64(c)
	}
	return n, nil
}

// DecodeUnsignedContent interprets content octets of an application-tagged unsigned
// integer such as Counter32 or TimeTicks.
func DecodeUnsignedContent(b []byte) (uint64, error) {
	if len(b) == 0 || len(b) > 9 || (len(b) == 9 && b[0] != 0) {
		return 0, fmt.Errorf("ber: bad unsigned integer length %d", len(b))
	}
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n, nil
}

// UnsignedContent encodes v as the content of an application-tagged unsigned integer.
func UnsignedContent(v uint64) []byte {
	if v <= math.MaxInt64 {
		return IntegerContent(int64(v))
	}
	out := make([]byte, 9)
	for i := 8; i > 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}
