// Package pdu encodes and decodes ScopedPDUs with gosnmp varbind types. It covers the
// value types a USM responder and probe exchange, not the whole SMI.
package pdu

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gosnmp/gosnmp"

	"github.com/debashish-mukherjee/go-snmpusm/internal/ber"
)

var ErrUnsupportedType = errors.New("unsupported varbind type")

// PDU is one SNMPv2 PDU.
type PDU struct {
	Type        gosnmp.PDUType
	RequestID   int32
	ErrorStatus gosnmp.SNMPError
	ErrorIndex  int
	Variables   []gosnmp.SnmpPDU
}

// ScopedPDU is the plaintext payload USM protects.
type ScopedPDU struct {
	ContextEngineID []byte
	ContextName     string
	PDU             PDU
}

// Encode returns the BER encoding of the ScopedPDU.
func (s *ScopedPDU) Encode() ([]byte, error) {
	pdu, err := s.PDU.Encode()
	if err != nil {
		return nil, err
	}
	return ber.EncodeSequence(
		ber.EncodeOctetString(s.ContextEngineID),
		ber.EncodeOctetString([]byte(s.ContextName)),
		pdu,
	), nil
}

// Encode returns the context-tagged PDU.
func (p *PDU) Encode() ([]byte, error) {
	vbs := make([][]byte, 0, len(p.Variables))
	for i, v := range p.Variables {
		b, err := EncodeVarbind(v)
		if err != nil {
			return nil, fmt.Errorf("varbind %d: %w", i+1, err)
		}
		vbs = append(vbs, b)
	}
	content := append(ber.EncodeInteger(int64(p.RequestID)), ber.EncodeInteger(int64(p.ErrorStatus))...)
	content = append(content, ber.EncodeInteger(int64(p.ErrorIndex))...)
	content = append(content, ber.EncodeSequence(vbs...)...)
	return ber.Encode(byte(p.Type), content), nil
}

// DecodeScoped parses a ScopedPDU.
func DecodeScoped(b []byte) (*ScopedPDU, error) {
	body, _, err := ber.ParseSequence(b)
	if err != nil {
		return nil, fmt.Errorf("scopedPDU: %w", err)
	}
	engineID, body, err := ber.ParseOctetString(body)
	if err != nil {
		return nil, fmt.Errorf("contextEngineID: %w", err)
	}
	name, body, err := ber.ParseOctetString(body)
	if err != nil {
		return nil, fmt.Errorf("contextName: %w", err)
	}
	p, err := Decode(body)
	if err != nil {
		return nil, err
	}
	return &ScopedPDU{
		ContextEngineID: append([]byte(nil), engineID...),
		ContextName:     string(name),
		PDU:             *p,
	}, nil
}

// Decode parses a context-tagged PDU.
func Decode(b []byte) (*PDU, error) {
	v, _, err := ber.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("pdu: %w", err)
	}
	if v.Tag < byte(gosnmp.GetRequest) || v.Tag > byte(gosnmp.Report) {
		return nil, fmt.Errorf("pdu: unexpected tag 0x%02x", v.Tag)
	}
	body := v.Bytes
	reqID, body, err := ber.ParseInteger(body)
	if err != nil {
		return nil, fmt.Errorf("request-id: %w", err)
	}
	status, body, err := ber.ParseInteger(body)
	if err != nil {
		return nil, fmt.Errorf("error-status: %w", err)
	}
	index, body, err := ber.ParseInteger(body)
	if err != nil {
		return nil, fmt.Errorf("error-index: %w", err)
	}
	list, _, err := ber.ParseSequence(body)
	if err != nil {
		return nil, fmt.Errorf("variable-bindings: %w", err)
	}
	p := &PDU{
		Type:        gosnmp.PDUType(v.Tag),
		RequestID:   int32(reqID),
		ErrorStatus: gosnmp.SNMPError(status),
		ErrorIndex:  int(index),
	}
	for len(list) > 0 {
		var vb []byte
		if vb, list, err = ber.ParseSequence(list); err != nil {
			return nil, fmt.Errorf("varbind %d: %w", len(p.Variables)+1, err)
		}
		decoded, err := decodeVarbind(vb)
		if err != nil {
			return nil, fmt.Errorf("varbind %d: %w", len(p.Variables)+1, err)
		}
		p.Variables = append(p.Variables, decoded)
	}
	return p, nil
}

// EncodeVarbind encodes name and value. Values follow gosnmp's Go types: int for
// Integer, string or []byte for OctetString, dotted string for ObjectIdentifier and
// IPAddress, uint32/uint/uint64 for the unsigned application types.
func EncodeVarbind(v gosnmp.SnmpPDU) ([]byte, error) {
	name, err := EncodeOID(v.Name)
	if err != nil {
		return nil, err
	}
	value, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return ber.EncodeSequence(name, value), nil
}

func encodeValue(v gosnmp.SnmpPDU) ([]byte, error) {
	switch v.Type {
	case gosnmp.Null, gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		return ber.Encode(byte(v.Type), nil), nil
	case gosnmp.Integer:
		n, err := toInt64(v.Value)
		if err != nil {
			return nil, err
		}
		return ber.EncodeInteger(n), nil
	case gosnmp.OctetString:
		switch s := v.Value.(type) {
		case string:
			return ber.EncodeOctetString([]byte(s)), nil
		case []byte:
			return ber.EncodeOctetString(s), nil
		default:
			return nil, fmt.Errorf("%w: OctetString value %T", ErrUnsupportedType, v.Value)
		}
	case gosnmp.ObjectIdentifier:
		s, ok := v.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: ObjectIdentifier value %T", ErrUnsupportedType, v.Value)
		}
		return EncodeOID(s)
	case gosnmp.IPAddress:
		s, _ := v.Value.(string)
		ip := net.ParseIP(s).To4()
		if ip == nil {
			return nil, fmt.Errorf("bad IPv4 address %q", s)
		}
		return ber.Encode(byte(gosnmp.IPAddress), ip), nil
	case gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Counter64, gosnmp.Uinteger32:
		n, err := toUint64(v.Value)
		if err != nil {
			return nil, err
		}
		if v.Type != gosnmp.Counter64 && n > 0xffffffff {
			return nil, fmt.Errorf("%s value %d exceeds 32 bits", v.Type, n)
		}
		return ber.Encode(byte(v.Type), ber.UnsignedContent(n)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, v.Type)
	}
}

func decodeVarbind(b []byte) (gosnmp.SnmpPDU, error) {
	nameTLV, rest, err := ber.Expect(b, ber.TagOID)
	if err != nil {
		return gosnmp.SnmpPDU{}, fmt.Errorf("name: %w", err)
	}
	name, err := decodeOIDContent(nameTLV.Bytes)
	if err != nil {
		return gosnmp.SnmpPDU{}, err
	}
	val, _, err := ber.Decode(rest)
	if err != nil {
		return gosnmp.SnmpPDU{}, fmt.Errorf("value: %w", err)
	}
	out := gosnmp.SnmpPDU{Name: name, Type: gosnmp.Asn1BER(val.Tag)}
	switch out.Type {
	case gosnmp.Null, gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
	case gosnmp.Integer:
		n, err := ber.DecodeIntegerContent(val.Bytes)
		if err != nil {
			return out, err
		}
		out.Value = int(n)
	case gosnmp.OctetString:
		out.Value = append([]byte(nil), val.Bytes...)
	case gosnmp.ObjectIdentifier:
		oid, err := decodeOIDContent(val.Bytes)
		if err != nil {
			return out, err
		}
		out.Value = oid
	case gosnmp.IPAddress:
		if len(val.Bytes) != 4 {
			return out, fmt.Errorf("IpAddress is %d bytes", len(val.Bytes))
		}
		out.Value = net.IP(val.Bytes).String()
	case gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Uinteger32:
		n, err := ber.DecodeUnsignedContent(val.Bytes)
		if err != nil {
			return out, err
		}
		out.Value = uint32(n)
	case gosnmp.Counter64:
		n, err := ber.DecodeUnsignedContent(val.Bytes)
		if err != nil {
			return out, err
		}
		out.Value = n
	default:
		return out, fmt.Errorf("%w: 0x%02x", ErrUnsupportedType, val.Tag)
	}
	return out, nil
}

// ParseOID turns "1.3.6.1" or ".1.3.6.1" into an object identifier.
func ParseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimPrefix(strings.TrimSpace(s), "."), ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("bad OID %q", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad OID %q", s)
		}
		oid[i] = n
	}
	return oid, nil
}

// EncodeOID returns the OBJECT IDENTIFIER TLV for a dotted OID.
func EncodeOID(s string) ([]byte, error) {
	oid, err := ParseOID(s)
	if err != nil {
		return nil, err
	}
	b, err := asn1.Marshal(oid)
	if err != nil {
		return nil, fmt.Errorf("encode OID %q: %w", s, err)
	}
	return b, nil
}

// decodeOIDContent returns the dotted form with a leading dot, as gosnmp names OIDs.
func decodeOIDContent(content []byte) (string, error) {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(ber.Encode(ber.TagOID, content), &oid); err != nil {
		return "", fmt.Errorf("object identifier: %w", err)
	}
	return "." + oid.String(), nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: Integer value %T", ErrUnsupportedType, v)
	}
}

func toUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case uint32:
		return uint64(n), nil
	case uint:
		return uint64(n), nil
	case uint64:
		return n, nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative unsigned value %d", n)
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("%w: unsigned value %T", ErrUnsupportedType, v)
	}
}

// NormalizeOID strips the leading dot gosnmp adds so OIDs compare equal.
func NormalizeOID(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), ".")
}
