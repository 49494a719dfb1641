// Package message frames SNMPv3 messages around the USM security parameters:
// msgVersion, msgGlobalData and where msgSecurityParameters begins.
package message

import (
	"errors"
	"fmt"

	"github.com/gosnmp/gosnmp"

	"github.com/debashish-mukherjee/go-snmpusm/internal/ber"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

// MinMaxSize is the smallest msgMaxSize a peer may advertise (RFC 3412).
const MinMaxSize = 484

var ErrNotV3 = errors.New("not an SNMPv3 USM message")

// Header is msgGlobalData.
type Header struct {
	MsgID         int32
	MaxSize       int32
	Flags         gosnmp.SnmpV3MsgFlags
	SecurityModel gosnmp.SnmpV3SecurityModel
}

// NewHeader returns a USM header for level.
func NewHeader(msgID int32, maxSize int32, level v3.SecurityLevel, reportable bool) Header {
	flags := level.Flags()
	if reportable {
		flags |= gosnmp.Reportable
	}
	return Header{MsgID: msgID, MaxSize: maxSize, Flags: flags, SecurityModel: gosnmp.UserSecurityModel}
}

// Encode returns msgVersion followed by msgGlobalData, the prefix the USM engine
// expects as OutgoingMessage.GlobalData.
func (h Header) Encode() []byte {
	return append(ber.EncodeInteger(int64(gosnmp.Version3)), ber.EncodeSequence(
		ber.EncodeInteger(int64(h.MsgID)),
		ber.EncodeInteger(int64(h.MaxSize)),
		ber.EncodeOctetString([]byte{byte(h.Flags)}),
		ber.EncodeInteger(int64(h.SecurityModel)),
	)...)
}

func (h Header) SecLevel() (v3.SecurityLevel, error) {
	return v3.LevelFromFlags(h.Flags)
}

func (h Header) Reportable() bool {
	return h.Flags&gosnmp.Reportable != 0
}

// Parsed is the framing of one received message.
type Parsed struct {
	Header
	Level v3.SecurityLevel
	// SecParamsOffset indexes the msgSecurityParameters OCTET STRING in the message.
	SecParamsOffset int
}

// Parse reads the framing of a whole SNMPv3 message.
func Parse(whole []byte) (*Parsed, error) {
	outer, _, err := ber.Expect(whole, ber.TagSequence)
	if err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	body := outer.Bytes
	version, body, err := ber.ParseInteger(body)
	if err != nil {
		return nil, fmt.Errorf("msgVersion: %w", err)
	}
	if version != int64(gosnmp.Version3) {
		return nil, fmt.Errorf("%w: version %d", ErrNotV3, version)
	}

	global, body, err := ber.ParseSequence(body)
	if err != nil {
		return nil, fmt.Errorf("msgGlobalData: %w", err)
	}
	var h Header
	msgID, global, err := ber.ParseInteger(global)
	if err != nil {
		return nil, fmt.Errorf("msgID: %w", err)
	}
	maxSize, global, err := ber.ParseInteger(global)
	if err != nil {
		return nil, fmt.Errorf("msgMaxSize: %w", err)
	}
	flags, global, err := ber.ParseOctetString(global)
	if err != nil {
		return nil, fmt.Errorf("msgFlags: %w", err)
	}
	model, _, err := ber.ParseInteger(global)
	if err != nil {
		return nil, fmt.Errorf("msgSecurityModel: %w", err)
	}
	if msgID < 0 || msgID > v3.MaxBoots {
		return nil, fmt.Errorf("msgID %d out of range", msgID)
	}
	if maxSize < MinMaxSize || maxSize > v3.MaxBoots {
		return nil, fmt.Errorf("msgMaxSize %d out of range", maxSize)
	}
	if len(flags) != 1 {
		return nil, fmt.Errorf("msgFlags is %d bytes", len(flags))
	}
	if model != int64(gosnmp.UserSecurityModel) {
		return nil, fmt.Errorf("%w: security model %d", ErrNotV3, model)
	}
	h.MsgID = int32(msgID)
	h.MaxSize = int32(maxSize)
	h.Flags = gosnmp.SnmpV3MsgFlags(flags[0])
	h.SecurityModel = gosnmp.SnmpV3SecurityModel(model)

	level, err := h.SecLevel()
	if err != nil {
		return nil, err
	}
	return &Parsed{
		Header:          h,
		Level:           level,
		SecParamsOffset: outer.HeaderLen + len(outer.Bytes) - len(body),
	}, nil
}
