package usm

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/debashish-mukherjee/go-snmpusm/internal/ber"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usmuser"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

// saltLen is the msgPrivacyParameters size for every supported cipher.
const saltLen = 8

// IncomingMessage describes one received message.
type IncomingMessage struct {
	WholeMsg []byte
	// SecParamsOffset is where the msgSecurityParameters OCTET STRING starts in WholeMsg.
	SecParamsOffset int
	MaxMsgSize      int
	SecLevel        v3.SecurityLevel
	// Authoritative is set when this engine is the authoritative side of the exchange.
	Authoritative bool
	// Reportable mirrors the msgFlags reportable bit. Together with Authoritative it
	// decides whether an unknown engine ID is rejected or learned: a request carries
	// the bit and must name a known engine even on a manager, while responses and
	// reports never carry it, so a non-authoritative receiver learns their engine.
	Reportable bool
	// State is the snapshot taken when the matching request was sent. A response for
	// the same user and engine is verified with it instead of the user table, which
	// may have changed since. The caller keeps ownership.
	State *StateReference
}

// IncomingResult is what ProcessIncomingMessage learned. It is returned alongside an
// error once the security parameters parsed, so a report can name the identity.
type IncomingResult struct {
	EngineID []byte
	Boots    uint32
	Time     uint32
	SecName  string
	SecLevel v3.SecurityLevel
	// ScopedPDU is the plaintext ScopedPDU, decrypted when the level requires privacy.
	ScopedPDU []byte
	// MaxSizeResponse is MaxMsgSize less the bytes preceding the data region.
	MaxSizeResponse int
	// State is set once the user resolved; the caller owns and releases it.
	State *StateReference
}

// securityParams is the decoded UsmSecurityParameters.
type securityParams struct {
	engineID   []byte
	boots      uint32
	time       uint32
	userName   []byte
	authParams []byte
	authOffset int
	salt       []byte
	dataOffset int
}

func parseSecurityParams(whole []byte, offset int) (*securityParams, error) {
	if offset < 0 || offset >= len(whole) {
		return nil, fmt.Errorf("%w: security parameters offset %d out of range", ErrParse, offset)
	}
	outer, rest, err := ber.Expect(whole[offset:], ber.TagOctetString)
	if err != nil {
		return nil, fmt.Errorf("%w: msgSecurityParameters: %v", ErrParse, err)
	}
	sp := &securityParams{dataOffset: len(whole) - len(rest)}

	inner, _, err := ber.Expect(outer.Bytes, ber.TagSequence)
	if err != nil {
		return nil, fmt.Errorf("%w: UsmSecurityParameters: %v", ErrParse, err)
	}
	seq := inner.Bytes
	seqStart := offset + outer.HeaderLen + inner.HeaderLen
	// seq is always a suffix of inner.Bytes
	pos := func(rest []byte) int { return seqStart + len(inner.Bytes) - len(rest) }

	if sp.engineID, seq, err = ber.ParseOctetString(seq); err != nil {
		return nil, fmt.Errorf("%w: msgAuthoritativeEngineID: %v", ErrParse, err)
	}
	if len(sp.engineID) > v3.MaxEngineIDLen {
		return nil, fmt.Errorf("%w: engine ID is %d bytes", ErrParse, len(sp.engineID))
	}
	if sp.boots, seq, err = parseBounded(seq); err != nil {
		return nil, fmt.Errorf("%w: msgAuthoritativeEngineBoots: %v", ErrParse, err)
	}
	if sp.time, seq, err = parseBounded(seq); err != nil {
		return nil, fmt.Errorf("%w: msgAuthoritativeEngineTime: %v", ErrParse, err)
	}
	if sp.userName, seq, err = ber.ParseOctetString(seq); err != nil {
		return nil, fmt.Errorf("%w: msgUserName: %v", ErrParse, err)
	}
	if len(sp.userName) > MaxUserNameLen {
		return nil, fmt.Errorf("%w: user name is %d bytes", ErrParse, len(sp.userName))
	}
	before := seq
	v, seq, err := ber.Expect(seq, ber.TagOctetString)
	if err != nil {
		return nil, fmt.Errorf("%w: msgAuthenticationParameters: %v", ErrParse, err)
	}
	sp.authParams = append([]byte(nil), v.Bytes...)
	sp.authOffset = pos(before) + v.HeaderLen
	if sp.salt, _, err = ber.ParseOctetString(seq); err != nil {
		return nil, fmt.Errorf("%w: msgPrivacyParameters: %v", ErrDecryption, err)
	}
	return sp, nil
}

func parseBounded(b []byte) (uint32, []byte, error) {
	n, rest, err := ber.ParseInteger(b)
	if err != nil {
		return 0, nil, err
	}
	if n < 0 || n > v3.MaxBoots {
		return 0, nil, fmt.Errorf("value %d outside 0..%d", n, v3.MaxBoots)
	}
	return uint32(n), rest, nil
}

// ProcessIncomingMessage validates and, if needed, decrypts one message. The checks run
// in a fixed order: parse, salt size, engine ID, user, security level, digest,
// timeliness, decryption.
func (c *Context) ProcessIncomingMessage(in *IncomingMessage) (*IncomingResult, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: nil incoming message", ErrGeneric)
	}
	if !in.SecLevel.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrParse, in.SecLevel)
	}
	sp, err := parseSecurityParams(in.WholeMsg, in.SecParamsOffset)
	if err != nil {
		if errors.Is(err, ErrDecryption) {
			c.Stats.Inc(StatDecryptionErrors)
		}
		return nil, err
	}
	res := &IncomingResult{
		EngineID: append([]byte(nil), sp.engineID...),
		Boots:    sp.boots,
		Time:     sp.time,
		SecName:  string(sp.userName),
		SecLevel: in.SecLevel,
	}

	if in.SecLevel.RequiresPriv() && len(sp.salt) != saltLen {
		return res, c.fail(StatDecryptionErrors, ErrDecryption, "privacy parameters are %d bytes", len(sp.salt))
	}

	if in.Authoritative || in.Reportable {
		if !c.engineKnown(sp.engineID) {
			return res, c.fail(StatUnknownEngineIDs, ErrUnknownEngineID, "%x", sp.engineID)
		}
	} else if !c.engineKnown(sp.engineID) {
		if err := c.Engines.Set(sp.engineID, 0, 0, false); err != nil {
			return res, fmt.Errorf("%w: %v", ErrGeneric, err)
		}
	}

	st, err := c.resolveIncoming(in, sp, res.SecName)
	if err != nil {
		return res, err
	}
	res.State = st

	if !v3.Supports(in.SecLevel, st.AuthProtocol, st.PrivProtocol) {
		return res, c.fail(StatUnsupportedSecLevels, ErrUnsupportedSecurityLevel, "%s for %q", in.SecLevel, res.SecName)
	}

	if in.SecLevel.RequiresAuth() {
		if len(sp.authParams) != st.AuthProtocol.MACLen() {
			return res, c.fail(StatWrongDigests, ErrAuthenticationFailure, "digest is %d bytes", len(sp.authParams))
		}
		zeroed := append([]byte(nil), in.WholeMsg...)
		for i := range sp.authParams {
			zeroed[sp.authOffset+i] = 0
		}
		ok, err := c.Crypto.CheckHash(st.AuthProtocol, st.AuthKey, zeroed, sp.authParams)
		if err != nil {
			return res, fmt.Errorf("%w: %v", ErrGeneric, err)
		}
		if !ok {
			return res, c.fail(StatWrongDigests, ErrAuthenticationFailure, "%q", res.SecName)
		}
		if err := c.CheckAndUpdateTimeliness(sp.engineID, sp.boots, sp.time); err != nil {
			return res, err
		}
	}

	data := in.WholeMsg[sp.dataOffset:]
	if in.SecLevel.RequiresPriv() {
		plaintext, err := c.decrypt(st, sp, data)
		if err != nil {
			return res, c.fail(StatDecryptionErrors, ErrDecryption, "%v", err)
		}
		res.ScopedPDU = plaintext
	} else {
		v, _, err := ber.Decode(data)
		if err != nil {
			return res, fmt.Errorf("%w: scoped PDU: %v", ErrParse, err)
		}
		res.ScopedPDU = data[:v.Len()]
	}

	res.MaxSizeResponse = in.MaxMsgSize - sp.dataOffset
	return res, nil
}

// resolveIncoming returns the credentials a message is verified with, copied so that
// a concurrent replacement in the user table cannot change them mid-check. A request
// snapshot only answers for its own user and engine; an unauthenticated report under
// another name falls back to the table.
func (c *Context) resolveIncoming(in *IncomingMessage, sp *securityParams, name string) (*StateReference, error) {
	if in.State != nil {
		if in.State.released() {
			c.logger.Printf("usm: incoming message given a released state reference")
			return nil, fmt.Errorf("%w: state reference already released", ErrGeneric)
		}
		if in.State.Name == name && bytes.Equal(in.State.EngineID, sp.engineID) {
			st := in.State.Clone()
			st.SecLevel = in.SecLevel
			return st, nil
		}
		if in.SecLevel != v3.NoAuthNoPriv {
			return nil, c.fail(StatUnknownUserNames, ErrUnknownSecurityName,
				"%q@%x does not match the request's %q@%x", name, sp.engineID, in.State.Name, in.State.EngineID)
		}
	}

	user, err := c.Users.Find(sp.engineID, name, true)
	if err != nil {
		if !errors.Is(err, usmuser.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrGeneric, err)
		}
		return nil, c.fail(StatUnknownUserNames, ErrUnknownSecurityName, "%q", name)
	}
	if !user.Active() {
		return nil, c.fail(StatUnknownUserNames, ErrUnknownSecurityName, "%q", name)
	}
	return newStateReference(user, sp.engineID, in.SecLevel), nil
}

// decrypt opens the encryptedPDU OCTET STRING and trims cipher padding off the
// recovered ScopedPDU.
func (c *Context) decrypt(st *StateReference, sp *securityParams, data []byte) ([]byte, error) {
	ciphertext, _, err := ber.ParseOctetString(data)
	if err != nil {
		return nil, fmt.Errorf("encryptedPDU: %v", err)
	}
	if st.PrivProtocol == v3.PrivDES && len(ciphertext)%8 != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of 8", len(ciphertext))
	}
	iv, err := privIV(st.PrivProtocol, st.PrivKey, sp.salt, sp.boots, sp.time)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.Crypto.Decrypt(st.PrivProtocol, st.PrivKey, iv, ciphertext)
	if err != nil {
		return nil, err
	}
	v, _, err := ber.Expect(plaintext, ber.TagSequence)
	if err != nil {
		return nil, fmt.Errorf("decrypted data is not a ScopedPDU: %v", err)
	}
	// Only DES pads, and never by a whole block.
	if pad := len(plaintext) - v.Len(); pad != 0 && (st.PrivProtocol != v3.PrivDES || pad >= 8) {
		return nil, fmt.Errorf("decrypted ScopedPDU followed by %d stray bytes", pad)
	}
	return plaintext[:v.Len()], nil
}
