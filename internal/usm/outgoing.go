package usm

import (
	"errors"
	"fmt"

	"github.com/debashish-mukherjee/go-snmpusm/internal/ber"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usmuser"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

// MaxUserNameLen bounds msgUserName.
const MaxUserNameLen = 32

// OutgoingMessage is the input to GenerateOutgoingMessage.
type OutgoingMessage struct {
	// GlobalData is msgVersion followed by msgGlobalData, already encoded.
	GlobalData []byte
	EngineID   []byte
	SecName    string
	SecLevel   v3.SecurityLevel
	// ScopedPDU is the encoded plaintext ScopedPDU.
	ScopedPDU []byte
	// State, when set, supplies the identity and keys instead of the user table.
	// It is released once the message is built.
	State *StateReference
}

// bufferWriter hands out the output buffer once the total size is known.
type bufferWriter interface {
	buffer(n int) ([]byte, error)
}

type fixedBuffer struct {
	buf []byte
}

func (f *fixedBuffer) buffer(n int) ([]byte, error) {
	if n > len(f.buf) {
		return nil, fmt.Errorf("%w: message needs %d bytes, buffer has %d", ber.ErrShortBuffer, n, len(f.buf))
	}
	return f.buf[:n], nil
}

type growableBuffer struct {
	buf []byte
}

func (g *growableBuffer) buffer(n int) ([]byte, error) {
	if cap(g.buf) < n {
		g.buf = make([]byte, n)
	}
	g.buf = g.buf[:n]
	return g.buf, nil
}

// GenerateOutgoingMessage builds the secured message in a newly allocated buffer.
func (c *Context) GenerateOutgoingMessage(out *OutgoingMessage) ([]byte, error) {
	return c.generate(out, &growableBuffer{})
}

// GenerateOutgoingMessageInto builds the secured message into buf and returns its
// length. A buffer that is too small is an ErrGeneric failure. The bytes written are
// the same GenerateOutgoingMessage returns.
func (c *Context) GenerateOutgoingMessageInto(out *OutgoingMessage, buf []byte) (int, error) {
	msg, err := c.generate(out, &fixedBuffer{buf: buf})
	return len(msg), err
}

// outgoingIdentity is who the message is sent as.
type outgoingIdentity struct {
	name     string
	engineID []byte
	auth     v3.AuthProtocol
	authKey  []byte
	priv     v3.PrivProtocol
	privKey  []byte
}

func (c *Context) resolveOutgoing(out *OutgoingMessage) (*outgoingIdentity, error) {
	if out.State != nil {
		st := out.State
		if st.released() {
			c.logger.Printf("usm: outgoing message given a released state reference")
			return nil, fmt.Errorf("%w: state reference already released", ErrGeneric)
		}
		return &outgoingIdentity{
			name:     st.Name,
			engineID: st.EngineID,
			auth:     st.AuthProtocol,
			authKey:  st.AuthKey,
			priv:     st.PrivProtocol,
			privKey:  st.PrivKey,
		}, nil
	}

	u, err := c.Users.Find(out.EngineID, out.SecName, false)
	if err != nil {
		if !errors.Is(err, usmuser.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrGeneric, err)
		}
		if out.SecLevel != v3.NoAuthNoPriv {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSecurityName, out.SecName)
		}
		return &outgoingIdentity{name: out.SecName, engineID: out.EngineID}, nil
	}
	return &outgoingIdentity{
		name:     out.SecName,
		engineID: out.EngineID,
		auth:     u.AuthProtocol,
		authKey:  u.AuthKey,
		priv:     u.PrivProtocol,
		privKey:  u.PrivKey,
	}, nil
}

// generate is shared by both variants: resolve, validate, encrypt, size, then write
// forward and patch the MAC in place.
func (c *Context) generate(out *OutgoingMessage, w bufferWriter) ([]byte, error) {
	if out == nil {
		return nil, fmt.Errorf("%w: nil outgoing message", ErrGeneric)
	}
	defer out.State.Release()

	if !out.SecLevel.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSecurityLevel, out.SecLevel)
	}
	id, err := c.resolveOutgoing(out)
	if err != nil {
		return nil, err
	}
	if len(id.name) > MaxUserNameLen {
		return nil, fmt.Errorf("%w: user name longer than %d bytes", ErrGeneric, MaxUserNameLen)
	}
	if !v3.Supports(out.SecLevel, id.auth, id.priv) {
		return nil, fmt.Errorf("%w: %s with auth %s priv %s", ErrUnsupportedSecurityLevel, out.SecLevel, id.auth, id.priv)
	}
	boots, engineTime := c.engineBootsTime(id.engineID)

	data := out.ScopedPDU
	var salt, authParams []byte
	if out.SecLevel.RequiresPriv() {
		var iv []byte
		salt, iv, err = c.newSalt(id.priv, id.privKey, boots, engineTime)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
		}
		ciphertext, err := c.Crypto.Encrypt(id.priv, id.privKey, iv, out.ScopedPDU)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
		}
		data = ber.Encode(ber.TagOctetString, ciphertext)
	}
	if out.SecLevel.RequiresAuth() {
		authParams = make([]byte, id.auth.MACLen())
	}

	usmLen := ber.TLVLen(len(id.engineID)) +
		ber.IntegerLen(int64(boots)) +
		ber.IntegerLen(int64(engineTime)) +
		ber.TLVLen(len(id.name)) +
		ber.TLVLen(len(authParams)) +
		ber.TLVLen(len(salt))
	secParamsLen := ber.TLVLen(usmLen)
	msgLen := len(out.GlobalData) + ber.TLVLen(secParamsLen) + len(data)
	total := ber.TLVLen(msgLen)

	buf, err := w.buffer(total)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneric, err)
	}
	cur := ber.NewCursor(buf)
	authOffset, err := writeMessage(cur, out.GlobalData, msgLen, secParamsLen, usmLen, id, boots, engineTime, authParams, salt, data)
	if err != nil {
		c.logger.Printf("usm: message layout mismatch: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrGeneric, err)
	}
	if cur.Offset() != total {
		c.logger.Printf("usm: message layout mismatch: wrote %d of %d bytes", cur.Offset(), total)
		return nil, fmt.Errorf("%w: wrote %d of %d bytes", ErrGeneric, cur.Offset(), total)
	}

	if out.SecLevel.RequiresAuth() {
		mac, err := c.Crypto.Hash(id.auth, id.authKey, buf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGeneric, err)
		}
		copy(buf[authOffset:authOffset+len(authParams)], mac)
	}
	return buf, nil
}

// writeMessage lays out the SNMPv3 message and returns the offset of the zeroed
// msgAuthenticationParameters value.
func writeMessage(cur *ber.Cursor, globalData []byte, msgLen, secParamsLen, usmLen int,
	id *outgoingIdentity, boots, engineTime uint32, authParams, salt, data []byte) (int, error) {
	if err := cur.WriteHeader(ber.TagSequence, msgLen); err != nil {
		return 0, err
	}
	if _, err := cur.WriteRaw(globalData); err != nil {
		return 0, err
	}
	if err := cur.WriteHeader(ber.TagOctetString, secParamsLen); err != nil {
		return 0, err
	}
	if err := cur.WriteHeader(ber.TagSequence, usmLen); err != nil {
		return 0, err
	}
	if _, err := cur.WriteOctetString(id.engineID); err != nil {
		return 0, err
	}
	if err := cur.WriteInteger(int64(boots)); err != nil {
		return 0, err
	}
	if err := cur.WriteInteger(int64(engineTime)); err != nil {
		return 0, err
	}
	if _, err := cur.WriteOctetString([]byte(id.name)); err != nil {
		return 0, err
	}
	authOffset, err := cur.WriteOctetString(authParams)
	if err != nil {
		return 0, err
	}
	if _, err := cur.WriteOctetString(salt); err != nil {
		return 0, err
	}
	if _, err := cur.WriteRaw(data); err != nil {
		return 0, err
	}
	return authOffset, nil
}
