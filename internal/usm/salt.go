package usm

import (
	"encoding/binary"
	"fmt"

	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

// newSalt returns the msgPrivacyParameters for one outgoing message and the IV to
// encrypt it with. boots and engineTime are the values the message will carry.
func (c *Context) newSalt(proto v3.PrivProtocol, privKey []byte, boots, engineTime uint32) (salt, iv []byte, err error) {
	switch proto {
	case v3.PrivDES:
		salt = make([]byte, 8)
		localBoots, _ := c.localBootsTime()
		binary.BigEndian.PutUint32(salt[:4], localBoots)
		binary.BigEndian.PutUint32(salt[4:], c.desSalt.Add(1))
	case v3.PrivAES128:
		salt = make([]byte, 8)
		binary.BigEndian.PutUint64(salt, c.aesSalt.Add(1))
	default:
		return nil, nil, fmt.Errorf("unsupported priv protocol %s", proto)
	}
	iv, err = privIV(proto, privKey, salt, boots, engineTime)
	return salt, iv, err
}

// privIV rebuilds the IV from a received or generated salt.
// DES: salt XOR the pre-IV (privKey[8:16]). AES: boots || time || salt.
func privIV(proto v3.PrivProtocol, privKey, salt []byte, boots, engineTime uint32) ([]byte, error) {
	if len(salt) != proto.SaltLen() {
		return nil, fmt.Errorf("salt is %d bytes, want %d", len(salt), proto.SaltLen())
	}
	switch proto {
	case v3.PrivDES:
		if len(privKey) < 16 {
			return nil, fmt.Errorf("%w: DES needs 16 key bytes", v3.ErrShortKey)
		}
		iv := make([]byte, 8)
		for i := range iv {
			iv[i] = salt[i] ^ privKey[8+i]
		}
		return iv, nil
	case v3.PrivAES128:
		iv := make([]byte, 16)
		binary.BigEndian.PutUint32(iv[0:4], boots)
		binary.BigEndian.PutUint32(iv[4:8], engineTime)
		copy(iv[8:], salt)
		return iv, nil
	default:
		return nil, fmt.Errorf("unsupported priv protocol %s", proto)
	}
}
