package v3

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
)

// passwordExpansion is the number of passphrase bytes hashed to produce Ku (RFC 3414 A.2).
const passwordExpansion = 1 << 20

var (
	ErrEmptyPassphrase = errors.New("empty passphrase")
	ErrShortKey        = errors.New("key too short")
	ErrCipherLength    = errors.New("ciphertext length is not a multiple of the block size")
)

// Crypto is the hash and cipher provider the USM engine is written against.
type Crypto interface {
	// Hash returns the keyed MAC of msg truncated to the protocol's MAC length.
	Hash(proto AuthProtocol, key, msg []byte) ([]byte, error)
	CheckHash(proto AuthProtocol, key, msg, mac []byte) (bool, error)
	Encrypt(proto PrivProtocol, key, iv, plaintext []byte) ([]byte, error)
	Decrypt(proto PrivProtocol, key, iv, ciphertext []byte) ([]byte, error)
	RandomBytes(n int) ([]byte, error)
	// PasswordToKey turns a passphrase into the master key Ku.
	PasswordToKey(proto AuthProtocol, passphrase []byte) ([]byte, error)
	// LocalizeKey derives Kul = H(Ku || engineID || Ku).
	LocalizeKey(proto AuthProtocol, ku, engineID []byte) ([]byte, error)
}

// StdCrypto implements Crypto on the standard library primitives. A nil Rand uses crypto/rand.
type StdCrypto struct {
	Rand io.Reader
}

var DefaultCrypto Crypto = StdCrypto{}

func HMACDigest(proto AuthProtocol, key, data []byte) ([]byte, error) {
	hf, err := hashFunc(proto)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(hf, key)
	_, _ = mac.Write(data)
	return mac.Sum(nil), nil
}

func VerifyHMAC(proto AuthProtocol, key, data, digest []byte) (bool, error) {
	computed, err := StdCrypto{}.Hash(proto, key, data)
	if err != nil {
		return false, err
	}
	return hmac.Equal(computed, digest), nil
}

func (StdCrypto) Hash(proto AuthProtocol, key, msg []byte) ([]byte, error) {
	digest, err := HMACDigest(proto, key, msg)
	if err != nil {
		return nil, err
	}
	return digest[:proto.MACLen()], nil
}

func (c StdCrypto) CheckHash(proto AuthProtocol, key, msg, mac []byte) (bool, error) {
	return VerifyHMAC(proto, key, msg, mac)
}

func (StdCrypto) PasswordToKey(proto AuthProtocol, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	hf, err := hashFunc(proto)
	if err != nil {
		return nil, err
	}

	h := hf()
	buf := make([]byte, 64)
	idx := 0
	for count := 0; count < passwordExpansion; count += len(buf) {
		for i := range buf {
			buf[i] = passphrase[idx%len(passphrase)]
			idx++
		}
		_, _ = h.Write(buf)
	}
	return h.Sum(nil), nil
}

func (StdCrypto) LocalizeKey(proto AuthProtocol, ku, engineID []byte) ([]byte, error) {
	hf, err := hashFunc(proto)
	if err != nil {
		return nil, err
	}
	h := hf()
	_, _ = h.Write(ku)
	_, _ = h.Write(engineID)
	_, _ = h.Write(ku)
	return h.Sum(nil), nil
}

// Encrypt runs DES-CBC (plaintext zero padded to the block size) or AES-CFB128 with the
// given IV. key is the localized privacy key; only its leading cipher-key bytes are used.
func (StdCrypto) Encrypt(proto PrivProtocol, key, iv, plaintext []byte) ([]byte, error) {
	block, err := blockForPriv(proto, key)
	if err != nil {
		return nil, err
	}
	if len(iv) < block.BlockSize() {
		return nil, fmt.Errorf("iv too short: need at least %d bytes", block.BlockSize())
	}
	switch proto {
	case PrivDES:
		padded := make([]byte, roundUp(len(plaintext), des.BlockSize))
		copy(padded, plaintext)
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv[:block.BlockSize()]).CryptBlocks(out, padded)
		return out, nil
	default:
		out := make([]byte, len(plaintext))
		cipher.NewCFBEncrypter(block, iv[:block.BlockSize()]).XORKeyStream(out, plaintext)
		return out, nil
	}
}

func (StdCrypto) Decrypt(proto PrivProtocol, key, iv, ciphertext []byte) ([]byte, error) {
	block, err := blockForPriv(proto, key)
	if err != nil {
		return nil, err
	}
	if len(iv) < block.BlockSize() {
		return nil, fmt.Errorf("iv too short: need at least %d bytes", block.BlockSize())
	}
	out := make([]byte, len(ciphertext))
	switch proto {
	case PrivDES:
		if len(ciphertext)%des.BlockSize != 0 {
			return nil, fmt.Errorf("%w: %d", ErrCipherLength, len(ciphertext))
		}
		cipher.NewCBCDecrypter(block, iv[:block.BlockSize()]).CryptBlocks(out, ciphertext)
	default:
		cipher.NewCFBDecrypter(block, iv[:block.BlockSize()]).XORKeyStream(out, ciphertext)
	}
	return out, nil
}

func (c StdCrypto) RandomBytes(n int) ([]byte, error) {
	r := c.Rand
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

func hashFunc(proto AuthProtocol) (func() hash.Hash, error) {
	switch proto {
	case AuthMD5:
		return md5.New, nil
	case AuthSHA1:
		return sha1.New, nil
	case AuthSHA224:
		return sha256.New224, nil
	case AuthSHA256:
		return sha256.New, nil
	case AuthSHA384:
		return sha512.New384, nil
	case AuthSHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported auth protocol: %s", proto)
	}
}

func blockForPriv(proto PrivProtocol, key []byte) (cipher.Block, error) {
	if len(key) < proto.KeyLen() {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortKey, proto, proto.KeyLen(), len(key))
	}
	switch proto {
	case PrivDES:
		return des.NewCipher(key[:des.BlockSize])
	case PrivAES128:
		return aes.NewCipher(key[:16])
	default:
		return nil, fmt.Errorf("unsupported priv protocol: %s", proto)
	}
}

func roundUp(n, block int) int {
	if n%block == 0 {
		return n
	}
	return n + block - n%block
}
