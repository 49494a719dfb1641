package usmuser

import (
	"errors"
	"fmt"

	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

// ErrKeyDerivation wraps failures turning a passphrase into a localized key.
var ErrKeyDerivation = errors.New("key derivation failed")

// SessionParams describes the credentials a session or config entry brings. Keys given
// directly are taken as already localized; otherwise the passphrases are used.
type SessionParams struct {
	SecName        string
	EngineID       []byte
	AuthProtocol   v3.AuthProtocol
	AuthPassphrase string
	AuthKey        []byte
	PrivProtocol   v3.PrivProtocol
	PrivPassphrase string
	PrivKey        []byte
}

// LocalizePassphrase runs both derivation steps. The auth protocol hash is used for
// privacy keys too.
func LocalizePassphrase(c v3.Crypto, auth v3.AuthProtocol, passphrase string, engineID []byte) ([]byte, error) {
	ku, err := c.PasswordToKey(auth, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	defer zero(ku)
	kul, err := c.LocalizeKey(auth, ku, engineID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	return kul, nil
}

// NewUser builds an active non-volatile user from p, deriving localized keys as needed.
func NewUser(c v3.Crypto, p SessionParams) (*User, error) {
	if c == nil {
		c = v3.DefaultCrypto
	}
	u := &User{
		EngineID:     cloneBytes(p.EngineID),
		Name:         p.SecName,
		SecName:      p.SecName,
		AuthProtocol: p.AuthProtocol,
		PrivProtocol: p.PrivProtocol,
		Status:       StatusActive,
		StorageType:  StorageNonVolatile,
	}
	if p.PrivProtocol != v3.PrivNone && p.AuthProtocol == v3.AuthNone {
		return nil, fmt.Errorf("%w: privacy requires an auth protocol", ErrKeyDerivation)
	}

	if p.AuthProtocol != v3.AuthNone {
		switch {
		case len(p.AuthKey) > 0:
			if len(p.AuthKey) != p.AuthProtocol.KeyLen() {
				return nil, fmt.Errorf("%w: %s key must be %d bytes", ErrKeyDerivation, p.AuthProtocol, p.AuthProtocol.KeyLen())
			}
			u.AuthKey = cloneBytes(p.AuthKey)
		case p.AuthPassphrase != "":
			key, err := LocalizePassphrase(c, p.AuthProtocol, p.AuthPassphrase, p.EngineID)
			if err != nil {
				return nil, err
			}
			u.AuthKey = key
		default:
			return nil, fmt.Errorf("%w: no auth key or passphrase", ErrKeyDerivation)
		}
	}

	if p.PrivProtocol != v3.PrivNone {
		var key []byte
		switch {
		case len(p.PrivKey) > 0:
			key = cloneBytes(p.PrivKey)
		case p.PrivPassphrase != "":
			var err error
			if key, err = LocalizePassphrase(c, p.AuthProtocol, p.PrivPassphrase, p.EngineID); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: no priv key or passphrase", ErrKeyDerivation)
		}
		if len(key) < p.PrivProtocol.KeyLen() {
			return nil, fmt.Errorf("%w: %s key needs %d bytes, auth protocol %s gives %d",
				ErrKeyDerivation, p.PrivProtocol, p.PrivProtocol.KeyLen(), p.AuthProtocol, len(key))
		}
		u.PrivKey = key[:p.PrivProtocol.KeyLen()]
	}
	return u, nil
}

// CreateFromSession inserts a user for the session identity unless one exists already.
// Sessions without an engine ID or security name are skipped; both cases return nil, nil.
func (s *Store) CreateFromSession(c v3.Crypto, p SessionParams) (*User, error) {
	if len(p.EngineID) == 0 || p.SecName == "" {
		return nil, nil
	}
	if existing, err := s.Find(p.EngineID, p.SecName, false); err == nil {
		return existing, nil
	}
	u, err := NewUser(c, p)
	if err != nil {
		return nil, err
	}
	old, err := s.Insert(u)
	if err != nil {
		return nil, err
	}
	if old != nil {
		old.Scrub()
	}
	return u, nil
}
