package usm

import (
	"errors"
	"fmt"

	"github.com/debashish-mukherjee/go-snmpusm/internal/usmuser"
	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

// StateReference is the credential snapshot taken for one request so the matching
// response is secured with the same keys even if the user table changes in between.
// The holder owns it and must call Release.
type StateReference struct {
	Name         string
	EngineID     []byte
	SecLevel     v3.SecurityLevel
	AuthProtocol v3.AuthProtocol
	AuthKey      []byte
	PrivProtocol v3.PrivProtocol
	PrivKey      []byte
}

func newStateReference(u *usmuser.User, engineID []byte, level v3.SecurityLevel) *StateReference {
	return &StateReference{
		Name:         u.Name,
		EngineID:     append([]byte(nil), engineID...),
		SecLevel:     level,
		AuthProtocol: u.AuthProtocol,
		AuthKey:      append([]byte(nil), u.AuthKey...),
		PrivProtocol: u.PrivProtocol,
		PrivKey:      append([]byte(nil), u.PrivKey...),
	}
}

// Snapshot captures the credentials a request to engineID as name is sent with. An
// unknown name is only allowed at noAuthNoPriv and yields a keyless reference.
func (c *Context) Snapshot(engineID []byte, name string, level v3.SecurityLevel) (*StateReference, error) {
	u, err := c.Users.Find(engineID, name, false)
	if err != nil {
		if !errors.Is(err, usmuser.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrGeneric, err)
		}
		if level != v3.NoAuthNoPriv {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSecurityName, name)
		}
		return &StateReference{Name: name, EngineID: append([]byte(nil), engineID...), SecLevel: level}, nil
	}
	return newStateReference(u, engineID, level), nil
}

func (s *StateReference) Clone() *StateReference {
	if s == nil {
		return nil
	}
	c := *s
	c.EngineID = append([]byte(nil), s.EngineID...)
	c.AuthKey = append([]byte(nil), s.AuthKey...)
	c.PrivKey = append([]byte(nil), s.PrivKey...)
	return &c
}

// Release zeroes the key material and empties the reference. It is safe to call more
// than once and on nil.
func (s *StateReference) Release() {
	if s == nil {
		return
	}
	for i := range s.AuthKey {
		s.AuthKey[i] = 0
	}
	for i := range s.PrivKey {
		s.PrivKey[i] = 0
	}
	*s = StateReference{}
}

func (s *StateReference) released() bool {
	return s.EngineID == nil && s.Name == "" && s.SecLevel == 0
}
