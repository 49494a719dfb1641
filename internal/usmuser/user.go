// Package usmuser holds the USM user table: localized credentials keyed by
// (engine ID, user name) and kept in usmUserTable index order.
package usmuser

import (
	"fmt"

	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

// Status follows the SNMPv2-TC RowStatus values.
type Status int

const (
	StatusActive Status = iota + 1
	StatusNotInService
	StatusNotReady
	StatusCreateAndGo
	StatusCreateAndWait
	StatusDestroy
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusNotInService:
		return "notInService"
	case StatusNotReady:
		return "notReady"
	case StatusCreateAndGo:
		return "createAndGo"
	case StatusCreateAndWait:
		return "createAndWait"
	case StatusDestroy:
		return "destroy"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StorageType follows the SNMPv2-TC StorageType values.
type StorageType int

const (
	StorageOther StorageType = iota + 1
	StorageVolatile
	StorageNonVolatile
	StoragePermanent
	StorageReadOnly
)

func (s StorageType) String() string {
	switch s {
	case StorageOther:
		return "other"
	case StorageVolatile:
		return "volatile"
	case StorageNonVolatile:
		return "nonVolatile"
	case StoragePermanent:
		return "permanent"
	case StorageReadOnly:
		return "readOnly"
	default:
		return fmt.Sprintf("StorageType(%d)", int(s))
	}
}

// User is one usmUserEntry. Keys are already localized to EngineID. A User is not
// modified after Insert; to change credentials insert a new value.
type User struct {
	EngineID     []byte
	Name         string
	SecName      string
	CloneFrom    string
	AuthProtocol v3.AuthProtocol
	AuthKey      []byte
	PrivProtocol v3.PrivProtocol
	PrivKey      []byte
	PublicString []byte
	Status       Status
	StorageType  StorageType
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.EngineID = cloneBytes(u.EngineID)
	c.AuthKey = cloneBytes(u.AuthKey)
	c.PrivKey = cloneBytes(u.PrivKey)
	c.PublicString = cloneBytes(u.PublicString)
	return &c
}

// Active reports whether the row is usable for message processing.
func (u *User) Active() bool {
	return u.Status == StatusActive
}

// Supports reports whether the user's protocols can serve level.
func (u *User) Supports(level v3.SecurityLevel) bool {
	return v3.Supports(level, u.AuthProtocol, u.PrivProtocol)
}

// Scrub zeroes the key material in place.
func (u *User) Scrub() {
	zero(u.AuthKey)
	zero(u.PrivKey)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
