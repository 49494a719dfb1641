package agent

import (
	"encoding/asn1"

	"github.com/gosnmp/gosnmp"

	"github.com/debashish-mukherjee/go-snmpusm/internal/pdu"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usm"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usmuser"
)

// SNMP-FRAMEWORK-MIB snmpEngine scalars.
const (
	oidEngineID             = "1.3.6.1.6.3.10.2.1.1.0"
	oidEngineBoots          = "1.3.6.1.6.3.10.2.1.2.0"
	oidEngineTime           = "1.3.6.1.6.3.10.2.1.3.0"
	oidEngineMaxMessageSize = "1.3.6.1.6.3.10.2.1.4.0"
)

// usmUserStatus column of usmUserTable; instances are indexed by
// engineID length, engineID octets, name length, name octets.
const oidUserStatus = "1.3.6.1.6.3.15.1.2.2.1.13"

type scalar struct {
	oid   asn1.ObjectIdentifier
	value func(a *Agent) gosnmp.SnmpPDU
}

// scalars is sorted by OID.
var scalars = buildScalars()

func buildScalars() []scalar {
	out := []scalar{
		{mustOID(oidEngineID), func(a *Agent) gosnmp.SnmpPDU {
			return gosnmp.SnmpPDU{Name: "." + oidEngineID, Type: gosnmp.OctetString, Value: append([]byte(nil), a.usm.Local.ID...)}
		}},
		{mustOID(oidEngineBoots), func(a *Agent) gosnmp.SnmpPDU {
			return gosnmp.SnmpPDU{Name: "." + oidEngineBoots, Type: gosnmp.Integer, Value: int(a.usm.Local.Boots)}
		}},
		{mustOID(oidEngineTime), func(a *Agent) gosnmp.SnmpPDU {
			return gosnmp.SnmpPDU{Name: "." + oidEngineTime, Type: gosnmp.Integer, Value: int(a.usm.Local.Time())}
		}},
		{mustOID(oidEngineMaxMessageSize), func(a *Agent) gosnmp.SnmpPDU {
			return gosnmp.SnmpPDU{Name: "." + oidEngineMaxMessageSize, Type: gosnmp.Integer, Value: a.maxMessageSize}
		}},
	}
	for _, k := range usm.AllStats {
		k := k
		out = append(out, scalar{mustOID(k.OID()), func(a *Agent) gosnmp.SnmpPDU {
			return a.usm.StatVarbind(k)
		}})
	}
	return out
}

func mustOID(s string) asn1.ObjectIdentifier {
	oid, err := pdu.ParseOID(s)
	if err != nil {
		panic(err)
	}
	return oid
}

// compareOIDs orders OIDs lexicographically by sub-identifier.
func compareOIDs(a, b asn1.ObjectIdentifier) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func hasPrefix(oid, prefix asn1.ObjectIdentifier) bool {
	return len(oid) >= len(prefix) && compareOIDs(oid[:len(prefix)], prefix) == 0
}

var userStatusColumn = mustOID(oidUserStatus)

// userInstance is the usmUserStatus instance OID for u.
func userInstance(u *usmuser.User) asn1.ObjectIdentifier {
	oid := append(asn1.ObjectIdentifier{}, userStatusColumn...)
	oid = append(oid, len(u.EngineID))
	for _, b := range u.EngineID {
		oid = append(oid, int(b))
	}
	oid = append(oid, len(u.Name))
	for _, b := range []byte(u.Name) {
		oid = append(oid, int(b))
	}
	return oid
}

// parseUserIndex decodes a complete usmUserTable index; ok is false for partial or
// malformed indexes.
func parseUserIndex(index []int) (engineID []byte, name string, ok bool) {
	take := func() ([]byte, bool) {
		if len(index) == 0 || index[0] < 0 || index[0] > len(index)-1 {
			return nil, false
		}
		n := index[0]
		out := make([]byte, n)
		for i := 0; i < n; i++ {
			if index[1+i] < 0 || index[1+i] > 0xff {
				return nil, false
			}
			out[i] = byte(index[1+i])
		}
		index = index[1+n:]
		return out, true
	}
	engineID, ok = take()
	if !ok {
		return nil, "", false
	}
	nameBytes, ok := take()
	if !ok || len(index) != 0 {
		return nil, "", false
	}
	return engineID, string(nameBytes), true
}

func (a *Agent) userVarbind(u *usmuser.User) gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: "." + userInstance(u).String(), Type: gosnmp.Integer, Value: int(u.Status)}
}

// get answers one GET varbind.
func (a *Agent) get(name string) gosnmp.SnmpPDU {
	oid, err := pdu.ParseOID(name)
	if err != nil {
		return gosnmp.SnmpPDU{Name: name, Type: gosnmp.NoSuchObject}
	}
	for _, s := range scalars {
		if compareOIDs(s.oid, oid) == 0 {
			return s.value(a)
		}
	}
	if hasPrefix(oid, userStatusColumn) {
		if eid, user, ok := parseUserIndex(oid[len(userStatusColumn):]); ok {
			if u, err := a.usm.Users.Find(eid, user, false); err == nil {
				return a.userVarbind(u)
			}
		}
		return gosnmp.SnmpPDU{Name: name, Type: gosnmp.NoSuchInstance}
	}
	return gosnmp.SnmpPDU{Name: name, Type: gosnmp.NoSuchObject}
}

// getNext answers one GETNEXT varbind: the scalars, then the usmUserStatus column.
func (a *Agent) getNext(name string) gosnmp.SnmpPDU {
	oid, err := pdu.ParseOID(name)
	if err != nil {
		return gosnmp.SnmpPDU{Name: name, Type: gosnmp.EndOfMibView}
	}
	for _, s := range scalars {
		if compareOIDs(s.oid, oid) > 0 {
			return s.value(a)
		}
	}

	var next *usmuser.User
	if hasPrefix(oid, userStatusColumn) {
		if eid, user, ok := parseUserIndex(oid[len(userStatusColumn):]); ok {
			next, _ = a.usm.Users.Next(eid, user)
			return a.userOrEnd(name, next)
		}
	}
	a.usm.Users.Walk(func(u *usmuser.User) bool {
		if compareOIDs(userInstance(u), oid) > 0 {
			next = u
			return false
		}
		return true
	})
	return a.userOrEnd(name, next)
}

func (a *Agent) userOrEnd(name string, u *usmuser.User) gosnmp.SnmpPDU {
	if u == nil {
		return gosnmp.SnmpPDU{Name: name, Type: gosnmp.EndOfMibView}
	}
	return a.userVarbind(u)
}
