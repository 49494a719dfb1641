package v3

import (
	"fmt"
	"strings"

	"github.com/gosnmp/gosnmp"
)

type AuthProtocol string

const (
	AuthNone   AuthProtocol = ""
	AuthMD5    AuthProtocol = "MD5"
	AuthSHA1   AuthProtocol = "SHA1"
	AuthSHA224 AuthProtocol = "SHA224"
	AuthSHA256 AuthProtocol = "SHA256"
	AuthSHA384 AuthProtocol = "SHA384"
	AuthSHA512 AuthProtocol = "SHA512"
)

type PrivProtocol string

const (
	PrivNone   PrivProtocol = ""
	PrivDES    PrivProtocol = "DES"
	PrivAES128 PrivProtocol = "AES128"
)

// Protocol identifiers from SNMP-USER-BASED-SM-MIB, RFC 3826 and RFC 7860.
const (
	OIDNoAuth      = "1.3.6.1.6.3.10.1.1.1"
	OIDHMACMD5     = "1.3.6.1.6.3.10.1.1.2"
	OIDHMACSHA     = "1.3.6.1.6.3.10.1.1.3"
	OIDHMACSHA224  = "1.3.6.1.6.3.10.1.1.4"
	OIDHMACSHA256  = "1.3.6.1.6.3.10.1.1.5"
	OIDHMACSHA384  = "1.3.6.1.6.3.10.1.1.6"
	OIDHMACSHA512  = "1.3.6.1.6.3.10.1.1.7"
	OIDNoPriv      = "1.3.6.1.6.3.10.1.2.1"
	OIDDESPriv     = "1.3.6.1.6.3.10.1.2.2"
	OIDAESCFB128   = "1.3.6.1.6.3.10.1.2.4"
	OIDZeroDotZero = "0.0"
)

var authOIDs = map[AuthProtocol]string{
	AuthNone:   OIDNoAuth,
	AuthMD5:    OIDHMACMD5,
	AuthSHA1:   OIDHMACSHA,
	AuthSHA224: OIDHMACSHA224,
	AuthSHA256: OIDHMACSHA256,
	AuthSHA384: OIDHMACSHA384,
	AuthSHA512: OIDHMACSHA512,
}

var privOIDs = map[PrivProtocol]string{
	PrivNone:   OIDNoPriv,
	PrivDES:    OIDDESPriv,
	PrivAES128: OIDAESCFB128,
}

func (p AuthProtocol) String() string {
	if p == AuthNone {
		return "NONE"
	}
	return string(p)
}

// OID returns the protocol's registered object identifier in dotted form.
func (p AuthProtocol) OID() string {
	return authOIDs[p]
}

// MACLen is the number of bytes carried in msgAuthenticationParameters.
func (p AuthProtocol) MACLen() int {
	switch p {
	case AuthMD5, AuthSHA1:
		return 12
	case AuthSHA224:
		return 16
	case AuthSHA256:
		return 24
	case AuthSHA384:
		return 32
	case AuthSHA512:
		return 48
	default:
		return 0
	}
}

// KeyLen is the digest size, which is also the size of Ku and Kul.
func (p AuthProtocol) KeyLen() int {
	switch p {
	case AuthMD5:
		return 16
	case AuthSHA1:
		return 20
	case AuthSHA224:
		return 28
	case AuthSHA256:
		return 32
	case AuthSHA384:
		return 48
	case AuthSHA512:
		return 64
	default:
		return 0
	}
}

func (p AuthProtocol) ToGoSNMP() gosnmp.SnmpV3AuthProtocol {
	switch p {
	case AuthMD5:
		return gosnmp.MD5
	case AuthSHA1:
		return gosnmp.SHA
	case AuthSHA224:
		return gosnmp.SHA224
	case AuthSHA256:
		return gosnmp.SHA256
	case AuthSHA384:
		return gosnmp.SHA384
	case AuthSHA512:
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

// ParseAuthProtocol accepts a protocol name (md5, sha, sha1, sha256, none) or its OID.
func ParseAuthProtocol(s string) (AuthProtocol, error) {
	clean := strings.ToUpper(strings.TrimSpace(s))
	switch clean {
	case "", "NONE", "NOAUTH":
		return AuthNone, nil
	case "SHA":
		return AuthSHA1, nil
	}
	for p := range authOIDs {
		if clean == string(p) && p != AuthNone {
			return p, nil
		}
	}
	return AuthProtocolFromOID(s)
}

// AuthProtocolFromOID maps a dotted OID (leading dot optional) to a protocol.
func AuthProtocolFromOID(oid string) (AuthProtocol, error) {
	oid = strings.TrimPrefix(strings.TrimSpace(oid), ".")
	if oid == OIDZeroDotZero {
		return AuthNone, nil
	}
	for p, o := range authOIDs {
		if o == oid {
			return p, nil
		}
	}
	return AuthNone, fmt.Errorf("unsupported auth protocol: %s", oid)
}

func (p PrivProtocol) String() string {
	if p == PrivNone {
		return "NONE"
	}
	return string(p)
}

func (p PrivProtocol) OID() string {
	return privOIDs[p]
}

// SaltLen is the size of msgPrivacyParameters.
func (p PrivProtocol) SaltLen() int {
	switch p {
	case PrivDES, PrivAES128:
		return 8
	default:
		return 0
	}
}

// KeyLen is the number of localized key bytes the cipher consumes. For DES the upper
// half is the pre-IV.
func (p PrivProtocol) KeyLen() int {
	switch p {
	case PrivDES, PrivAES128:
		return 16
	default:
		return 0
	}
}

func (p PrivProtocol) ToGoSNMP() gosnmp.SnmpV3PrivProtocol {
	switch p {
	case PrivDES:
		return gosnmp.DES
	case PrivAES128:
		return gosnmp.AES
	default:
		return gosnmp.NoPriv
	}
}

// ParsePrivProtocol accepts a protocol name (des, aes, aes128, none) or its OID.
func ParsePrivProtocol(s string) (PrivProtocol, error) {
	clean := strings.ToUpper(strings.TrimSpace(s))
	switch clean {
	case "", "NONE", "NOPRIV":
		return PrivNone, nil
	case "DES":
		return PrivDES, nil
	case "AES", "AES128":
		return PrivAES128, nil
	}
	return PrivProtocolFromOID(s)
}

func PrivProtocolFromOID(oid string) (PrivProtocol, error) {
	oid = strings.TrimPrefix(strings.TrimSpace(oid), ".")
	if oid == OIDZeroDotZero {
		return PrivNone, nil
	}
	for p, o := range privOIDs {
		if o == oid {
			return p, nil
		}
	}
	return PrivNone, fmt.Errorf("unsupported priv protocol: %s", oid)
}

// SecurityLevel is the auth/priv portion of msgFlags.
type SecurityLevel int

const (
	NoAuthNoPriv SecurityLevel = iota + 1
	AuthNoPriv
	AuthPriv
)

func (l SecurityLevel) String() string {
	switch l {
	case NoAuthNoPriv:
		return "noAuthNoPriv"
	case AuthNoPriv:
		return "authNoPriv"
	case AuthPriv:
		return "authPriv"
	default:
		return fmt.Sprintf("SecurityLevel(%d)", int(l))
	}
}

func (l SecurityLevel) Valid() bool {
	return l >= NoAuthNoPriv && l <= AuthPriv
}

func (l SecurityLevel) RequiresAuth() bool {
	return l == AuthNoPriv || l == AuthPriv
}

func (l SecurityLevel) RequiresPriv() bool {
	return l == AuthPriv
}

// Flags returns the msgFlags bits for the level, without the reportable bit.
func (l SecurityLevel) Flags() gosnmp.SnmpV3MsgFlags {
	switch l {
	case AuthNoPriv:
		return gosnmp.AuthNoPriv
	case AuthPriv:
		return gosnmp.AuthPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

// LevelFromFlags extracts the security level from msgFlags. The priv-without-auth
// combination is invalid and reported as an error.
func LevelFromFlags(flags gosnmp.SnmpV3MsgFlags) (SecurityLevel, error) {
	switch flags & gosnmp.AuthPriv {
	case gosnmp.NoAuthNoPriv:
		return NoAuthNoPriv, nil
	case gosnmp.AuthNoPriv:
		return AuthNoPriv, nil
	case gosnmp.AuthPriv:
		return AuthPriv, nil
	default:
		return 0, fmt.Errorf("invalid msgFlags 0x%02x: privacy without authentication", byte(flags))
	}
}

func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "noauthnopriv", "noauth", "1":
		return NoAuthNoPriv, nil
	case "authnopriv", "auth", "2":
		return AuthNoPriv, nil
	case "authpriv", "priv", "3":
		return AuthPriv, nil
	default:
		return 0, fmt.Errorf("unknown security level %q", s)
	}
}

// Supports reports whether a user configured with auth/priv can operate at level.
func Supports(level SecurityLevel, auth AuthProtocol, priv PrivProtocol) bool {
	if level.RequiresPriv() && priv == PrivNone {
		return false
	}
	if level.RequiresAuth() && auth == AuthNone {
		return false
	}
	return true
}
