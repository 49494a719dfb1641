package usm

import (
	"errors"
	"strings"
)

// Error kinds returned by the message engine. Callers match them with errors.Is.
var (
	ErrParse                    = errors.New("usm: parse error")
	ErrUnknownEngineID          = errors.New("usm: unknown engine ID")
	ErrUnknownSecurityName      = errors.New("usm: unknown security name")
	ErrUnsupportedSecurityLevel = errors.New("usm: unsupported security level")
	ErrAuthenticationFailure    = errors.New("usm: authentication failure")
	ErrNotInTimeWindow          = errors.New("usm: not in time window")
	ErrDecryption               = errors.New("usm: decryption error")
	ErrEncryption               = errors.New("usm: encryption error")
	ErrGeneric                  = errors.New("usm: generic error")
)

// Reportable reports whether err is a kind the peer should learn about through a
// Report PDU. Parse and internal errors are dropped silently.
func Reportable(err error) bool {
	_, ok := statForError(err)
	return ok
}

// StatOID returns the usmStats counter instance OID that describes err.
func StatOID(err error) (string, bool) {
	k, ok := statForError(err)
	if !ok {
		return "", false
	}
	return k.OID(), true
}

func statForError(err error) (StatKind, bool) {
	switch {
	case err == nil:
		return 0, false
	case errors.Is(err, ErrUnsupportedSecurityLevel):
		return StatUnsupportedSecLevels, true
	case errors.Is(err, ErrNotInTimeWindow):
		return StatNotInTimeWindows, true
	case errors.Is(err, ErrUnknownSecurityName):
		return StatUnknownUserNames, true
	case errors.Is(err, ErrUnknownEngineID):
		return StatUnknownEngineIDs, true
	case errors.Is(err, ErrAuthenticationFailure):
		return StatWrongDigests, true
	case errors.Is(err, ErrDecryption):
		return StatDecryptionErrors, true
	default:
		return 0, false
	}
}

var statErrors = [numStats]error{
	ErrUnsupportedSecurityLevel,
	ErrNotInTimeWindow,
	ErrUnknownSecurityName,
	ErrUnknownEngineID,
	ErrAuthenticationFailure,
	ErrDecryption,
}

// ErrorForStatOID maps a usmStats varbind name from a received Report back to the
// error kind it announces. A leading dot is accepted.
func ErrorForStatOID(oid string) (error, bool) {
	oid = strings.TrimPrefix(oid, ".")
	for _, k := range AllStats {
		if k.OID() == oid {
			return statErrors[k], true
		}
	}
	return nil, false
}
