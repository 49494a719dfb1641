package usmuser

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	v3 "github.com/debashish-mukherjee/go-snmpusm/internal/v3"
)

const lineFields = 11

// MarshalLine renders u as one config line:
// status storageType engineID name secName cloneFrom authOID authKey privOID privKey publicString
func MarshalLine(u *User) string {
	cloneFrom := u.CloneFrom
	if cloneFrom == "" {
		cloneFrom = v3.OIDZeroDotZero
	}
	fields := []string{
		strconv.Itoa(int(u.Status)),
		strconv.Itoa(int(u.StorageType)),
		encodeOctets(u.EngineID),
		encodeOctets([]byte(u.Name)),
		encodeOctets([]byte(u.SecName)),
		cloneFrom,
		u.AuthProtocol.OID(),
		encodeOctets(u.AuthKey),
		u.PrivProtocol.OID(),
		encodeOctets(u.PrivKey),
		encodeOctets(u.PublicString),
	}
	return strings.Join(fields, " ")
}

// ParseLine is the inverse of MarshalLine.
func ParseLine(line string) (*User, error) {
	fields := strings.Fields(line)
	if len(fields) != lineFields {
		return nil, fmt.Errorf("expected %d fields, got %d", lineFields, len(fields))
	}
	status, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	storage, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("storage type: %w", err)
	}

	var octets [6][]byte
	for i, idx := range []int{2, 3, 4, 7, 9, 10} {
		if octets[i], err = decodeOctets(fields[idx]); err != nil {
			return nil, fmt.Errorf("field %d: %w", idx+1, err)
		}
	}
	auth, err := v3.AuthProtocolFromOID(fields[6])
	if err != nil {
		return nil, err
	}
	priv, err := v3.PrivProtocolFromOID(fields[8])
	if err != nil {
		return nil, err
	}
	cloneFrom := fields[5]
	if cloneFrom == v3.OIDZeroDotZero {
		cloneFrom = ""
	}

	u := &User{
		Status:       Status(status),
		StorageType:  StorageType(storage),
		EngineID:     octets[0],
		Name:         string(octets[1]),
		SecName:      string(octets[2]),
		CloneFrom:    cloneFrom,
		AuthProtocol: auth,
		AuthKey:      octets[3],
		PrivProtocol: priv,
		PrivKey:      octets[4],
		PublicString: octets[5],
	}
	return u, nil
}

// encodeOctets writes printable strings quoted and everything else as 0x-prefixed hex.
func encodeOctets(b []byte) string {
	if len(b) == 0 {
		return `""`
	}
	for _, c := range b {
		if c <= ' ' || c > '~' || c == '"' || c == '\\' {
			return "0x" + hex.EncodeToString(b)
		}
	}
	return `"` + string(b) + `"`
}

func decodeOctets(s string) ([]byte, error) {
	switch {
	case len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"':
		if len(s) == 2 {
			return nil, nil
		}
		return []byte(s[1 : len(s)-1]), nil
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		return hex.DecodeString(s[2:])
	default:
		return nil, fmt.Errorf("bad octet string %q", s)
	}
}

// Save writes the active non-volatile users, one per line, in table order.
func (s *Store) Save(w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	n := 0
	var err error
	s.Walk(func(u *User) bool {
		if u.StorageType != StorageNonVolatile || !u.Active() {
			return true
		}
		if _, err = fmt.Fprintln(bw, MarshalLine(u)); err != nil {
			return false
		}
		n++
		return true
	})
	if err != nil {
		return n, err
	}
	return n, bw.Flush()
}

// Load inserts every user line from r. Blank lines and # comments are skipped.
func (s *Store) Load(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	n, lineNo := 0, 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, err := ParseLine(line)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", lineNo, err)
		}
		old, err := s.Insert(u)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if old != nil {
			old.Scrub()
		}
		n++
	}
	return n, sc.Err()
}

// SaveFile writes the table to path through a temporary file and rename.
func (s *Store) SaveFile(path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".usmusers-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := s.Save(tmp)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	return n, os.Rename(tmp.Name(), path)
}

// LoadFile loads path. A missing file is an empty table.
func (s *Store) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	return s.Load(f)
}
