package v3

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Engine ID length bounds from SNMP-FRAMEWORK-MIB.
const (
	MinEngineIDLen = 5
	MaxEngineIDLen = 32
)

// enterprisePrefix is the net-snmp enterprise number with the RFC 3411 format bit set.
var enterprisePrefix = []byte{0x80, 0x00, 0x1F, 0x88}

const (
	engineIDFormatText   = 0x04
	engineIDFormatOctets = 0x05
)

// EngineState is the persisted boot counter of one local engine ID.
type EngineState struct {
	EngineID string `json:"engine_id"`
	Boots    uint32 `json:"boots"`
	Updated  int64  `json:"updated"`
}

type EngineStateStore struct {
	path  string
	mu    sync.Mutex
	state map[string]EngineState
}

func NewEngineStateStore(path string) (*EngineStateStore, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "go-snmpusm-engine-state.json")
	}
	store := &EngineStateStore{path: path, state: map[string]EngineState{}}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// GenerateEngineID builds an octets-format engine ID whose suffix is derived from seed.
func GenerateEngineID(seed string) []byte {
	if seed == "" {
		seed = fmt.Sprintf("snmpusm-%d", time.Now().UnixNano())
	}
	h := sha1.Sum([]byte(seed))
	id := append([]byte{}, enterprisePrefix...)
	id = append(id, engineIDFormatOctets)
	return append(id, h[:12]...)
}

// ParseEngineID accepts hex (with or without 0x) and falls back to a text-format engine
// ID for anything else. An empty input yields an empty ID.
func ParseEngineID(input string) ([]byte, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, nil
	}
	clean := strings.TrimPrefix(strings.ToLower(trimmed), "0x")
	clean = strings.ReplaceAll(clean, ":", "")
	if decoded, err := hex.DecodeString(clean); err == nil {
		return decoded, ValidateEngineID(decoded)
	}
	id := append([]byte{}, enterprisePrefix...)
	id = append(id, engineIDFormatText)
	id = append(id, trimmed...)
	return id, ValidateEngineID(id)
}

func ValidateEngineID(id []byte) error {
	if len(id) < MinEngineIDLen || len(id) > MaxEngineIDLen {
		return fmt.Errorf("engine ID length %d outside %d..%d", len(id), MinEngineIDLen, MaxEngineIDLen)
	}
	return nil
}

// EnsureBoots increments and persists the boot counter for engineID, starting at 1.
func (s *EngineStateStore) EnsureBoots(engineID []byte) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mapKey := hex.EncodeToString(engineID)

	st, ok := s.state[mapKey]
	if !ok {
		st = EngineState{EngineID: mapKey, Boots: 1, Updated: time.Now().Unix()}
	} else {
		st.EngineID = mapKey
		if st.Boots < MaxBoots {
			st.Boots++
		}
		st.Updated = time.Now().Unix()
	}
	s.state[mapKey] = st
	return st.Boots, s.save()
}

func (s *EngineStateStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(b, &s.state)
}

func (s *EngineStateStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o600)
}

// MaxBoots is the largest snmpEngineBoots value; an engine that reaches it is latched.
const MaxBoots = 1<<31 - 1
