package usmuser

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/armon/go-radix"
)

// ErrNotFound is returned when no user matches (engineID, name).
var ErrNotFound = errors.New("user not found")

// Store is an ordered user table. Keys sort by engine ID length, engine ID, name length
// and name, which is usmUserTable index order, so Walk and Next give GetNext semantics.
type Store struct {
	mu     sync.RWMutex
	tree   *radix.Tree
	noName *User
}

// NewStore creates an empty table with its no-name discovery user.
func NewStore() *Store {
	return &Store{
		tree: radix.New(),
		noName: &User{
			Status:      StatusActive,
			StorageType: StorageVolatile,
		},
	}
}

// indexKey encodes the table index as a byte string whose lexical order is index order.
func indexKey(engineID []byte, name string) string {
	buf := make([]byte, 0, 4+len(engineID)+len(name))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(engineID)))
	buf = append(buf, engineID...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	return string(buf)
}

// NoNameUser returns the empty-name user used for engine ID discovery.
func (s *Store) NoNameUser() *User {
	return s.noName
}

// Find looks up (engineID, name). With allowDefault, an empty name that is not in the
// table resolves to the no-name user.
func (s *Store) Find(engineID []byte, name string, allowDefault bool) (*User, error) {
	s.mu.RLock()
	v, ok := s.tree.Get(indexKey(engineID, name))
	s.mu.RUnlock()
	if ok {
		return v.(*User), nil
	}
	if allowDefault && name == "" {
		return s.noName, nil
	}
	return nil, fmt.Errorf("%w: %q@%x", ErrNotFound, name, engineID)
}

// Insert adds u. An existing entry with the same (engineID, name) is replaced and
// returned; the caller scrubs it. Message processing copies keys at lookup, so a
// scrubbed entry never affects a message already in progress.
func (s *Store) Insert(u *User) (*User, error) {
	if u == nil {
		return nil, errors.New("nil user")
	}
	if len(u.EngineID) > 0xffff || len(u.Name) > 0xffff {
		return nil, fmt.Errorf("user index too long")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, replaced := s.tree.Insert(indexKey(u.EngineID, u.Name), u)
	if replaced {
		return old.(*User), nil
	}
	return nil, nil
}

// Remove unlinks and returns the entry for (engineID, name) without scrubbing it.
func (s *Store) Remove(engineID []byte, name string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.tree.Delete(indexKey(engineID, name))
	if !ok {
		return nil, false
	}
	return v.(*User), true
}

// Walk visits users in index order until fn returns false.
func (s *Store) Walk(fn func(*User) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tree.Walk(func(_ string, v interface{}) bool {
		return !fn(v.(*User))
	})
}

// Next returns the first user strictly after (engineID, name) in index order.
func (s *Store) Next(engineID []byte, name string) (*User, bool) {
	after := indexKey(engineID, name)
	var next *User
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tree.Walk(func(k string, v interface{}) bool {
		if k > after {
			next = v.(*User)
			return true
		}
		return false
	})
	return next, next != nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Clear removes every user and scrubs the removed keys.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Walk(func(_ string, v interface{}) bool {
		v.(*User).Scrub()
		return false
	})
	s.tree = radix.New()
}
