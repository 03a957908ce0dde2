// Package memory provides an in-memory KV backend, used in tests and when
// the custodian is embedded without persistence.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/nbd-wtf/custodian/store"
)

var _ store.KV = (*Store)(nil)

type Store struct {
	sync.RWMutex
	data map[string][]byte
}

func NewStore() *Store {
	return &Store{
		data: make(map[string][]byte),
	}
}

func (s *Store) Get(key []byte) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	if val, ok := s.data[string(key)]; ok {
		// return a copy to prevent modification of stored data
		cp := make([]byte, len(val))
		copy(cp, val)
		return cp, nil
	}
	return nil, nil
}

func (s *Store) Set(key []byte, value []byte) error {
	s.Lock()
	defer s.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[string(key)] = cp
	return nil
}

func (s *Store) Delete(key []byte) error {
	s.Lock()
	defer s.Unlock()
	delete(s.data, string(key))
	return nil
}

func (s *Store) Update(key []byte, fn func(current []byte) ([]byte, error)) error {
	s.Lock()
	defer s.Unlock()

	var current []byte
	if v, ok := s.data[string(key)]; ok {
		current = make([]byte, len(v))
		copy(current, v)
	}

	next, err := fn(current)
	if err == store.NoOp {
		return nil
	} else if err != nil {
		return err
	}

	if next == nil {
		delete(s.data, string(key))
	} else {
		cp := make([]byte, len(next))
		copy(cp, next)
		s.data[string(key)] = cp
	}
	return nil
}

func (s *Store) Scan(prefix []byte, fn func(key []byte, value []byte) bool) error {
	s.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		// copies, like Get and Update, so callers cannot mutate stored data
		cp := make([]byte, len(s.data[k]))
		copy(cp, s.data[k])
		values[i] = cp
	}
	s.RUnlock()

	for i, k := range keys {
		if !fn([]byte(k), values[i]) {
			break
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.Lock()
	defer s.Unlock()
	s.data = nil
	return nil
}
