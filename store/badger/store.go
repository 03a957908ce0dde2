// Package badger provides the on-disk KV backend used by the custodian
// daemon.
package badger

import (
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/nbd-wtf/custodian/store"
)

// errStopIteration signals an early, non-error exit from Scan's iterator loop.
var errStopIteration = errors.New("stop iteration")

var _ store.KV = (*Store)(nil)

type Store struct {
	db *badger.DB
}

func NewStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var valCopy []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			valCopy = make([]byte, len(val))
			copy(valCopy, val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return valCopy, nil
}

func (s *Store) Set(key []byte, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *Store) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *Store) Update(key []byte, fn func(current []byte) ([]byte, error)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var current []byte
		item, err := txn.Get(key)
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if err == nil {
			current, err = item.ValueCopy(nil)
			if err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err == store.NoOp {
			return nil
		} else if err != nil {
			return err
		}

		if next == nil {
			return txn.Delete(key)
		}
		return txn.Set(key, next)
	})
}

func (s *Store) Scan(prefix []byte, fn func(key []byte, value []byte) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(v []byte) error {
				if !fn(item.Key(), v) {
					return errStopIteration
				}
				return nil
			})
			if err == errStopIteration {
				break
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
