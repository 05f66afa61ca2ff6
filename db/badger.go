package db

import (
	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
)

// BadgerDB is a wrapper around the badger database.
type BadgerDB struct {
	db *badger.DB
}

var _ Database = (*BadgerDB)(nil)

// NewBadgerDB opens a badger database in the supplied directory.
func NewBadgerDB(databaseDir string) (*BadgerDB, error) {
	db, err := badger.Open(badger.DefaultOptions(databaseDir))
	if err != nil {
		return nil, errors.Wrapf(err, "could not open database at %s", databaseDir)
	}

	return &BadgerDB{
		db: db,
	}, nil
}

// Get gets the value for a key.
func (b *BadgerDB) Get(key []byte) ([]byte, error) {
	txn := b.db.NewTransaction(false)
	defer txn.Discard()
	i, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return i.ValueCopy(nil)
}

// Set sets a single key.
func (b *BadgerDB) Set(key []byte, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes a key.
func (b *BadgerDB) Delete(key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Batch applies all writes in a single transaction.
func (b *BadgerDB) Batch(writes []Write) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, w := range writes {
			var err error
			if w.Delete {
				err = txn.Delete(w.Key)
			} else {
				err = txn.Set(w.Key, w.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Iterate calls fn for each key with the prefix in ascending order.
func (b *BadgerDB) Iterate(prefix []byte, fn func(key []byte, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database.
func (b *BadgerDB) Close() error {
	return b.db.Close()
}
