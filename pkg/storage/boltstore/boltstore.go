// Package boltstore is the production implementation of storage.Store,
// backed by a single bbolt database file with one bucket per namespace.
package boltstore

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/meshcore/meshnode/pkg/errkind"
	"github.com/meshcore/meshnode/pkg/storage"
)

var namespaces = []string{
	storage.NamespaceIdentity,
	storage.NamespacePeers,
	storage.NamespaceResults,
	storage.NamespaceStatus,
	storage.NamespaceConfig,
}

// Store is a bbolt-backed storage.Store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the node database under dataDir and
// ensures every known namespace bucket exists.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "meshnode.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, fmt.Errorf("open %s: %w", dbPath, err))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, ns := range namespaces {
			if _, err := tx.CreateBucketIfNotExists([]byte(ns)); err != nil {
				return fmt.Errorf("create bucket %s: %w", ns, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errkind.Wrap(errkind.StorageUnavailable, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Put(namespace, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, namespace)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, err)
	}
	return nil
}

func (s *Store) Get(namespace, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, namespace)
		if err != nil {
			return err
		}
		v := b.Get([]byte(key))
		if v == nil {
			return notFoundErr(namespace, key)
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		var ne *errkind.Error
		if errors.As(err, &ne) {
			return nil, err
		}
		return nil, errkind.Wrap(errkind.StorageUnavailable, err)
	}
	return out, nil
}

func (s *Store) Delete(namespace, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, namespace)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, err)
	}
	return nil
}

func (s *Store) Iterate(namespace, prefix string) ([]storage.KV, error) {
	var result []storage.KV
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, namespace)
		if err != nil {
			return err
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			cp := make([]byte, len(v))
			copy(cp, v)
			result = append(result, storage.KV{Key: string(k), Value: cp})
		}
		return nil
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, err)
	}
	return result, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func bucket(tx *bolt.Tx, namespace string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(namespace))
	if b == nil {
		return nil, fmt.Errorf("unknown namespace %q", namespace)
	}
	return b, nil
}

func notFoundErr(namespace, key string) error {
	return errkind.Wrap(errkind.NotFound, fmt.Errorf("boltstore: key not found in %s: %s", namespace, key))
}
