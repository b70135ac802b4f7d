package meta

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// scanPageSize bounds how many entries a single read transaction copies out,
// so a long listing does not pin one transaction for its whole duration.
const scanPageSize = 256

// BoltStore implements Store on a bbolt database, one bolt bucket per namespace.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateNamespace(ctx context.Context, ns string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(ns)) != nil {
			return ErrNamespaceExists
		}
		_, err := tx.CreateBucket([]byte(ns))
		return err
	})
}

func (s *BoltStore) DeleteNamespace(ctx context.Context, ns string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(ns)) == nil {
			return ErrNamespaceNotFound
		}
		return tx.DeleteBucket([]byte(ns))
	})
}

func (s *BoltStore) Namespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

func (s *BoltStore) Get(ctx context.Context, ns, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b == nil {
			return ErrNamespaceNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Commit applies b atomically. Cancellation is only honoured before the
// transaction starts; once committed the write stands.
func (s *BoltStore) Commit(ctx context.Context, ns string, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(ns))
		if bk == nil {
			return ErrNamespaceNotFound
		}
		for _, c := range b.Conditions {
			cur := bk.Get([]byte(c.Key))
			if c.Value == nil {
				if cur != nil {
					return fmt.Errorf("%w: %q exists", ErrConflict, c.Key)
				}
				continue
			}
			if cur == nil || !bytes.Equal(cur, c.Value) {
				return fmt.Errorf("%w: %q changed", ErrConflict, c.Key)
			}
		}
		for _, m := range b.Mutations {
			var err error
			if m.Delete {
				err = bk.Delete([]byte(m.Key))
			} else {
				err = bk.Put([]byte(m.Key), m.Value)
			}
			if err != nil {
				return fmt.Errorf("apply %q: %w", m.Key, err)
			}
		}
		return nil
	})
}

// Scan visits entries in key order. Entries are copied out in pages, each
// page from its own read transaction, and fn runs outside any transaction.
func (s *BoltStore) Scan(ctx context.Context, ns string, opts ScanOptions, fn ScanFunc) error {
	start := opts.Start
	if start < opts.Prefix {
		start = opts.Prefix
	}
	seen := 0
	inclusive := true

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page := make([]Entry, 0, scanPageSize)
		err := s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(ns))
			if b == nil {
				return ErrNamespaceNotFound
			}
			c := b.Cursor()
			k, v := c.Seek([]byte(start))
			if !inclusive && k != nil && string(k) == start {
				k, v = c.Next()
			}
			for ; k != nil && len(page) < scanPageSize; k, v = c.Next() {
				if !strings.HasPrefix(string(k), opts.Prefix) {
					break
				}
				page = append(page, Entry{Key: string(k), Value: bytes.Clone(v)})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, e := range page {
			more, err := fn(e)
			if err != nil {
				return err
			}
			seen++
			if !more || (opts.Limit > 0 && seen >= opts.Limit) {
				return nil
			}
		}

		if len(page) < scanPageSize {
			return nil
		}
		start = page[len(page)-1].Key
		inclusive = false
	}
}

// IsNamespaceNotFound reports whether err is a missing-namespace error.
func IsNamespaceNotFound(err error) bool {
	return errors.Is(err, ErrNamespaceNotFound)
}
