// Package meta provides the metadata substrate used by the object engine:
// named namespaces of ordered keys with atomic, conditional batch commits.
package meta

import (
	"context"
	"errors"
)

// Metadata store errors.
var (
	ErrNotFound          = errors.New("key not found")
	ErrConflict          = errors.New("conditional write conflict")
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrNamespaceExists   = errors.New("namespace already exists")
	ErrClosed            = errors.New("store closed")
)

// Mutation is a single write inside a Batch.
type Mutation struct {
	Key    string
	Value  []byte
	Delete bool
}

// Condition guards a Batch. A nil Value requires the key to be absent,
// otherwise the stored bytes must equal Value exactly.
type Condition struct {
	Key   string
	Value []byte
}

// Batch is applied atomically: either every condition holds and every
// mutation is applied, or nothing is.
type Batch struct {
	Conditions []Condition
	Mutations  []Mutation
}

// Put appends a put mutation.
func (b *Batch) Put(key string, value []byte) {
	b.Mutations = append(b.Mutations, Mutation{Key: key, Value: value})
}

// Delete appends a delete mutation.
func (b *Batch) Delete(key string) {
	b.Mutations = append(b.Mutations, Mutation{Key: key, Delete: true})
}

// Expect appends a condition on the current value of key.
func (b *Batch) Expect(key string, value []byte) {
	b.Conditions = append(b.Conditions, Condition{Key: key, Value: value})
}

// ExpectAbsent appends a condition that key does not exist.
func (b *Batch) ExpectAbsent(key string) {
	b.Conditions = append(b.Conditions, Condition{Key: key})
}

// Entry is a key/value pair returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// ScanOptions restricts a scan. Keys are visited in byte order starting at
// the larger of Prefix and Start. Limit of 0 means no limit.
type ScanOptions struct {
	Prefix string
	Start  string
	Limit  int
}

// ScanFunc is called for each entry; returning false stops the scan.
type ScanFunc func(Entry) (bool, error)

// Store is the metadata store interface.
type Store interface {
	CreateNamespace(ctx context.Context, ns string) error
	DeleteNamespace(ctx context.Context, ns string) error
	Namespaces(ctx context.Context) ([]string, error)
	Get(ctx context.Context, ns, key string) ([]byte, error)
	Commit(ctx context.Context, ns string, b *Batch) error
	Scan(ctx context.Context, ns string, opts ScanOptions, fn ScanFunc) error
	Close() error
}
