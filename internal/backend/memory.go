package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process backend. It records deletes and can be told to
// fail them, which makes it useful for exercising reclaim.
type Memory struct {
	name string

	mu        sync.Mutex
	blobs     map[string][]byte
	deletes   []Location
	failNext  int
	failErr   error
	unhealthy error
}

// NewMemory creates an empty in-memory backend.
func NewMemory(name string) *Memory {
	return &Memory{name: name, blobs: make(map[string][]byte)}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Put(ctx context.Context, r io.Reader, size int64) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	data, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return Location{}, err
	}
	if int64(len(data)) != size {
		return Location{}, fmt.Errorf("short blob: got %d of %d bytes", len(data), size)
	}
	key := uuid.NewString()
	m.mu.Lock()
	m.blobs[key] = data
	m.mu.Unlock()
	return Location{Key: key, Backend: m.name, Size: size}, nil
}

func (m *Memory) Get(ctx context.Context, loc Location) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[loc.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loc.ID())
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Delete(ctx context.Context, loc Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return m.failErr
	}
	delete(m.blobs, loc.Key)
	m.deletes = append(m.deletes, loc)
	return nil
}

func (m *Memory) Healthcheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unhealthy
}

// Has reports whether the blob for loc is stored.
func (m *Memory) Has(loc Location) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[loc.Key]
	return ok
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

// Deletes returns the locations successfully deleted so far.
func (m *Memory) Deletes() []Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Location(nil), m.deletes...)
}

// FailDeletes makes the next n deletes return err.
func (m *Memory) FailDeletes(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

// SetUnhealthy makes Healthcheck return err.
func (m *Memory) SetUnhealthy(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unhealthy = err
}
