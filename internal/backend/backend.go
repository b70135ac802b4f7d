// Package backend defines the physical storage drivers that hold object bytes.
// Metadata records reference the bytes through Location values.
package backend

import (
	"context"
	"errors"
	"io"
)

// Backend errors.
var (
	ErrNotFound       = errors.New("location not found")
	ErrUnknownBackend = errors.New("unknown backend")
)

// Location identifies one stored blob. Start is the blob's byte offset within
// the object it belongs to; Size is its plaintext length.
type Location struct {
	Key     string `json:"key"`
	Backend string `json:"dataStoreName"`
	Size    int64  `json:"size"`
	Start   int64  `json:"start"`
}

// ID returns the identity of the blob, independent of its position in an object.
func (l Location) ID() string {
	return l.Backend + "/" + l.Key
}

// Same reports whether l and o name the same physical blob.
func (l Location) Same(o Location) bool {
	return l.Key == o.Key && l.Backend == o.Backend
}

// EqualLocations reports whether two location lists reference the same blobs
// in the same order.
func EqualLocations(a, b []Location) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Same(b[i]) {
			return false
		}
	}
	return true
}

// Superseded returns the locations of old that no longer appear in next.
// Equal lists supersede nothing.
func Superseded(old, next []Location) []Location {
	if len(old) == 0 || EqualLocations(old, next) {
		return nil
	}
	keep := make(map[string]struct{}, len(next))
	for _, l := range next {
		keep[l.ID()] = struct{}{}
	}
	var out []Location
	for _, l := range old {
		if _, ok := keep[l.ID()]; !ok {
			out = append(out, l)
		}
	}
	return out
}

// Backend stores and deletes blobs.
type Backend interface {
	Name() string
	Put(ctx context.Context, r io.Reader, size int64) (Location, error)
	// Get returns ErrNotFound when the blob does not exist.
	Get(ctx context.Context, loc Location) (io.ReadCloser, error)
	// Delete returns nil when the blob does not exist.
	Delete(ctx context.Context, loc Location) error
	Healthcheck(ctx context.Context) error
}

// HealthStatus is the health of one backend.
type HealthStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
