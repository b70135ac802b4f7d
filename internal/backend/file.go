package backend

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// FileBackend stores blobs as files on local disk.
// Storage format: plaintext -> zstd compress -> [XChaCha20-Poly1305 encrypt] -> store.
// Encrypted blobs are prefixed with their random 24-byte nonce.
type FileBackend struct {
	name    string
	root    string
	key     [32]byte
	encrypt bool

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewFileBackend creates a file backend rooted at dir. An empty secret
// disables encryption.
func NewFileBackend(name, dir, secret string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	fb := &FileBackend{name: name, root: dir}
	if secret != "" {
		r := hkdf.New(sha256.New, []byte(secret), []byte(name), []byte("verso-file-backend"))
		if _, err := io.ReadFull(r, fb.key[:]); err != nil {
			return nil, fmt.Errorf("derive backend key: %w", err)
		}
		fb.encrypt = true
	}

	fb.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	fb.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return fb, nil
}

func (f *FileBackend) Name() string { return f.name }

// Put stores the next size bytes of r under a fresh key.
func (f *FileBackend) Put(ctx context.Context, r io.Reader, size int64) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}

	data, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return Location{}, fmt.Errorf("read blob: %w", err)
	}
	if int64(len(data)) != size {
		return Location{}, fmt.Errorf("short blob: got %d of %d bytes", len(data), size)
	}

	enc := f.encoderPool.Get().(*zstd.Encoder)
	payload := enc.EncodeAll(data, nil)
	f.encoderPool.Put(enc)

	if f.encrypt {
		payload, err = f.seal(payload)
		if err != nil {
			return Location{}, err
		}
	}

	key := uuid.NewString()
	path := f.blobPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Location{}, fmt.Errorf("create blob dir: %w", err)
	}

	// Write atomically via unique temp file.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*.tmp")
	if err != nil {
		return Location{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return Location{}, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Location{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return Location{}, fmt.Errorf("rename blob: %w", err)
	}

	return Location{Key: key, Backend: f.name, Size: size}, nil
}

func (f *FileBackend) Get(ctx context.Context, loc Location) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.blobPath(loc.Key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, loc.ID())
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}

	if f.encrypt {
		raw, err = f.open(raw)
		if err != nil {
			return nil, err
		}
	}

	dec := f.decoderPool.Get().(*zstd.Decoder)
	data, err := dec.DecodeAll(raw, nil)
	f.decoderPool.Put(dec)
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the blob. A missing blob is not an error.
func (f *FileBackend) Delete(ctx context.Context, loc Location) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := f.blobPath(loc.Key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	// Best effort: prune the shard directories once empty.
	dir := filepath.Dir(path)
	for i := 0; i < 2 && dir != f.root; i++ {
		if os.Remove(dir) != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// Healthcheck verifies the root directory is writable.
func (f *FileBackend) Healthcheck(ctx context.Context) error {
	tmp, err := os.CreateTemp(f.root, ".health-*")
	if err != nil {
		return fmt.Errorf("data dir not writable: %w", err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	return os.Remove(name)
}

// blobPath uses a two-level directory layout: root/ab/cd/abcd....
func (f *FileBackend) blobPath(key string) string {
	if len(key) < 4 {
		return filepath.Join(f.root, key)
	}
	return filepath.Join(f.root, key[:2], key[2:4], key)
}

func (f *FileBackend) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(f.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (f *FileBackend) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(f.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("decrypt blob: ciphertext too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt blob: %w", err)
	}
	return plaintext, nil
}
