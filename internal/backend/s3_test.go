package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 answers just enough of the S3 API for S3Backend.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	paths   []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)

	if !strings.HasPrefix(r.URL.Path, "/remote") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		_, _ = io.Copy(io.Discard, r.Body)
		f.objects[r.URL.Path] = "stored"
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		_, _ = io.WriteString(w, body)
	case http.MethodDelete:
		if _, ok := f.objects[r.URL.Path]; !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newS3Backend(t *testing.T, bucket string) (*S3Backend, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: make(map[string]string)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	b, err := NewS3Backend(context.Background(), S3Config{
		Name:      "s3",
		Bucket:    bucket,
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		AccessKey: "AK",
		SecretKey: "SK",
		Prefix:    "blobs",
		PathStyle: true,
	})
	require.NoError(t, err)
	return b, fake
}

func TestS3Backend_RequiresBucket(t *testing.T) {
	_, err := NewS3Backend(context.Background(), S3Config{Name: "s3"})
	assert.Error(t, err)
}

func TestS3Backend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b, fake := newS3Backend(t, "remote")

	loc, err := b.Put(ctx, strings.NewReader("payload"), 7)
	require.NoError(t, err)
	assert.Equal(t, "s3", loc.Backend)
	assert.Equal(t, int64(7), loc.Size)
	assert.NotEmpty(t, loc.Key)
	assert.Contains(t, fake.paths, "PUT /remote/blobs/"+loc.Key)

	rc, err := b.Get(ctx, loc)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, "stored", string(data))

	require.NoError(t, b.Delete(ctx, loc))
	require.NoError(t, b.Delete(ctx, loc), "deleting an absent object succeeds")

	_, err = b.Get(ctx, loc)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Backend_Healthcheck(t *testing.T) {
	ctx := context.Background()
	b, _ := newS3Backend(t, "remote")
	assert.NoError(t, b.Healthcheck(ctx))

	missing, _ := newS3Backend(t, "absent")
	assert.Error(t, missing.Healthcheck(ctx))
}

func TestIsS3NotFound(t *testing.T) {
	assert.True(t, isS3NotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.True(t, isS3NotFound(fmt.Errorf("wrapped: %w", &smithy.GenericAPIError{Code: "NotFound"})))
	assert.False(t, isS3NotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, isS3NotFound(errors.New("connection refused")))
}
