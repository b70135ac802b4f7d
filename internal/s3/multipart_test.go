package s3

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versohq/verso/internal/meta"
)

func (e *testEnv) initiate(t *testing.T, bucket, key string) *MultipartUpload {
	t.Helper()
	up, err := e.store.CreateMultipartUpload(context.Background(), bucket, key, "alice", PutOptions{ContentType: "video/mp4"})
	require.NoError(t, err)
	return up
}

func (e *testEnv) uploadPart(t *testing.T, bucket string, up *MultipartUpload, n int, body string) *Part {
	t.Helper()
	p, err := e.store.UploadPart(context.Background(), bucket, up.Key, up.UploadID, n, strings.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	return p
}

func manifestOf(parts ...*Part) []CompletedPart {
	out := make([]CompletedPart, len(parts))
	for i, p := range parts {
		out[i] = CompletedPart{PartNumber: p.PartNumber, ETag: `"` + p.ETag + `"`}
	}
	return out
}

func TestMultipartComplete(t *testing.T) {
	e := newTestEnv(t)
	e.bucket(t, "bkt", VersioningEnabled)
	ctx := context.Background()

	up := e.initiate(t, "bkt", "movie")
	assert.Equal(t, UploadOpen, up.State)
	p1 := e.uploadPart(t, "bkt", up, 1, "abcdef")
	p2 := e.uploadPart(t, "bkt", up, 2, "gh")

	parts, err := e.store.ListParts(ctx, "bkt", "movie", up.UploadID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, 1, parts[0].PartNumber)
	assert.Equal(t, int64(6), parts[0].Size)

	res, err := e.store.CompleteMultipartUpload(ctx, "bkt", "movie", up.UploadID, manifestOf(p1, p2))
	require.NoError(t, err)
	assert.NotEqual(t, NullVersionID, res.VersionID)

	s1, _ := hex.DecodeString(p1.ETag)
	s2, _ := hex.DecodeString(p2.ETag)
	sum := md5.Sum(append(s1, s2...))
	assert.Equal(t, hex.EncodeToString(sum[:])+"-2", res.Record.ContentMD5)
	assert.Equal(t, int64(8), res.Record.ContentLength)
	assert.Equal(t, "video/mp4", res.Record.ContentType)

	require.Len(t, res.Record.Locations, 3)
	assert.Equal(t, int64(0), res.Record.Locations[0].Start)
	assert.Equal(t, int64(4), res.Record.Locations[1].Start)
	assert.Equal(t, int64(6), res.Record.Locations[2].Start)
	assert.Equal(t, "abcdefgh", e.read(t, "bkt", "movie", ""))

	_, err = e.store.ListParts(ctx, "bkt", "movie", up.UploadID)
	assert.ErrorIs(t, err, ErrUploadNotFound)
	page, err := e.store.ListMultipartUploads(ctx, "bkt", ListOptions{MaxKeys: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	e.settle(t)
	assert.Equal(t, 3, e.mem.Len(), "every part is used by the object")
	assert.Equal(t, int64(8), e.store.Quota().BucketUsedBytes("bkt"))
}

func TestMultipartReuploadPartReplaces(t *testing.T) {
	e := newTestEnv(t)
	e.bucket(t, "bkt", VersioningDisabled)

	up := e.initiate(t, "bkt", "k")
	first := e.uploadPart(t, "bkt", up, 1, "aaaa")
	second := e.uploadPart(t, "bkt", up, 1, "bbbb")

	e.settle(t)
	assert.True(t, e.hasNone(first.Locations))
	assert.True(t, e.hasAll(second.Locations))

	_, err := e.store.CompleteMultipartUpload(context.Background(), "bkt", "k", up.UploadID, manifestOf(second))
	require.NoError(t, err)
	assert.Equal(t, "bbbb", e.read(t, "bkt", "k", ""))
}

func TestMultipartUnusedPartsReclaimed(t *testing.T) {
	e := newTestEnv(t)
	e.bucket(t, "bkt", VersioningDisabled)

	up := e.initiate(t, "bkt", "k")
	p1 := e.uploadPart(t, "bkt", up, 1, "1111")
	p2 := e.uploadPart(t, "bkt", up, 2, "2222")
	p3 := e.uploadPart(t, "bkt", up, 3, "3333")

	_, err := e.store.CompleteMultipartUpload(context.Background(), "bkt", "k", up.UploadID, manifestOf(p1, p3))
	require.NoError(t, err)
	assert.Equal(t, "11113333", e.read(t, "bkt", "k", ""))

	e.settle(t)
	assert.True(t, e.hasNone(p2.Locations))
	assert.True(t, e.hasAll(p1.Locations))
	assert.True(t, e.hasAll(p3.Locations))
}

func TestMultipartInvalidManifest(t *testing.T) {
	e := newTestEnv(t)
	e.bucket(t, "bkt", VersioningDisabled)
	ctx := context.Background()

	up := e.initiate(t, "bkt", "k")
	p1 := e.uploadPart(t, "bkt", up, 1, "aaaa")
	p2 := e.uploadPart(t, "bkt", up, 2, "bb")

	tests := []struct {
		name     string
		manifest []CompletedPart
		wantErr  error
	}{
		{"empty", nil, ErrInvalidRequest},
		{"missing part", []CompletedPart{{PartNumber: 1}, {PartNumber: 7}}, ErrInvalidPart},
		{"etag mismatch", []CompletedPart{{PartNumber: 1, ETag: `"deadbeef"`}}, ErrInvalidPart},
		{"descending", manifestOf(p2, p1), ErrInvalidPart},
		{"duplicate", manifestOf(p1, p1), ErrInvalidPart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.store.CompleteMultipartUpload(ctx, "bkt", "k", up.UploadID, tt.manifest)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// Failed attempts leave the upload open.
	page, err := e.store.ListMultipartUploads(ctx, "bkt", ListOptions{MaxKeys: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, UploadOpen, page.Items[0].State)

	_, err = e.store.CompleteMultipartUpload(ctx, "bkt", "k", up.UploadID, manifestOf(p1, p2))
	require.NoError(t, err)
	assert.Equal(t, "aaaabb", e.read(t, "bkt", "k", ""))
}

func TestMultipartPartNumberRange(t *testing.T) {
	e := newTestEnv(t)
	e.bucket(t, "bkt", VersioningDisabled)
	up := e.initiate(t, "bkt", "k")

	for _, n := range []int{0, MaxPartNumber + 1} {
		_, err := e.store.UploadPart(context.Background(), "bkt", "k", up.UploadID, n, strings.NewReader("x"), 1)
		assert.ErrorIs(t, err, ErrInvalidRequest, "part %d", n)
	}
}

func TestMultipartAbort(t *testing.T) {
	e := newTestEnv(t)
	e.bucket(t, "bkt", VersioningDisabled)
	ctx := context.Background()

	up := e.initiate(t, "bkt", "k")
	e.uploadPart(t, "bkt", up, 1, "aaaa")
	e.uploadPart(t, "bkt", up, 2, "bbbbbb")

	locs, err := e.store.AbortMultipartUpload(ctx, "bkt", "k", up.UploadID)
	require.NoError(t, err)
	assert.Len(t, locs, 3)

	e.settle(t)
	assert.Equal(t, 0, e.mem.Len())

	_, err = e.store.UploadPart(ctx, "bkt", "k", up.UploadID, 3, strings.NewReader("c"), 1)
	assert.ErrorIs(t, err, ErrUploadNotFound)
	_, err = e.store.AbortMultipartUpload(ctx, "bkt", "k", up.UploadID)
	assert.ErrorIs(t, err, ErrUploadNotFound)
	_, err = e.store.GetObjectRecord(ctx, "bkt", "k", "")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

// Once complete or abort has claimed an upload, everything else on it
// fails with a conflict. Only abort may resume a claimed abort.
func TestMultipartClaimedUploadConflicts(t *testing.T) {
	for _, state := range []UploadState{UploadCompleting, UploadAborting} {
		t.Run(string(state), func(t *testing.T) {
			e := newTestEnv(t)
			e.bucket(t, "bkt", VersioningDisabled)
			ctx := context.Background()

			up := e.initiate(t, "bkt", "k")
			p1 := e.uploadPart(t, "bkt", up, 1, "aaaa")

			cur, raw, err := e.store.loadUpload(ctx, "bkt", "k", up.UploadID)
			require.NoError(t, err)
			_, err = e.store.setUploadState(ctx, "bkt", cur, raw, state)
			require.NoError(t, err)

			_, err = e.store.UploadPart(ctx, "bkt", "k", up.UploadID, 2, strings.NewReader("bbbb"), 4)
			assert.ErrorIs(t, err, ErrConflict)
			_, err = e.store.CompleteMultipartUpload(ctx, "bkt", "k", up.UploadID, manifestOf(p1))
			assert.ErrorIs(t, err, ErrConflict)
			if state == UploadCompleting {
				_, err = e.store.AbortMultipartUpload(ctx, "bkt", "k", up.UploadID)
				assert.ErrorIs(t, err, ErrConflict)
			}

			e.settle(t)
			assert.True(t, e.hasAll(p1.Locations))
			assert.Equal(t, 1, e.mem.Len(), "no data is written for a rejected part")
		})
	}
}

// flakyMeta fails or interrupts selected commits of the wrapped store.
type flakyMeta struct {
	meta.Store
	commits     int
	failOn      int
	afterCommit func(n int)
}

func (f *flakyMeta) Commit(ctx context.Context, ns string, b *meta.Batch) error {
	f.commits++
	if f.commits == f.failOn {
		return errors.New("transient io error")
	}
	if err := f.Store.Commit(ctx, ns, b); err != nil {
		return err
	}
	if f.afterCommit != nil {
		f.afterCommit(f.commits)
	}
	return nil
}

func TestMultipartAbortResumesAfterFailure(t *testing.T) {
	e := newTestEnv(t)
	e.bucket(t, "bkt", VersioningEnabled)
	ctx := context.Background()

	up := e.initiate(t, "bkt", "k")
	p1 := e.uploadPart(t, "bkt", up, 1, "aaaabbbb")

	flaky := &flakyMeta{Store: e.store.meta, failOn: 2}
	e.store.meta = flaky
	_, err := e.store.AbortMultipartUpload(ctx, "bkt", "k", up.UploadID)
	require.Error(t, err)

	page, err := e.store.ListMultipartUploads(ctx, "bkt", ListOptions{MaxKeys: 1000})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, UploadAborting, page.Items[0].State)

	locs, err := e.store.AbortMultipartUpload(ctx, "bkt", "k", up.UploadID)
	require.NoError(t, err, "a claimed abort can be retried")
	assert.Len(t, locs, 2)

	page, err = e.store.ListMultipartUploads(ctx, "bkt", ListOptions{MaxKeys: 1000})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	_, err = e.store.CompleteMultipartUpload(ctx, "bkt", "k", up.UploadID, manifestOf(p1))
	assert.ErrorIs(t, err, ErrUploadNotFound)

	e.settle(t)
	assert.Equal(t, 0, e.mem.Len(), "aborted parts are reclaimed")
}

func TestMultipartAbortSurvivesCancellationAfterClaim(t *testing.T) {
	e := newTestEnv(t)
	e.bucket(t, "bkt", VersioningDisabled)

	up := e.initiate(t, "bkt", "k")
	e.uploadPart(t, "bkt", up, 1, "aaaa")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.store.meta = &flakyMeta{Store: e.store.meta, afterCommit: func(n int) {
		if n == 1 {
			cancel()
		}
	}}

	_, err := e.store.AbortMultipartUpload(ctx, "bkt", "k", up.UploadID)
	require.NoError(t, err)

	page, err := e.store.ListMultipartUploads(context.Background(), "bkt", ListOptions{MaxKeys: 1000})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	e.settle(t)
	assert.Equal(t, 0, e.mem.Len())
}

func TestMultipartQuotaCheckedOnComplete(t *testing.T) {
	e := newTestEnv(t)
	e.bucket(t, "bkt", VersioningDisabled)
	ctx := context.Background()
	require.NoError(t, e.store.PutBucketQuota(ctx, "bkt", 6))

	up := e.initiate(t, "bkt", "k")
	p1 := e.uploadPart(t, "bkt", up, 1, "aaaa")
	p2 := e.uploadPart(t, "bkt", up, 2, "bbbb")

	_, err := e.store.UploadPart(ctx, "bkt", "k", up.UploadID, 3, strings.NewReader("1234567"), 7)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	_, err = e.store.CompleteMultipartUpload(ctx, "bkt", "k", up.UploadID, manifestOf(p1, p2))
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, int64(0), e.store.Quota().BucketUsedBytes("bkt"))

	_, err = e.store.CompleteMultipartUpload(ctx, "bkt", "k", up.UploadID, manifestOf(p1))
	require.NoError(t, err, "upload reopens after a failed completion")
	assert.Equal(t, int64(4), e.store.Quota().BucketUsedBytes("bkt"))
}

func TestDeleteBucketWithOpenUpload(t *testing.T) {
	e := newTestEnv(t)
	e.bucket(t, "bkt", VersioningDisabled)
	ctx := context.Background()

	up := e.initiate(t, "bkt", "k")
	assert.ErrorIs(t, e.store.DeleteBucket(ctx, "bkt"), ErrBucketNotEmpty)

	_, err := e.store.AbortMultipartUpload(ctx, "bkt", "k", up.UploadID)
	require.NoError(t, err)
	require.NoError(t, e.store.DeleteBucket(ctx, "bkt"))
}

func uploadKeys(page *Page[*MultipartUpload]) []string {
	out := make([]string, 0, len(page.Items))
	for _, up := range page.Items {
		out = append(out, up.Key)
	}
	return out
}

func TestListMultipartUploadsDelimiter(t *testing.T) {
	e := newTestEnv(t)
	e.bucket(t, "bkt", VersioningDisabled)
	ctx := context.Background()
	for _, k := range []string{"a/1", "a/2", "b/1", "c"} {
		e.initiate(t, "bkt", k)
	}

	// Every key containing the delimiter after the prefix collapses into a
	// common prefix, so b/1 groups under b/ alongside a/.
	page, err := e.store.ListMultipartUploads(ctx, "bkt", ListOptions{Delimiter: "/", MaxKeys: 1000})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/", "b/"}, page.CommonPrefixes)
	assert.Equal(t, []string{"c"}, uploadKeys(page))

	page, err = e.store.ListMultipartUploads(ctx, "bkt", ListOptions{Prefix: "b/", Delimiter: "/", MaxKeys: 1000})
	require.NoError(t, err)
	assert.Empty(t, page.CommonPrefixes)
	assert.Equal(t, []string{"b/1"}, uploadKeys(page))

	page, err = e.store.ListMultipartUploads(ctx, "bkt", ListOptions{Delimiter: "/", MaxKeys: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/", "b/"}, page.CommonPrefixes)
	assert.True(t, page.IsTruncated)
	assert.Equal(t, "b/", page.NextKeyMarker)
	assert.Empty(t, page.NextIDMarker)

	page, err = e.store.ListMultipartUploads(ctx, "bkt", ListOptions{Delimiter: "/", MaxKeys: 2, KeyMarker: "b/"})
	require.NoError(t, err)
	assert.Empty(t, page.CommonPrefixes)
	assert.Equal(t, []string{"c"}, uploadKeys(page))
	assert.False(t, page.IsTruncated)
}

func TestListMultipartUploadsPrefixAndMarkers(t *testing.T) {
	e := newTestEnv(t)
	e.bucket(t, "bkt", VersioningDisabled)
	ctx := context.Background()

	const (
		name1 = "sub/objectName1"
		name2 = "sub/objectName2"
		name3 = "notURIvalid$$"
	)
	up1 := e.initiate(t, "bkt", name1)
	e.initiate(t, "bkt", name2)
	e.initiate(t, "bkt", name3)

	page, err := e.store.ListMultipartUploads(ctx, "bkt", ListOptions{Prefix: "sub", Delimiter: "/", MaxKeys: 1000})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/"}, page.CommonPrefixes)
	assert.Empty(t, page.Items)

	page, err = e.store.ListMultipartUploads(ctx, "bkt", ListOptions{Prefix: "sub", MaxKeys: 1000})
	require.NoError(t, err)
	assert.Equal(t, []string{name1, name2}, uploadKeys(page))

	page, err = e.store.ListMultipartUploads(ctx, "bkt", ListOptions{MaxKeys: 1000})
	require.NoError(t, err)
	assert.Equal(t, []string{name3, name1, name2}, uploadKeys(page))

	page, err = e.store.ListMultipartUploads(ctx, "bkt", ListOptions{Prefix: "sub", MaxKeys: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{name1}, uploadKeys(page))
	assert.True(t, page.IsTruncated)
	assert.Equal(t, name1, page.NextKeyMarker)
	assert.Equal(t, up1.UploadID, page.NextIDMarker)

	page, err = e.store.ListMultipartUploads(ctx, "bkt", ListOptions{MaxKeys: 1000, KeyMarker: name1})
	require.NoError(t, err)
	assert.Equal(t, []string{name2}, uploadKeys(page))
}

func TestListMultipartUploadsSameKey(t *testing.T) {
	e := newTestEnv(t)
	e.bucket(t, "bkt", VersioningDisabled)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, e.initiate(t, "bkt", "same").UploadID)
	}

	var got []string
	opts := ListOptions{MaxKeys: 1}
	for i := 0; ; i++ {
		require.Less(t, i, 10, "pagination does not terminate")
		page, err := e.store.ListMultipartUploads(ctx, "bkt", opts)
		require.NoError(t, err)
		for _, up := range page.Items {
			got = append(got, up.UploadID)
		}
		if !page.IsTruncated {
			break
		}
		opts.KeyMarker, opts.IDMarker = page.NextKeyMarker, page.NextIDMarker
	}
	assert.Equal(t, ids, got, "upload ids are time ordered")
}
