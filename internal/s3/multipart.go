package s3

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/versohq/verso/internal/backend"
	"github.com/versohq/verso/internal/meta"
)

// Part number bounds.
const (
	MinPartNumber = 1
	MaxPartNumber = 10000
)

// UploadState is the lifecycle state of a multipart upload.
type UploadState string

const (
	UploadOpen       UploadState = "open"
	UploadCompleting UploadState = "completing"
	UploadAborting   UploadState = "aborting"
)

// MultipartUpload is an in-progress multipart upload.
type MultipartUpload struct {
	Key          string            `json:"key"`
	UploadID     string            `json:"uploadId"`
	Initiator    string            `json:"initiator"`
	State        UploadState       `json:"state"`
	Initiated    time.Time         `json:"initiated"`
	ContentType  string            `json:"contentType,omitempty"`
	StorageClass string            `json:"storageClass,omitempty"`
	Owner        string            `json:"owner,omitempty"`
	UserMetadata map[string]string `json:"userMetadata,omitempty"`
}

// Part is one uploaded part.
type Part struct {
	PartNumber   int                `json:"partNumber"`
	ETag         string             `json:"etag"` // hex md5, unquoted
	Size         int64              `json:"size"`
	Locations    []backend.Location `json:"locations,omitempty"`
	LastModified time.Time          `json:"lastModified"`
}

// CompletedPart is one entry of a complete request manifest.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

func decodeUpload(data []byte) (*MultipartUpload, error) {
	var up MultipartUpload
	if err := json.Unmarshal(data, &up); err != nil {
		return nil, fmt.Errorf("decode upload: %w", err)
	}
	return &up, nil
}

func decodePart(data []byte) (*Part, error) {
	var p Part
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode part: %w", err)
	}
	return &p, nil
}

func addPartRefs(b *meta.Batch, uploadID string, p *Part) {
	for _, loc := range p.Locations {
		b.Put(partRefKey(loc, uploadID, p.PartNumber), refValue)
	}
}

func dropPartRefs(b *meta.Batch, uploadID string, p *Part) {
	for _, loc := range p.Locations {
		b.Delete(partRefKey(loc, uploadID, p.PartNumber))
	}
}

// CreateMultipartUpload registers a new upload for key.
func (s *Store) CreateMultipartUpload(ctx context.Context, bucket, key, initiator string, opts PutOptions) (*MultipartUpload, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if _, _, err := s.getBucket(ctx, bucket); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate upload id: %w", err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	up := &MultipartUpload{
		Key:          key,
		UploadID:     id.String(),
		Initiator:    initiator,
		State:        UploadOpen,
		Initiated:    s.now().UTC(),
		ContentType:  contentType,
		StorageClass: opts.StorageClass,
		Owner:        opts.Owner,
		UserMetadata: opts.UserMetadata,
	}
	data, err := encode(up)
	if err != nil {
		return nil, err
	}

	b := &meta.Batch{}
	b.ExpectAbsent(uploadKey(key, up.UploadID))
	b.Put(uploadKey(key, up.UploadID), data)
	if err := s.meta.Commit(ctx, bucket, b); err != nil {
		return nil, wrapMetaErr(err)
	}

	s.logger.Debug().Str("bucket", bucket).Str("key", key).Str("upload_id", up.UploadID).Msg("Multipart upload created")
	return up, nil
}

func (s *Store) loadUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUpload, []byte, error) {
	if _, _, err := s.getBucket(ctx, bucket); err != nil {
		return nil, nil, err
	}
	raw, err := s.meta.Get(ctx, bucket, uploadKey(key, uploadID))
	if errors.Is(err, meta.ErrNotFound) {
		return nil, nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, nil, wrapMetaErr(err)
	}
	up, err := decodeUpload(raw)
	if err != nil {
		return nil, nil, err
	}
	return up, raw, nil
}

// setUploadState moves an upload from the state encoded in raw to state.
// It returns the new encoding.
func (s *Store) setUploadState(ctx context.Context, bucket string, up *MultipartUpload, raw []byte, state UploadState) ([]byte, error) {
	next := *up
	next.State = state
	data, err := encode(&next)
	if err != nil {
		return nil, err
	}
	b := &meta.Batch{}
	b.Expect(uploadKey(up.Key, up.UploadID), raw)
	b.Put(uploadKey(up.Key, up.UploadID), data)
	if err := s.meta.Commit(ctx, bucket, b); err != nil {
		if errors.Is(err, meta.ErrConflict) {
			return nil, fmt.Errorf("%w: upload %s changed", ErrConflict, up.UploadID)
		}
		return nil, wrapMetaErr(err)
	}
	up.State = state
	return data, nil
}

// UploadPart stores one part. Re-uploading a part number replaces it.
func (s *Store) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (*Part, error) {
	if partNumber < MinPartNumber || partNumber > MaxPartNumber {
		return nil, fmt.Errorf("%w: part number must be between %d and %d", ErrInvalidRequest, MinPartNumber, MaxPartNumber)
	}
	up, _, err := s.loadUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	if up.State != UploadOpen {
		return nil, fmt.Errorf("%w: upload is %s", ErrConflict, up.State)
	}
	if size > 0 {
		if err := s.quota.Check(bucket, size); err != nil {
			return nil, err
		}
	}

	locs, md5sum, n, err := s.WriteData(ctx, bucket, r, size)
	if err != nil {
		return nil, err
	}
	part := &Part{
		PartNumber:   partNumber,
		ETag:         md5sum,
		Size:         n,
		Locations:    locs,
		LastModified: s.now().UTC(),
	}

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		old, err := s.commitPart(ctx, bucket, key, uploadID, part)
		if errors.Is(err, meta.ErrConflict) {
			s.metrics.recordRetry()
			continue
		}
		if err != nil {
			s.Reclaim(bucket, locs)
			return nil, err
		}
		if old != nil {
			s.Reclaim(bucket, backend.Superseded(old.Locations, part.Locations))
		}
		return part, nil
	}
	s.Reclaim(bucket, locs)
	return nil, fmt.Errorf("%w: part %d of upload %s", ErrConflict, partNumber, uploadID)
}

// commitPart writes part conditioned on the upload being open and
// unchanged. It returns the part it replaced, if any.
func (s *Store) commitPart(ctx context.Context, bucket, key, uploadID string, part *Part) (*Part, error) {
	up, raw, err := s.loadUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	if up.State != UploadOpen {
		return nil, fmt.Errorf("%w: upload is %s", ErrConflict, up.State)
	}

	b := &meta.Batch{}
	b.Expect(uploadKey(key, uploadID), raw)

	pk := partKey(uploadID, part.PartNumber)
	var old *Part
	oldRaw, err := s.meta.Get(ctx, bucket, pk)
	switch {
	case errors.Is(err, meta.ErrNotFound):
		b.ExpectAbsent(pk)
	case err != nil:
		return nil, wrapMetaErr(err)
	default:
		if old, err = decodePart(oldRaw); err != nil {
			return nil, err
		}
		b.Expect(pk, oldRaw)
		dropPartRefs(b, uploadID, old)
	}

	data, err := encode(part)
	if err != nil {
		return nil, err
	}
	b.Put(pk, data)
	addPartRefs(b, uploadID, part)

	if err := s.meta.Commit(ctx, bucket, b); err != nil {
		return nil, wrapMetaErr(err)
	}
	return old, nil
}

func (s *Store) loadParts(ctx context.Context, bucket, uploadID string) ([]*Part, error) {
	var parts []*Part
	err := s.meta.Scan(ctx, bucket, meta.ScanOptions{Prefix: partKeyPrefix(uploadID)}, func(e meta.Entry) (bool, error) {
		p, err := decodePart(e.Value)
		if err != nil {
			return false, err
		}
		parts = append(parts, p)
		return true, nil
	})
	if err != nil {
		return nil, wrapMetaErr(err)
	}
	return parts, nil
}

// ListParts returns the parts of an upload in part number order.
func (s *Store) ListParts(ctx context.Context, bucket, key, uploadID string) ([]Part, error) {
	if _, _, err := s.loadUpload(ctx, bucket, key, uploadID); err != nil {
		return nil, err
	}
	parts, err := s.loadParts(ctx, bucket, uploadID)
	if err != nil {
		return nil, err
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		out[i] = *p
	}
	return out, nil
}

// ListMultipartUploads lists uploads by key, then upload id.
func (s *Store) ListMultipartUploads(ctx context.Context, bucket string, opts ListOptions) (*Page[*MultipartUpload], error) {
	if _, _, err := s.getBucket(ctx, bucket); err != nil {
		return nil, err
	}
	p := newPaginator[*MultipartUpload](opts)
	if p.done() {
		return p.result(), nil
	}

	err := s.meta.Scan(ctx, bucket, meta.ScanOptions{
		Prefix: uploadPrefix + opts.Prefix,
		Start:  uploadPrefix + scanStart(opts),
	}, func(e meta.Entry) (bool, error) {
		key, id, ok := splitUploadKey(e.Key)
		if !ok {
			return true, nil
		}
		up, err := decodeUpload(e.Value)
		if err != nil {
			return false, err
		}
		return p.add(key, id, up), nil
	})
	if err != nil {
		return nil, wrapMetaErr(err)
	}
	return p.result(), nil
}

// deleteUpload removes the upload entry, its parts and their references,
// conditioned on the upload still being encoded as raw.
func (s *Store) deleteUpload(ctx context.Context, bucket string, up *MultipartUpload, raw []byte, parts []*Part) error {
	b := &meta.Batch{}
	b.Expect(uploadKey(up.Key, up.UploadID), raw)
	b.Delete(uploadKey(up.Key, up.UploadID))
	for _, p := range parts {
		b.Delete(partKey(up.UploadID, p.PartNumber))
		dropPartRefs(b, up.UploadID, p)
	}
	return wrapMetaErr(s.meta.Commit(ctx, bucket, b))
}

// CompleteMultipartUpload assembles the listed parts into an object.
func (s *Store) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, manifest []CompletedPart) (*PutResult, error) {
	if len(manifest) == 0 {
		return nil, fmt.Errorf("%w: no parts specified", ErrInvalidRequest)
	}
	up, raw, err := s.loadUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	if up.State != UploadOpen {
		return nil, fmt.Errorf("%w: upload is %s", ErrConflict, up.State)
	}
	openRaw := raw
	if raw, err = s.setUploadState(ctx, bucket, up, raw, UploadCompleting); err != nil {
		return nil, err
	}

	// Until the object is committed a failure leaves the upload open for
	// another attempt.
	reopen := func() {
		b := &meta.Batch{}
		b.Expect(uploadKey(key, uploadID), raw)
		b.Put(uploadKey(key, uploadID), openRaw)
		if err := s.meta.Commit(context.WithoutCancel(ctx), bucket, b); err != nil {
			s.logger.Warn().Err(err).Str("upload_id", uploadID).Msg("Failed to reopen multipart upload")
		}
	}

	parts, err := s.loadParts(ctx, bucket, uploadID)
	if err != nil {
		reopen()
		return nil, err
	}
	byNumber := make(map[int]*Part, len(parts))
	for _, p := range parts {
		byNumber[p.PartNumber] = p
	}

	var (
		locs  []backend.Location
		total int64
		sums  []byte
		used  = make(map[int]bool, len(manifest))
	)
	for i, cp := range manifest {
		if i > 0 && cp.PartNumber <= manifest[i-1].PartNumber {
			reopen()
			return nil, fmt.Errorf("%w: parts must be in ascending order", ErrInvalidPart)
		}
		p, ok := byNumber[cp.PartNumber]
		if !ok {
			reopen()
			return nil, fmt.Errorf("%w: part %d not uploaded", ErrInvalidPart, cp.PartNumber)
		}
		if etag := strings.Trim(cp.ETag, `"`); etag != "" && etag != p.ETag {
			reopen()
			return nil, fmt.Errorf("%w: part %d etag mismatch", ErrInvalidPart, cp.PartNumber)
		}
		sum, err := hex.DecodeString(p.ETag)
		if err != nil {
			reopen()
			return nil, fmt.Errorf("%w: part %d has corrupt etag", ErrInvalidPart, cp.PartNumber)
		}
		sums = append(sums, sum...)
		for _, loc := range p.Locations {
			loc.Start = total + loc.Start
			locs = append(locs, loc)
		}
		total += p.Size
		used[p.PartNumber] = true
	}
	h := md5.Sum(sums)
	etag := fmt.Sprintf("%s-%d", hex.EncodeToString(h[:]), len(manifest))

	rec := &ObjectRecord{
		Locations:     locs,
		ContentLength: total,
		ContentMD5:    etag,
		ContentType:   up.ContentType,
		StorageClass:  up.StorageClass,
		Owner:         up.Owner,
		UserMetadata:  up.UserMetadata,
	}
	res, err := s.PutRecord(ctx, bucket, key, rec, PutRecordOptions{})
	if err != nil {
		reopen()
		return nil, err
	}

	if err := s.deleteUpload(context.WithoutCancel(ctx), bucket, up, raw, parts); err != nil {
		s.logger.Warn().Err(err).Str("bucket", bucket).Str("upload_id", uploadID).Msg("Failed to remove completed upload")
		return res, nil
	}

	var unused []backend.Location
	for _, p := range parts {
		if !used[p.PartNumber] {
			unused = append(unused, p.Locations...)
		}
	}
	s.Reclaim(bucket, unused)

	s.logger.Debug().Str("bucket", bucket).Str("key", key).Str("upload_id", uploadID).
		Int("parts", len(manifest)).Int64("size", total).Msg("Multipart upload completed")
	return res, nil
}

// AbortMultipartUpload discards an upload and returns the locations of its
// parts, which are handed to reclaim.
func (s *Store) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) ([]backend.Location, error) {
	up, raw, err := s.loadUpload(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	switch up.State {
	case UploadOpen:
		if raw, err = s.setUploadState(ctx, bucket, up, raw, UploadAborting); err != nil {
			return nil, err
		}
	case UploadAborting:
		// An earlier abort claimed the upload but did not finish removing it.
	default:
		return nil, fmt.Errorf("%w: upload is %s", ErrConflict, up.State)
	}

	// Once claimed the abort runs to completion regardless of the caller.
	ctx = context.WithoutCancel(ctx)
	parts, err := s.loadParts(ctx, bucket, uploadID)
	if err != nil {
		return nil, err
	}
	if err := s.deleteUpload(ctx, bucket, up, raw, parts); err != nil {
		return nil, err
	}

	var locs []backend.Location
	for _, p := range parts {
		locs = append(locs, p.Locations...)
	}
	s.Reclaim(bucket, locs)
	s.logger.Debug().Str("bucket", bucket).Str("key", key).Str("upload_id", uploadID).Msg("Multipart upload aborted")
	return locs, nil
}
