// Package s3 implements the object engine behind the S3 API: bucket
// configuration, per-key version chains, multipart uploads, quota
// admission and the HTTP surface on top of them.
package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/versohq/verso/internal/backend"
	"github.com/versohq/verso/internal/meta"
)

const (
	// bucketsNamespace holds bucket records. Bucket names cannot start
	// with an underscore, so it never collides with a bucket namespace.
	bucketsNamespace = "_buckets"

	// maxWriteAttempts bounds the optimistic retry loop of a single write.
	maxWriteAttempts = 8

	// DefaultBlockSize is the size of the blobs object data is split into.
	DefaultBlockSize = 8 << 20

	maxKeyLength = 1024
)

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// Reclaimer receives locations that are no longer referenced by the record
// that used to hold them.
type Reclaimer interface {
	Enqueue(bucket string, locs []backend.Location)
}

type discardReclaimer struct{ logger zerolog.Logger }

func (d discardReclaimer) Enqueue(bucket string, locs []backend.Location) {
	d.logger.Warn().Str("bucket", bucket).Int("locations", len(locs)).
		Msg("No reclaimer configured, leaking superseded locations")
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Meta      meta.Store
	Backends  *backend.Registry
	Quota     *QuotaManager // nil means unlimited
	SiteID    string
	BlockSize int64
	Logger    zerolog.Logger
	Metrics   *Metrics
}

// Store is the object engine.
type Store struct {
	meta      meta.Store
	backends  *backend.Registry
	quota     *QuotaManager
	reclaimer Reclaimer
	ids       *VersionIDGenerator
	blockSize int64
	logger    zerolog.Logger
	metrics   *Metrics
	now       func() time.Time
}

// NewStore opens the engine on cfg.Meta and rebuilds quota usage from the
// persisted records. The version id generator resumes after the newest id
// this site has written.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.Meta == nil || cfg.Backends == nil {
		return nil, fmt.Errorf("metadata store and backends are required")
	}
	if cfg.Quota == nil {
		cfg.Quota = NewQuotaManager(0)
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.SiteID == "" {
		cfg.SiteID = "local"
	}

	logger := cfg.Logger.With().Str("component", "s3-store").Logger()
	s := &Store{
		meta:      cfg.Meta,
		backends:  cfg.Backends,
		quota:     cfg.Quota,
		reclaimer: discardReclaimer{logger: logger},
		ids:       NewVersionIDGenerator(cfg.SiteID),
		blockSize: cfg.BlockSize,
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}

	if err := s.meta.CreateNamespace(ctx, bucketsNamespace); err != nil && !errors.Is(err, meta.ErrNamespaceExists) {
		return nil, fmt.Errorf("create bucket namespace: %w", err)
	}
	if err := s.calculateQuotaUsage(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// SetReclaimer sets where superseded locations are sent.
func (s *Store) SetReclaimer(r Reclaimer) {
	s.reclaimer = r
}

// Backends returns the backend registry.
func (s *Store) Backends() *backend.Registry {
	return s.backends
}

// Quota returns the quota manager.
func (s *Store) Quota() *QuotaManager {
	return s.quota
}

// Close closes the metadata store.
func (s *Store) Close() error {
	return s.meta.Close()
}

// calculateQuotaUsage rebuilds per-bucket usage and limits.
func (s *Store) calculateQuotaUsage(ctx context.Context) error {
	buckets, err := s.ListBuckets(ctx)
	if err != nil {
		return err
	}
	for _, b := range buckets {
		s.quota.SetLimit(b.Name, b.QuotaBytes)
		var used int64
		err := s.meta.Scan(ctx, b.Name, meta.ScanOptions{Prefix: objPrefix}, func(e meta.Entry) (bool, error) {
			rec, err := decodeRecord(e.Value)
			if err != nil {
				s.logger.Warn().Err(err).Str("bucket", b.Name).Str("entry", e.Key).Msg("Skipping unreadable record")
				return true, nil
			}
			s.ids.Observe(rec.VersionID)
			if rec.hasData() {
				used += rec.ContentLength
			}
			return true, nil
		})
		if err != nil && !meta.IsNamespaceNotFound(err) {
			return fmt.Errorf("calculate usage of %s: %w", b.Name, err)
		}
		s.quota.SetUsed(b.Name, used)
		s.metrics.setQuotaUsed(b.Name, used)
	}
	return nil
}

func validateBucketName(name string) error {
	if !bucketNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: invalid bucket name %q", ErrInvalidRequest, name)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidRequest)
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("%w: key longer than %d bytes", ErrInvalidRequest, maxKeyLength)
	}
	// Null bytes separate key and version id in the metadata layout.
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: null bytes not allowed", ErrInvalidRequest)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("%w: key is not valid UTF-8", ErrInvalidRequest)
	}
	return nil
}

// wrapMetaErr maps metadata store failures onto the engine's errors.
func wrapMetaErr(err error) error {
	switch {
	case err == nil:
		return nil
	case meta.IsNamespaceNotFound(err):
		return ErrBucketNotFound
	case errors.Is(err, meta.ErrConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

// --- Buckets ---

// CreateBucket creates an empty, unversioned bucket.
func (s *Store) CreateBucket(ctx context.Context, bucket, owner string) error {
	if err := validateBucketName(bucket); err != nil {
		return err
	}
	if err := s.meta.CreateNamespace(ctx, bucket); err != nil && !errors.Is(err, meta.ErrNamespaceExists) {
		return wrapMetaErr(err)
	}

	data, err := encode(&BucketRecord{Name: bucket, Owner: owner, CreatedAt: s.now().UTC()})
	if err != nil {
		return err
	}
	b := &meta.Batch{}
	b.ExpectAbsent(bucket)
	b.Put(bucket, data)
	if err := s.meta.Commit(ctx, bucketsNamespace, b); err != nil {
		if errors.Is(err, meta.ErrConflict) {
			return ErrBucketExists
		}
		return wrapMetaErr(err)
	}
	s.logger.Info().Str("bucket", bucket).Str("owner", owner).Msg("Bucket created")
	return nil
}

// DeleteBucket removes an empty bucket. In-progress multipart uploads
// count as content.
func (s *Store) DeleteBucket(ctx context.Context, bucket string) error {
	_, raw, err := s.getBucket(ctx, bucket)
	if err != nil {
		return err
	}

	for _, prefix := range []string{objPrefix, uploadPrefix} {
		empty := true
		err := s.meta.Scan(ctx, bucket, meta.ScanOptions{Prefix: prefix, Limit: 1}, func(meta.Entry) (bool, error) {
			empty = false
			return false, nil
		})
		if err != nil && !meta.IsNamespaceNotFound(err) {
			return wrapMetaErr(err)
		}
		if !empty {
			return ErrBucketNotEmpty
		}
	}

	b := &meta.Batch{}
	b.Expect(bucket, raw)
	b.Delete(bucket)
	if err := s.meta.Commit(ctx, bucketsNamespace, b); err != nil {
		if errors.Is(err, meta.ErrConflict) {
			return fmt.Errorf("%w: bucket %s changed", ErrConflict, bucket)
		}
		return wrapMetaErr(err)
	}
	if err := s.meta.DeleteNamespace(ctx, bucket); err != nil && !meta.IsNamespaceNotFound(err) {
		s.logger.Warn().Err(err).Str("bucket", bucket).Msg("Failed to drop bucket namespace")
	}
	s.quota.Forget(bucket)
	s.logger.Info().Str("bucket", bucket).Msg("Bucket deleted")
	return nil
}

// HeadBucket returns the bucket record.
func (s *Store) HeadBucket(ctx context.Context, bucket string) (*BucketRecord, error) {
	rec, _, err := s.getBucket(ctx, bucket)
	return rec, err
}

func (s *Store) getBucket(ctx context.Context, bucket string) (*BucketRecord, []byte, error) {
	raw, err := s.meta.Get(ctx, bucketsNamespace, bucket)
	if errors.Is(err, meta.ErrNotFound) {
		return nil, nil, ErrBucketNotFound
	}
	if err != nil {
		return nil, nil, wrapMetaErr(err)
	}
	var rec BucketRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, fmt.Errorf("decode bucket %s: %w", bucket, err)
	}
	return &rec, raw, nil
}

// ListBuckets returns all buckets in name order.
func (s *Store) ListBuckets(ctx context.Context) ([]BucketRecord, error) {
	var out []BucketRecord
	err := s.meta.Scan(ctx, bucketsNamespace, meta.ScanOptions{}, func(e meta.Entry) (bool, error) {
		var rec BucketRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return false, fmt.Errorf("decode bucket %s: %w", e.Key, err)
		}
		out = append(out, rec)
		return true, nil
	})
	if err != nil {
		return nil, wrapMetaErr(err)
	}
	return out, nil
}

// updateBucket applies fn to the bucket record with compare-and-swap.
func (s *Store) updateBucket(ctx context.Context, bucket string, fn func(*BucketRecord) error) (*BucketRecord, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		rec, raw, err := s.getBucket(ctx, bucket)
		if err != nil {
			return nil, err
		}
		if err := fn(rec); err != nil {
			return nil, err
		}
		data, err := encode(rec)
		if err != nil {
			return nil, err
		}
		b := &meta.Batch{}
		b.Expect(bucket, raw)
		b.Put(bucket, data)
		err = s.meta.Commit(ctx, bucketsNamespace, b)
		if errors.Is(err, meta.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, wrapMetaErr(err)
		}
		return rec, nil
	}
	return nil, fmt.Errorf("%w: bucket %s", ErrConflict, bucket)
}

// GetBucketVersioning returns the bucket's versioning state.
func (s *Store) GetBucketVersioning(ctx context.Context, bucket string) (VersioningState, error) {
	rec, _, err := s.getBucket(ctx, bucket)
	if err != nil {
		return VersioningDisabled, err
	}
	return rec.VersioningState(), nil
}

// PutBucketVersioning enables or suspends versioning. Once enabled a
// bucket can only be suspended, never returned to Disabled.
func (s *Store) PutBucketVersioning(ctx context.Context, bucket string, state VersioningState) error {
	if state == VersioningDisabled {
		return fmt.Errorf("%w: versioning can only be enabled or suspended", ErrInvalidRequest)
	}
	_, err := s.updateBucket(ctx, bucket, func(rec *BucketRecord) error {
		rec.Versioning = state.String()
		return nil
	})
	if err == nil {
		s.logger.Info().Str("bucket", bucket).Str("versioning", state.String()).Msg("Bucket versioning changed")
	}
	return err
}

// PutBucketQuota limits the bytes stored in bucket. 0 means unlimited.
func (s *Store) PutBucketQuota(ctx context.Context, bucket string, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("%w: negative quota", ErrInvalidRequest)
	}
	if _, err := s.updateBucket(ctx, bucket, func(rec *BucketRecord) error {
		rec.QuotaBytes = bytes
		return nil
	}); err != nil {
		return err
	}
	s.quota.SetLimit(bucket, bytes)
	return nil
}

// DeleteBucketQuota resets the bucket to unlimited. It succeeds whether or
// not a quota was set.
func (s *Store) DeleteBucketQuota(ctx context.Context, bucket string) error {
	if _, err := s.updateBucket(ctx, bucket, func(rec *BucketRecord) error {
		rec.QuotaBytes = 0
		return nil
	}); err != nil {
		return err
	}
	s.quota.Reset(bucket)
	return nil
}

// --- Data ---

// WriteData splits r into blocks on the default backend. size may be -1
// when unknown. On failure, blocks already written are handed to reclaim.
func (s *Store) WriteData(ctx context.Context, bucket string, r io.Reader, size int64) ([]backend.Location, string, int64, error) {
	if size >= 0 {
		r = io.LimitReader(r, size)
	}
	h := md5.New()
	r = io.TeeReader(r, h)

	var (
		locs  []backend.Location
		total int64
		buf   = make([]byte, s.blockSize)
	)
	fail := func(err error) ([]backend.Location, string, int64, error) {
		s.Reclaim(bucket, locs)
		return nil, "", 0, err
	}

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			loc, perr := s.backends.Put(ctx, bytes.NewReader(buf[:n]), int64(n))
			if perr != nil {
				return fail(fmt.Errorf("%w: %v", ErrBackendUnavailable, perr))
			}
			loc.Start = total
			locs = append(locs, loc)
			total += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("read body: %w", err))
		}
	}

	if size >= 0 && total != size {
		return fail(fmt.Errorf("%w: incomplete body, got %d of %d bytes", ErrInvalidRequest, total, size))
	}
	return locs, hex.EncodeToString(h.Sum(nil)), total, nil
}

// OpenLocations streams the concatenated content of locs.
func (s *Store) OpenLocations(ctx context.Context, locs []backend.Location) io.ReadCloser {
	return &locationReader{ctx: ctx, backends: s.backends, locs: locs}
}

// Reclaim hands locations to the reclaimer. They are deleted only if no
// record still references them.
func (s *Store) Reclaim(bucket string, locs []backend.Location) {
	if len(locs) == 0 {
		return
	}
	s.reclaimer.Enqueue(bucket, locs)
}

// IsReferenced reports whether any record or multipart part in bucket
// lists loc. A missing bucket references nothing.
func (s *Store) IsReferenced(ctx context.Context, bucket string, loc backend.Location) (bool, error) {
	found := false
	err := s.meta.Scan(ctx, bucket, meta.ScanOptions{Prefix: refKeyPrefix(loc), Limit: 1}, func(meta.Entry) (bool, error) {
		found = true
		return false, nil
	})
	if meta.IsNamespaceNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return found, nil
}

func addRecordRefs(b *meta.Batch, rec *ObjectRecord) {
	for _, loc := range rec.Locations {
		b.Put(recordRefKey(loc, rec.Key, rec.VersionID), refValue)
	}
}

func dropRecordRefs(b *meta.Batch, rec *ObjectRecord) {
	for _, loc := range rec.Locations {
		b.Delete(recordRefKey(loc, rec.Key, rec.VersionID))
	}
}

// --- Records ---

func (s *Store) loadHead(ctx context.Context, bucket, key string) (*keyHead, []byte, error) {
	raw, err := s.meta.Get(ctx, bucket, headKey(key))
	if errors.Is(err, meta.ErrNotFound) {
		return &keyHead{}, nil, nil
	}
	if err != nil {
		return nil, nil, wrapMetaErr(err)
	}
	h, err := decodeHead(raw)
	if err != nil {
		return nil, nil, err
	}
	return h, raw, nil
}

// loadRecord returns nil without error when the version does not exist.
func (s *Store) loadRecord(ctx context.Context, bucket, key, vid string) (*ObjectRecord, error) {
	raw, err := s.meta.Get(ctx, bucket, objKey(key, vid))
	if errors.Is(err, meta.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapMetaErr(err)
	}
	return decodeRecord(raw)
}

// currentRecord returns the newest record of key, or nil.
func (s *Store) currentRecord(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	var rec *ObjectRecord
	err := s.meta.Scan(ctx, bucket, meta.ScanOptions{Prefix: objKeyPrefix(key), Limit: 1}, func(e meta.Entry) (bool, error) {
		r, err := decodeRecord(e.Value)
		if err != nil {
			return false, err
		}
		rec = r
		return false, nil
	})
	if err != nil {
		return nil, wrapMetaErr(err)
	}
	return rec, nil
}

// hasOtherRecords reports whether key has a record other than vid.
func (s *Store) hasOtherRecords(ctx context.Context, bucket, key, vid string) (bool, error) {
	found := false
	err := s.meta.Scan(ctx, bucket, meta.ScanOptions{Prefix: objKeyPrefix(key)}, func(e meta.Entry) (bool, error) {
		if _, v, ok := splitObjKey(e.Key); ok && v != vid {
			found = true
			return false, nil
		}
		return true, nil
	})
	return found, wrapMetaErr(err)
}

// PutOptions carries client-supplied object attributes.
type PutOptions struct {
	ContentType  string
	StorageClass string
	Owner        string
	UserMetadata map[string]string
}

// PutRecordOptions selects the record a put addresses.
type PutRecordOptions struct {
	// VersionID is empty, "null" or an explicit version id.
	VersionID string
	// MetadataOnly replaces metadata but keeps the target's data locations.
	// The target must exist.
	MetadataOnly bool
}

// PutResult describes a committed put.
type PutResult struct {
	VersionID  string // as addressed by clients, "null" for the null version
	Record     *ObjectRecord
	Action     PutAction
	Superseded []backend.Location
}

// PutObject stores the body of r and commits a record for it.
func (s *Store) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts PutOptions) (*PutResult, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if _, _, err := s.getBucket(ctx, bucket); err != nil {
		return nil, err
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

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	rec := &ObjectRecord{
		Locations:     locs,
		ContentLength: n,
		ContentMD5:    md5sum,
		ContentType:   contentType,
		StorageClass:  opts.StorageClass,
		Owner:         opts.Owner,
		UserMetadata:  opts.UserMetadata,
	}
	res, err := s.PutRecord(ctx, bucket, key, rec, PutRecordOptions{})
	if err != nil {
		// The blobs were never referenced.
		s.Reclaim(bucket, locs)
		return nil, err
	}
	return res, nil
}

// PutRecord commits rec under key according to the bucket's versioning
// state and opts. Superseded locations are sent to reclaim only after the
// commit.
func (s *Store) PutRecord(ctx context.Context, bucket, key string, rec *ObjectRecord, opts PutRecordOptions) (*PutResult, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	target := TargetOf(opts.VersionID)
	if target == TargetVersion && !validVersionID(opts.VersionID) {
		return nil, fmt.Errorf("%w: invalid version id", ErrInvalidRequest)
	}

	var reserved int64
	if !opts.MetadataOnly && !rec.IsDeleteMarker && rec.ContentLength > 0 {
		if err := s.quota.CheckAndReserve(bucket, rec.ContentLength); err != nil {
			return nil, err
		}
		reserved = rec.ContentLength
	}

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		res, released, err := s.tryPut(ctx, bucket, key, rec, target, opts)
		if errors.Is(err, meta.ErrConflict) {
			s.metrics.recordRetry()
			continue
		}
		if err != nil {
			s.quota.Release(bucket, reserved)
			return nil, err
		}

		s.quota.Release(bucket, released)
		s.metrics.setQuotaUsed(bucket, s.quota.BucketUsedBytes(bucket))
		s.metrics.recordWrite(res.Action.String())
		s.logger.Debug().
			Str("bucket", bucket).
			Str("key", key).
			Str("version_id", res.VersionID).
			Str("action", res.Action.String()).
			Int("superseded", len(res.Superseded)).
			Msg("Object record committed")
		s.Reclaim(bucket, res.Superseded)
		return res, nil
	}

	s.quota.Release(bucket, reserved)
	return nil, fmt.Errorf("%w: %s/%s", ErrConflict, bucket, key)
}

// tryPut performs one read-decide-commit round. It returns the bytes of
// quota to release for data the commit removed.
func (s *Store) tryPut(ctx context.Context, bucket, key string, in *ObjectRecord, target Target, opts PutRecordOptions) (*PutResult, int64, error) {
	bkt, _, err := s.getBucket(ctx, bucket)
	if err != nil {
		return nil, 0, err
	}
	head, headRaw, err := s.loadHead(ctx, bucket, key)
	if err != nil {
		return nil, 0, err
	}

	var old *ObjectRecord
	switch target {
	case TargetNull:
		if head.NullVID != "" {
			old, err = s.loadRecord(ctx, bucket, key, head.NullVID)
		}
	case TargetVersion:
		old, err = s.loadRecord(ctx, bucket, key, opts.VersionID)
	default:
		if opts.MetadataOnly {
			old, err = s.currentRecord(ctx, bucket, key)
		}
	}
	if err != nil {
		return nil, 0, err
	}

	var action PutAction
	if opts.MetadataOnly {
		if old == nil {
			return nil, 0, ErrObjectNotFound
		}
		action = PutReplaceVersion
		if old.IsNull {
			action = PutReplaceNull
		}
	} else {
		action, err = DecidePut(bkt.VersioningState(), target, old != nil)
		if err != nil {
			return nil, 0, err
		}
	}

	rec := *in
	rec.Key = key
	if rec.LastModified.IsZero() {
		rec.LastModified = s.now().UTC()
	}

	b := &meta.Batch{}
	if headRaw == nil {
		b.ExpectAbsent(headKey(key))
	} else {
		b.Expect(headKey(key), headRaw)
	}
	next := *head
	next.Rev++

	var removed *ObjectRecord
	switch action {
	case PutNewVersion:
		rec.VersionID = s.ids.Next()
		rec.IsNull = false
	case PutWriteNull:
		rec.VersionID = s.ids.Next()
		rec.IsNull = true
		if head.NullVID != "" {
			prev, err := s.loadRecord(ctx, bucket, key, head.NullVID)
			if err != nil {
				return nil, 0, err
			}
			if prev != nil {
				removed = prev
				b.Delete(objKey(key, prev.VersionID))
				dropRecordRefs(b, prev)
			}
		}
		next.NullVID = rec.VersionID
	case PutReplaceNull, PutReplaceVersion:
		rec.VersionID = old.VersionID
		rec.IsNull = old.IsNull
		removed = old
		dropRecordRefs(b, old)
	case PutInsertVersion:
		rec.VersionID = opts.VersionID
		rec.IsNull = false
	}
	if action == PutNewVersion || action == PutWriteNull || action == PutInsertVersion {
		b.ExpectAbsent(objKey(key, rec.VersionID))
	}

	if opts.MetadataOnly {
		rec.Locations = old.Locations
		rec.ContentLength = old.ContentLength
		rec.ContentMD5 = old.ContentMD5
		rec.IsDeleteMarker = old.IsDeleteMarker
	}

	data, err := encode(&rec)
	if err != nil {
		return nil, 0, err
	}
	b.Put(objKey(key, rec.VersionID), data)
	addRecordRefs(b, &rec)
	headData, err := encode(&next)
	if err != nil {
		return nil, 0, err
	}
	b.Put(headKey(key), headData)

	if err := s.meta.Commit(ctx, bucket, b); err != nil {
		return nil, 0, wrapMetaErr(err)
	}

	res := &PutResult{VersionID: rec.PublicVersionID(), Record: &rec, Action: action}
	var released int64
	if removed != nil {
		res.Superseded = backend.Superseded(removed.Locations, rec.Locations)
		if !opts.MetadataOnly && removed.hasData() {
			released = removed.ContentLength
		}
	}
	return res, released, nil
}

// GetObjectRecord resolves key and versionID to a record. A delete marker
// is returned together with ErrDeleteMarker.
func (s *Store) GetObjectRecord(ctx context.Context, bucket, key, versionID string) (*ObjectRecord, error) {
	if _, _, err := s.getBucket(ctx, bucket); err != nil {
		return nil, err
	}

	var (
		rec *ObjectRecord
		err error
	)
	switch TargetOf(versionID) {
	case TargetNone:
		rec, err = s.currentRecord(ctx, bucket, key)
		if err == nil && rec == nil {
			return nil, ErrObjectNotFound
		}
	case TargetNull:
		var head *keyHead
		head, _, err = s.loadHead(ctx, bucket, key)
		if err == nil && head.NullVID != "" {
			rec, err = s.loadRecord(ctx, bucket, key, head.NullVID)
		}
		if err == nil && rec == nil {
			return nil, ErrVersionNotFound
		}
	default:
		rec, err = s.loadRecord(ctx, bucket, key, versionID)
		if err == nil && rec == nil {
			return nil, ErrVersionNotFound
		}
	}
	if err != nil {
		return nil, err
	}
	if rec.IsDeleteMarker {
		return rec, ErrDeleteMarker
	}
	return rec, nil
}

// GetObject returns a reader over the object's data and its record.
func (s *Store) GetObject(ctx context.Context, bucket, key, versionID string) (io.ReadCloser, *ObjectRecord, error) {
	rec, err := s.GetObjectRecord(ctx, bucket, key, versionID)
	if err != nil {
		return nil, rec, err
	}
	return s.OpenLocations(ctx, rec.Locations), rec, nil
}

// DeleteResult describes a committed delete.
type DeleteResult struct {
	Key       string
	VersionID string // version created (marker) or removed
	// DeleteMarker is true when a marker was created or a marker was removed.
	DeleteMarker bool
	Action       DeleteAction
	Superseded   []backend.Location
}

// DeleteObject deletes key, or one version of it, according to the
// bucket's versioning state.
func (s *Store) DeleteObject(ctx context.Context, bucket, key, versionID string) (*DeleteResult, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	target := TargetOf(versionID)
	if target == TargetVersion && !validVersionID(versionID) {
		return nil, fmt.Errorf("%w: invalid version id", ErrInvalidRequest)
	}

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		res, released, err := s.tryDelete(ctx, bucket, key, versionID, target)
		if errors.Is(err, meta.ErrConflict) {
			s.metrics.recordRetry()
			continue
		}
		if err != nil {
			return nil, err
		}
		s.quota.Release(bucket, released)
		s.metrics.setQuotaUsed(bucket, s.quota.BucketUsedBytes(bucket))
		s.metrics.recordWrite(res.Action.String())
		s.Reclaim(bucket, res.Superseded)
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrConflict, bucket, key)
}

func (s *Store) newDeleteMarker(key, vid string, isNull bool) *ObjectRecord {
	return &ObjectRecord{
		Key:            key,
		VersionID:      vid,
		IsNull:         isNull,
		IsDeleteMarker: true,
		LastModified:   s.now().UTC(),
	}
}

func (s *Store) tryDelete(ctx context.Context, bucket, key, versionID string, target Target) (*DeleteResult, int64, error) {
	bkt, _, err := s.getBucket(ctx, bucket)
	if err != nil {
		return nil, 0, err
	}
	head, headRaw, err := s.loadHead(ctx, bucket, key)
	if err != nil {
		return nil, 0, err
	}

	action := DecideDelete(bkt.VersioningState(), target)
	res := &DeleteResult{Key: key, Action: action}

	b := &meta.Batch{}
	if headRaw == nil {
		b.ExpectAbsent(headKey(key))
	} else {
		b.Expect(headKey(key), headRaw)
	}
	next := *head
	next.Rev++

	var removed, marker *ObjectRecord
	switch action {
	case DeleteInsertMarker:
		marker = s.newDeleteMarker(key, s.ids.Next(), false)
	case DeleteNullMarker:
		if head.NullVID != "" {
			if removed, err = s.loadRecord(ctx, bucket, key, head.NullVID); err != nil {
				return nil, 0, err
			}
		}
		marker = s.newDeleteMarker(key, s.ids.Next(), true)
		next.NullVID = marker.VersionID
	case DeleteRemoveNull:
		if head.NullVID != "" {
			if removed, err = s.loadRecord(ctx, bucket, key, head.NullVID); err != nil {
				return nil, 0, err
			}
		}
		if removed == nil {
			if target == TargetNull {
				return nil, 0, ErrVersionNotFound
			}
			// Unversioned delete of a missing key succeeds without a write.
			res.VersionID = NullVersionID
			return res, 0, nil
		}
		next.NullVID = ""
	case DeleteRemoveVersion:
		if removed, err = s.loadRecord(ctx, bucket, key, versionID); err != nil {
			return nil, 0, err
		}
		if removed == nil {
			return nil, 0, ErrVersionNotFound
		}
		if next.NullVID == removed.VersionID {
			next.NullVID = ""
		}
	}

	if removed != nil {
		b.Delete(objKey(key, removed.VersionID))
		dropRecordRefs(b, removed)
		res.VersionID = removed.PublicVersionID()
		res.DeleteMarker = removed.IsDeleteMarker
		res.Superseded = backend.Superseded(removed.Locations, nil)
	}
	if marker != nil {
		data, err := encode(marker)
		if err != nil {
			return nil, 0, err
		}
		b.ExpectAbsent(objKey(key, marker.VersionID))
		b.Put(objKey(key, marker.VersionID), data)
		res.VersionID = marker.PublicVersionID()
		res.DeleteMarker = true
	}

	keep := marker != nil
	if !keep {
		others, err := s.hasOtherRecords(ctx, bucket, key, removed.VersionID)
		if err != nil {
			return nil, 0, err
		}
		keep = others
	}
	if keep {
		headData, err := encode(&next)
		if err != nil {
			return nil, 0, err
		}
		b.Put(headKey(key), headData)
	} else {
		b.Delete(headKey(key))
	}

	if err := s.meta.Commit(ctx, bucket, b); err != nil {
		return nil, 0, wrapMetaErr(err)
	}

	var released int64
	if removed != nil && removed.hasData() {
		released = removed.ContentLength
	}
	return res, released, nil
}

// ObjectIdentifier names an object or one version of it.
type ObjectIdentifier struct {
	Key       string
	VersionID string
}

// DeleteObjects deletes each identifier independently. errs[i] is the
// outcome of ids[i].
func (s *Store) DeleteObjects(ctx context.Context, bucket string, ids []ObjectIdentifier) ([]*DeleteResult, []error) {
	results := make([]*DeleteResult, len(ids))
	errs := make([]error, len(ids))
	for i, id := range ids {
		results[i], errs[i] = s.DeleteObject(ctx, bucket, id.Key, id.VersionID)
	}
	return results, errs
}

// --- Listing ---

// ListObjects lists the current, non-deleted object of each key.
func (s *Store) ListObjects(ctx context.Context, bucket string, opts ListOptions) (*Page[*ObjectRecord], error) {
	if _, _, err := s.getBucket(ctx, bucket); err != nil {
		return nil, err
	}
	opts.IDMarker = ""
	p := newPaginator[*ObjectRecord](opts)
	if p.done() {
		return p.result(), nil
	}

	prevKey := ""
	first := true
	err := s.meta.Scan(ctx, bucket, meta.ScanOptions{
		Prefix: objPrefix + opts.Prefix,
		Start:  objPrefix + scanStart(opts),
	}, func(e meta.Entry) (bool, error) {
		key, _, ok := splitObjKey(e.Key)
		if !ok || (!first && key == prevKey) {
			return true, nil
		}
		first = false
		prevKey = key
		rec, err := decodeRecord(e.Value)
		if err != nil {
			return false, err
		}
		if rec.IsDeleteMarker {
			return true, nil
		}
		return p.add(key, "", rec), nil
	})
	if err != nil {
		return nil, wrapMetaErr(err)
	}
	return p.result(), nil
}

// VersionEntry is one row of a version listing.
type VersionEntry struct {
	Record   *ObjectRecord
	IsLatest bool
}

// ListObjectVersions lists every version and delete marker, newest first
// within a key. An IDMarker of "null" resolves to the null version.
func (s *Store) ListObjectVersions(ctx context.Context, bucket string, opts ListOptions) (*Page[VersionEntry], error) {
	if _, _, err := s.getBucket(ctx, bucket); err != nil {
		return nil, err
	}
	if opts.IDMarker == NullVersionID && opts.KeyMarker != "" {
		head, _, err := s.loadHead(ctx, bucket, opts.KeyMarker)
		if err != nil {
			return nil, err
		}
		opts.IDMarker = head.NullVID
	}

	p := newPaginator[VersionEntry](opts)
	if p.done() {
		return p.result(), nil
	}

	prevKey := ""
	first := true
	err := s.meta.Scan(ctx, bucket, meta.ScanOptions{
		Prefix: objPrefix + opts.Prefix,
		Start:  objPrefix + scanStart(opts),
	}, func(e meta.Entry) (bool, error) {
		key, vid, ok := splitObjKey(e.Key)
		if !ok {
			return true, nil
		}
		latest := first || key != prevKey
		first = false
		prevKey = key
		rec, err := decodeRecord(e.Value)
		if err != nil {
			return false, err
		}
		return p.add(key, vid, VersionEntry{Record: rec, IsLatest: latest}), nil
	})
	if err != nil {
		return nil, wrapMetaErr(err)
	}

	page := p.result()
	if n := len(page.Items); page.IsTruncated && n > 0 {
		last := page.Items[n-1].Record
		if last.Key == page.NextKeyMarker && last.VersionID == page.NextIDMarker {
			page.NextIDMarker = last.PublicVersionID()
		}
	}
	return page, nil
}

// locationReader reads a sequence of locations as one stream, opening each
// blob only when the previous one is exhausted.
type locationReader struct {
	ctx      context.Context
	backends *backend.Registry
	locs     []backend.Location
	cur      io.ReadCloser
}

func (r *locationReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if len(r.locs) == 0 {
				return 0, io.EOF
			}
			rc, err := r.backends.Open(r.ctx, r.locs[0])
			if err != nil {
				return 0, fmt.Errorf("open %s: %w", r.locs[0].ID(), err)
			}
			r.cur = rc
			r.locs = r.locs[1:]
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			_ = r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *locationReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}
