package s3

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/versohq/verso/internal/logging/audit"
)

// iso8601 is the timestamp format of S3 XML bodies.
const iso8601 = "2006-01-02T15:04:05.000Z"

// maxXMLBody bounds request bodies that are parsed as XML or JSON.
const maxXMLBody = 1 << 20

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Note: Not thread-safe. Must only be used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// classifyS3Status converts HTTP status code to metric status string.
func classifyS3Status(httpStatus int) string {
	switch {
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	case httpStatus == http.StatusForbidden:
		return "access_denied"
	default:
		return "error"
	}
}

// classifyS3StatusWithError converts HTTP status and error to metric status string.
// This distinguishes quota_exceeded from access_denied (both use 403).
func classifyS3StatusWithError(httpStatus int, err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return classifyS3Status(httpStatus)
}

// apiError is an S3 error code and its HTTP status.
type apiError struct {
	status  int
	code    string
	message string
}

// toAPIError maps engine errors to S3 error responses.
func toAPIError(err error) apiError {
	switch {
	case errors.Is(err, ErrBucketNotFound):
		return apiError{http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist"}
	case errors.Is(err, ErrObjectNotFound), errors.Is(err, ErrDeleteMarker):
		return apiError{http.StatusNotFound, "NoSuchKey", "The specified key does not exist"}
	case errors.Is(err, ErrVersionNotFound):
		return apiError{http.StatusNotFound, "NoSuchVersion", "The specified version does not exist"}
	case errors.Is(err, ErrUploadNotFound):
		return apiError{http.StatusNotFound, "NoSuchUpload", "The specified multipart upload does not exist"}
	case errors.Is(err, ErrBucketExists):
		return apiError{http.StatusConflict, "BucketAlreadyExists", "Bucket already exists"}
	case errors.Is(err, ErrBucketNotEmpty):
		return apiError{http.StatusConflict, "BucketNotEmpty", "The bucket you tried to delete is not empty"}
	case errors.Is(err, ErrConflict):
		return apiError{http.StatusConflict, "OperationAborted", "A conflicting operation is in progress"}
	case errors.Is(err, ErrQuotaExceeded):
		return apiError{http.StatusForbidden, "QuotaExceeded", "Storage quota exceeded"}
	case errors.Is(err, ErrInvalidState):
		return apiError{http.StatusConflict, "InvalidBucketState", "The request is not valid for the bucket's versioning state"}
	case errors.Is(err, ErrInvalidPart):
		return apiError{http.StatusBadRequest, "InvalidPart", err.Error()}
	case errors.Is(err, ErrInvalidRequest):
		return apiError{http.StatusBadRequest, "InvalidArgument", err.Error()}
	case errors.Is(err, ErrBackendUnavailable):
		return apiError{http.StatusServiceUnavailable, "ServiceUnavailable", "Storage backend unavailable"}
	case errors.Is(err, ErrAccessDenied):
		return apiError{http.StatusForbidden, "AccessDenied", "Access denied"}
	}
	return apiError{http.StatusInternalServerError, "InternalError", err.Error()}
}

// ErrorStatus returns the HTTP status and S3 error code for err.
func ErrorStatus(err error) (int, string) {
	e := toAPIError(err)
	return e.status, e.code
}

// Server provides an S3-compatible HTTP interface.
type Server struct {
	store      *Store
	authorizer Authorizer
	metrics    *Metrics
	audit      *audit.Logger
}

// NewServer creates a new S3 server. metrics and auditLog may be nil.
func NewServer(store *Store, authorizer Authorizer, metrics *Metrics, auditLog *audit.Logger) *Server {
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Server{
		store:      store,
		authorizer: authorizer,
		metrics:    metrics,
		audit:      auditLog,
	}
}

// Handler returns the HTTP handler for S3 requests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleRequest)
}

// request carries the per-request state shared by handlers.
type request struct {
	w      *statusRecorder
	r      *http.Request
	bucket string
	key    string
	userID string
	err    error // engine error, for metrics
}

func (q *request) has(param string) bool {
	_, ok := q.r.URL.Query()[param]
	return ok
}

func (q *request) query(param string) string {
	return q.r.URL.Query().Get(param)
}

// handleRequest routes S3 requests based on path and method.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/_/healthcheck" {
		s.healthcheck(w, r)
		return
	}

	// Path format: /{bucket} or /{bucket}/{key...}
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	q := &request{w: &statusRecorder{ResponseWriter: w}, r: r}
	if len(parts) >= 1 {
		q.bucket = parts[0]
	}
	if len(parts) >= 2 {
		q.key = parts[1]
	}

	log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("bucket", q.bucket).
		Str("key", q.key).
		Msg("S3 request")

	var (
		op      string
		handler func(*request)
	)
	switch {
	case q.bucket == "":
		op, handler = s.routeService(q)
	case q.key == "":
		op, handler = s.routeBucket(q)
	default:
		op, handler = s.routeObject(q)
	}
	if handler == nil {
		s.writeError(q.w, http.StatusMethodNotAllowed, "MethodNotAllowed", "Method not allowed")
		return
	}

	start := time.Now()
	defer func() {
		s.metrics.RecordRequest(op, classifyS3StatusWithError(q.w.getStatus(), q.err), time.Since(start).Seconds())
	}()
	handler(q)
}

func (s *Server) routeService(q *request) (string, func(*request)) {
	if q.r.Method == http.MethodGet {
		return "ListBuckets", s.listBuckets
	}
	return "", nil
}

func (s *Server) routeBucket(q *request) (string, func(*request)) {
	switch q.r.Method {
	case http.MethodGet:
		switch {
		case q.has("versions"):
			return "ListObjectVersions", s.listObjectVersions
		case q.has("uploads"):
			return "ListMultipartUploads", s.listMultipartUploads
		case q.has("versioning"):
			return "GetBucketVersioning", s.getBucketVersioning
		case q.has("quota"):
			return "GetBucketQuota", s.getBucketQuota
		case q.query("list-type") == "2":
			return "ListObjectsV2", s.listObjectsV2
		}
		return "ListObjects", s.listObjects
	case http.MethodPut:
		switch {
		case q.has("versioning"):
			return "PutBucketVersioning", s.putBucketVersioning
		case q.has("quota"):
			return "PutBucketQuota", s.putBucketQuota
		}
		return "CreateBucket", s.createBucket
	case http.MethodDelete:
		if q.has("quota") {
			return "DeleteBucketQuota", s.deleteBucketQuota
		}
		return "DeleteBucket", s.deleteBucket
	case http.MethodHead:
		return "HeadBucket", s.headBucket
	case http.MethodPost:
		if q.has("delete") {
			return "DeleteObjects", s.deleteObjects
		}
	}
	return "", nil
}

func (s *Server) routeObject(q *request) (string, func(*request)) {
	switch q.r.Method {
	case http.MethodGet:
		if q.has("uploadId") {
			return "ListParts", s.listParts
		}
		return "GetObject", s.getObject
	case http.MethodHead:
		return "HeadObject", s.headObject
	case http.MethodPut:
		if q.has("uploadId") && q.has("partNumber") {
			return "UploadPart", s.uploadPart
		}
		return "PutObject", s.putObject
	case http.MethodDelete:
		if q.has("uploadId") {
			return "AbortMultipartUpload", s.abortMultipartUpload
		}
		return "DeleteObject", s.deleteObject
	case http.MethodPost:
		switch {
		case q.has("uploads"):
			return "CreateMultipartUpload", s.createMultipartUpload
		case q.has("uploadId"):
			return "CompleteMultipartUpload", s.completeMultipartUpload
		}
	}
	return "", nil
}

// authorize authenticates the request; on failure the response is written
// and false returned.
func (s *Server) authorize(q *request, verb, resource string) bool {
	userID, err := s.authorizer.AuthorizeRequest(q.r, verb, resource, q.bucket, q.key)
	if err != nil {
		q.err = err
		s.handleAuthError(q.w, err)
		return false
	}
	q.userID = userID
	return true
}

// fail writes the S3 error for err.
func (s *Server) fail(q *request, err error) {
	q.err = err
	e := toAPIError(err)
	if e.status >= 500 {
		log.Error().Err(err).Str("bucket", q.bucket).Str("key", q.key).Msg("S3 request failed")
	}
	s.writeError(q.w, e.status, e.code, e.message)
}

// auditOp records a mutating operation.
func (s *Server) auditOp(q *request, operation, versionID string, err error) {
	result, details := "allowed", ""
	if err != nil {
		result, details = "failed", err.Error()
	}
	s.audit.LogS3Op(q.userID, operation, q.bucket, q.key, versionID, result, details, sourceIP(q.r))
}

func (s *Server) healthcheck(w http.ResponseWriter, r *http.Request) {
	statuses := s.store.Backends().Healthcheck(r.Context())
	status := http.StatusOK
	for _, st := range statuses {
		if st.Code != http.StatusOK {
			status = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		log.Error().Err(err).Msg("Failed to encode healthcheck response")
	}
}

// --- Service and bucket operations ---

// listBuckets handles GET /.
func (s *Server) listBuckets(q *request) {
	if !s.authorize(q, "list", "buckets") {
		return
	}
	buckets, err := s.store.ListBuckets(q.r.Context())
	if err != nil {
		s.fail(q, err)
		return
	}

	resp := ListAllMyBucketsResult{
		Owner: Owner{ID: q.userID, DisplayName: q.userID},
	}
	for _, b := range buckets {
		resp.Buckets.Bucket = append(resp.Buckets.Bucket, BucketInfo{
			Name:         b.Name,
			CreationDate: b.CreatedAt.UTC().Format(iso8601),
		})
	}
	s.writeXML(q.w, http.StatusOK, resp)
}

// createBucket handles PUT /{bucket}.
func (s *Server) createBucket(q *request) {
	if !s.authorize(q, "create", "buckets") {
		return
	}
	err := s.store.CreateBucket(q.r.Context(), q.bucket, q.userID)
	s.auditOp(q, "CreateBucket", "", err)
	if err != nil {
		s.fail(q, err)
		return
	}
	q.w.Header().Set("Location", "/"+q.bucket)
	q.w.WriteHeader(http.StatusOK)
}

// deleteBucket handles DELETE /{bucket}.
func (s *Server) deleteBucket(q *request) {
	if !s.authorize(q, "delete", "buckets") {
		return
	}
	err := s.store.DeleteBucket(q.r.Context(), q.bucket)
	s.auditOp(q, "DeleteBucket", "", err)
	if err != nil {
		s.fail(q, err)
		return
	}
	q.w.WriteHeader(http.StatusNoContent)
}

// headBucket handles HEAD /{bucket}.
func (s *Server) headBucket(q *request) {
	if !s.authorize(q, "get", "buckets") {
		return
	}
	if _, err := s.store.HeadBucket(q.r.Context(), q.bucket); err != nil {
		q.err = err
		q.w.WriteHeader(toAPIError(err).status)
		return
	}
	q.w.WriteHeader(http.StatusOK)
}

// getBucketVersioning handles GET /{bucket}?versioning.
func (s *Server) getBucketVersioning(q *request) {
	if !s.authorize(q, "get", "buckets") {
		return
	}
	state, err := s.store.GetBucketVersioning(q.r.Context(), q.bucket)
	if err != nil {
		s.fail(q, err)
		return
	}
	s.writeXML(q.w, http.StatusOK, VersioningConfiguration{Status: state.String()})
}

// putBucketVersioning handles PUT /{bucket}?versioning.
func (s *Server) putBucketVersioning(q *request) {
	if !s.authorize(q, "put", "buckets") {
		return
	}
	var cfg VersioningConfiguration
	if err := xml.NewDecoder(io.LimitReader(q.r.Body, maxXMLBody)).Decode(&cfg); err != nil {
		s.writeError(q.w, http.StatusBadRequest, "MalformedXML", "The XML you provided was not well-formed")
		return
	}
	state, err := ParseVersioningState(cfg.Status)
	if err == nil && state == VersioningDisabled {
		err = fmt.Errorf("%w: versioning status must be Enabled or Suspended", ErrInvalidRequest)
	}
	if err != nil {
		s.writeError(q.w, http.StatusBadRequest, "MalformedXML", err.Error())
		return
	}
	err = s.store.PutBucketVersioning(q.r.Context(), q.bucket, state)
	s.auditOp(q, "PutBucketVersioning", "", err)
	if err != nil {
		s.fail(q, err)
		return
	}
	q.w.WriteHeader(http.StatusOK)
}

// BucketQuota is the JSON body of the bucket quota API.
type BucketQuota struct {
	Name  string `json:"name,omitempty"`
	Quota int64  `json:"quota"`
}

// getBucketQuota handles GET /{bucket}?quota.
func (s *Server) getBucketQuota(q *request) {
	if !s.authorize(q, "get", "buckets") {
		return
	}
	b, err := s.store.HeadBucket(q.r.Context(), q.bucket)
	if err != nil {
		s.fail(q, err)
		return
	}
	q.w.Header().Set("Content-Type", "application/json")
	q.w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(q.w).Encode(BucketQuota{Name: b.Name, Quota: b.QuotaBytes})
}

// putBucketQuota handles PUT /{bucket}?quota with a JSON body.
func (s *Server) putBucketQuota(q *request) {
	if !s.authorize(q, "put", "buckets") {
		return
	}
	var body BucketQuota
	if err := json.NewDecoder(io.LimitReader(q.r.Body, maxXMLBody)).Decode(&body); err != nil || body.Quota < 0 {
		s.writeError(q.w, http.StatusBadRequest, "InvalidArgument", "Request body must be {\"quota\": <bytes>}")
		return
	}
	err := s.store.PutBucketQuota(q.r.Context(), q.bucket, body.Quota)
	s.auditOp(q, "PutBucketQuota", "", err)
	if err != nil {
		s.fail(q, err)
		return
	}
	s.audit.LogQuota(q.userID, "set", q.bucket, body.Quota)
	q.w.WriteHeader(http.StatusOK)
}

// deleteBucketQuota handles DELETE /{bucket}?quota. It succeeds whether or
// not a quota was set.
func (s *Server) deleteBucketQuota(q *request) {
	if !s.authorize(q, "delete", "buckets") {
		return
	}
	err := s.store.DeleteBucketQuota(q.r.Context(), q.bucket)
	s.auditOp(q, "DeleteBucketQuota", "", err)
	if err != nil {
		s.fail(q, err)
		return
	}
	s.audit.LogQuota(q.userID, "reset", q.bucket, 0)
	q.w.WriteHeader(http.StatusNoContent)
}

// parseMaxKeys reads a max-keys style parameter, defaulting and capping at 1000.
func parseMaxKeys(q *request, param string) (int, bool) {
	v := q.query(param)
	if v == "" {
		return 1000, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	if n > 1000 {
		n = 1000
	}
	return n, true
}

func (s *Server) listOptions(q *request, maxParam, keyMarkerParam, idMarkerParam string) (ListOptions, bool) {
	maxKeys, ok := parseMaxKeys(q, maxParam)
	if !ok {
		s.writeError(q.w, http.StatusBadRequest, "InvalidArgument", maxParam+" must be a non-negative integer")
		return ListOptions{}, false
	}
	opts := ListOptions{
		Prefix:    q.query("prefix"),
		Delimiter: q.query("delimiter"),
		KeyMarker: q.query(keyMarkerParam),
		MaxKeys:   maxKeys,
	}
	if idMarkerParam != "" {
		opts.IDMarker = q.query(idMarkerParam)
	}
	if et := q.query("encoding-type"); et != "" && et != "url" {
		s.writeError(q.w, http.StatusBadRequest, "InvalidArgument", "Invalid Encoding Method specified in Request")
		return ListOptions{}, false
	}
	return opts, true
}

func commonPrefixes(prefixes []string, encodingType string) []CommonPrefix {
	out := make([]CommonPrefix, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, CommonPrefix{Prefix: EncodeKey(p, encodingType)})
	}
	return out
}

func objectInfo(rec *ObjectRecord, encodingType string) ObjectInfo {
	return ObjectInfo{
		Key:          EncodeKey(rec.Key, encodingType),
		LastModified: rec.LastModified.UTC().Format(iso8601),
		ETag:         rec.ETag(),
		Size:         rec.ContentLength,
		StorageClass: storageClass(rec.StorageClass),
	}
}

func storageClass(sc string) string {
	if sc == "" {
		return "STANDARD"
	}
	return sc
}

// listObjects handles GET /{bucket} (V1).
func (s *Server) listObjects(q *request) {
	if !s.authorize(q, "list", "objects") {
		return
	}
	opts, ok := s.listOptions(q, "max-keys", "marker", "")
	if !ok {
		return
	}
	page, err := s.store.ListObjects(q.r.Context(), q.bucket, opts)
	if err != nil {
		s.fail(q, err)
		return
	}

	et := q.query("encoding-type")
	resp := ListBucketResult{
		Name:           q.bucket,
		Prefix:         EncodeKey(opts.Prefix, et),
		Marker:         EncodeKey(opts.KeyMarker, et),
		Delimiter:      EncodeKey(opts.Delimiter, et),
		MaxKeys:        opts.MaxKeys,
		EncodingType:   et,
		IsTruncated:    page.IsTruncated,
		CommonPrefixes: commonPrefixes(page.CommonPrefixes, et),
	}
	if page.IsTruncated {
		resp.NextMarker = EncodeKey(page.NextKeyMarker, et)
	}
	for _, rec := range page.Items {
		resp.Contents = append(resp.Contents, objectInfo(rec, et))
	}
	s.writeXML(q.w, http.StatusOK, resp)
}

// listObjectsV2 handles GET /{bucket}?list-type=2.
func (s *Server) listObjectsV2(q *request) {
	if !s.authorize(q, "list", "objects") {
		return
	}
	opts, ok := s.listOptions(q, "max-keys", "start-after", "")
	if !ok {
		return
	}
	// continuation-token takes precedence over start-after
	token := q.query("continuation-token")
	if token != "" {
		opts.KeyMarker = token
	}
	page, err := s.store.ListObjects(q.r.Context(), q.bucket, opts)
	if err != nil {
		s.fail(q, err)
		return
	}

	et := q.query("encoding-type")
	resp := ListBucketResultV2{
		Name:              q.bucket,
		Prefix:            EncodeKey(opts.Prefix, et),
		Delimiter:         EncodeKey(opts.Delimiter, et),
		StartAfter:        EncodeKey(q.query("start-after"), et),
		ContinuationToken: token,
		MaxKeys:           opts.MaxKeys,
		EncodingType:      et,
		KeyCount:          len(page.Items) + len(page.CommonPrefixes),
		IsTruncated:       page.IsTruncated,
		CommonPrefixes:    commonPrefixes(page.CommonPrefixes, et),
	}
	if page.IsTruncated {
		resp.NextContinuationToken = page.NextKeyMarker
	}
	for _, rec := range page.Items {
		resp.Contents = append(resp.Contents, objectInfo(rec, et))
	}
	s.writeXML(q.w, http.StatusOK, resp)
}

// listObjectVersions handles GET /{bucket}?versions.
func (s *Server) listObjectVersions(q *request) {
	if !s.authorize(q, "list", "objects") {
		return
	}
	opts, ok := s.listOptions(q, "max-keys", "key-marker", "version-id-marker")
	if !ok {
		return
	}
	page, err := s.store.ListObjectVersions(q.r.Context(), q.bucket, opts)
	if err != nil {
		s.fail(q, err)
		return
	}

	et := q.query("encoding-type")
	resp := ListVersionsResult{
		Name:            q.bucket,
		Prefix:          EncodeKey(opts.Prefix, et),
		Delimiter:       EncodeKey(opts.Delimiter, et),
		KeyMarker:       EncodeKey(q.query("key-marker"), et),
		VersionIDMarker: q.query("version-id-marker"),
		MaxKeys:         opts.MaxKeys,
		EncodingType:    et,
		IsTruncated:     page.IsTruncated,
		CommonPrefixes:  commonPrefixes(page.CommonPrefixes, et),
	}
	if page.IsTruncated {
		resp.NextKeyMarker = EncodeKey(page.NextKeyMarker, et)
		resp.NextVersionIDMarker = page.NextIDMarker
	}
	for _, v := range page.Items {
		rec := v.Record
		owner := Owner{ID: rec.Owner, DisplayName: rec.Owner}
		if rec.IsDeleteMarker {
			resp.DeleteMarkers = append(resp.DeleteMarkers, DeleteMarkerEntry{
				Key:          EncodeKey(rec.Key, et),
				VersionID:    rec.PublicVersionID(),
				IsLatest:     v.IsLatest,
				LastModified: rec.LastModified.UTC().Format(iso8601),
				Owner:        owner,
			})
			continue
		}
		resp.Versions = append(resp.Versions, ObjectVersion{
			Key:          EncodeKey(rec.Key, et),
			VersionID:    rec.PublicVersionID(),
			IsLatest:     v.IsLatest,
			LastModified: rec.LastModified.UTC().Format(iso8601),
			ETag:         rec.ETag(),
			Size:         rec.ContentLength,
			StorageClass: storageClass(rec.StorageClass),
			Owner:        owner,
		})
	}
	s.writeXML(q.w, http.StatusOK, resp)
}

// listMultipartUploads handles GET /{bucket}?uploads.
func (s *Server) listMultipartUploads(q *request) {
	if !s.authorize(q, "list", "objects") {
		return
	}
	opts, ok := s.listOptions(q, "max-uploads", "key-marker", "upload-id-marker")
	if !ok {
		return
	}
	page, err := s.store.ListMultipartUploads(q.r.Context(), q.bucket, opts)
	if err != nil {
		s.fail(q, err)
		return
	}

	et := q.query("encoding-type")
	resp := ListMultipartUploadsResult{
		Bucket:         q.bucket,
		KeyMarker:      EncodeKey(opts.KeyMarker, et),
		UploadIDMarker: opts.IDMarker,
		Prefix:         EncodeKey(opts.Prefix, et),
		Delimiter:      EncodeKey(opts.Delimiter, et),
		MaxUploads:     opts.MaxKeys,
		EncodingType:   et,
		IsTruncated:    page.IsTruncated,
		CommonPrefixes: commonPrefixes(page.CommonPrefixes, et),
	}
	if page.IsTruncated {
		resp.NextKeyMarker = EncodeKey(page.NextKeyMarker, et)
		resp.NextUploadIDMarker = page.NextIDMarker
	}
	for _, up := range page.Items {
		resp.Uploads = append(resp.Uploads, UploadInfo{
			Key:          EncodeKey(up.Key, et),
			UploadID:     up.UploadID,
			Initiator:    Owner{ID: up.Initiator, DisplayName: up.Initiator},
			Owner:        Owner{ID: up.Owner, DisplayName: up.Owner},
			StorageClass: storageClass(up.StorageClass),
			Initiated:    up.Initiated.UTC().Format(iso8601),
		})
	}
	s.writeXML(q.w, http.StatusOK, resp)
}

// deleteObjects handles POST /{bucket}?delete.
func (s *Server) deleteObjects(q *request) {
	if !s.authorize(q, "delete", "objects") {
		return
	}
	var req DeleteRequest
	if err := xml.NewDecoder(io.LimitReader(q.r.Body, maxXMLBody)).Decode(&req); err != nil || len(req.Objects) == 0 {
		s.writeError(q.w, http.StatusBadRequest, "MalformedXML", "The XML you provided was not well-formed")
		return
	}
	if len(req.Objects) > 1000 {
		s.writeError(q.w, http.StatusBadRequest, "MalformedXML", "At most 1000 keys may be deleted per request")
		return
	}

	ids := make([]ObjectIdentifier, len(req.Objects))
	for i, o := range req.Objects {
		ids[i] = ObjectIdentifier{Key: o.Key, VersionID: o.VersionID}
	}
	results, errs := s.store.DeleteObjects(q.r.Context(), q.bucket, ids)

	var resp DeleteResultXML
	for i, id := range ids {
		err := errs[i]
		if errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrVersionNotFound) {
			err = nil
			results[i] = &DeleteResult{Key: id.Key, VersionID: id.VersionID}
		}
		s.audit.LogS3Op(q.userID, "DeleteObject", q.bucket, id.Key, id.VersionID, resultOf(err), errDetails(err), sourceIP(q.r))
		if err != nil {
			e := toAPIError(err)
			resp.Errors = append(resp.Errors, DeleteError{Key: id.Key, VersionID: id.VersionID, Code: e.code, Message: e.message})
			continue
		}
		if req.Quiet {
			continue
		}
		d := DeletedObject{Key: id.Key, VersionID: id.VersionID}
		if res := results[i]; res.DeleteMarker {
			d.DeleteMarker = true
			d.DeleteMarkerVersionID = res.VersionID
		}
		resp.Deleted = append(resp.Deleted, d)
	}
	s.writeXML(q.w, http.StatusOK, resp)
}

func resultOf(err error) string {
	if err != nil {
		return "failed"
	}
	return "allowed"
}

func errDetails(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}

// handleAuthError writes the appropriate error response for auth errors.
func (s *Server) handleAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrAccessDenied) {
		s.writeError(w, http.StatusForbidden, "AccessDenied", "Access denied")
		return
	}
	s.writeError(w, http.StatusUnauthorized, "InvalidAccessKeyId", "Authentication failed")
}

// writeError writes an S3-style XML error response.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	resp := ErrorResponse{
		Code:    code,
		Message: message,
	}
	if err := xml.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeXML writes an XML response.
func (s *Server) writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return
	}
	if err := xml.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode XML response")
	}
}
