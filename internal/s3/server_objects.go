package s3

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// userMetadata extracts x-amz-meta-* headers with lowercased names.
func userMetadata(h http.Header) map[string]string {
	var md map[string]string
	for k, v := range h {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-amz-meta-") && len(v) > 0 {
			if md == nil {
				md = make(map[string]string)
			}
			md[lk] = v[0]
		}
	}
	return md
}

func putOptions(q *request) PutOptions {
	return PutOptions{
		ContentType:  q.r.Header.Get("Content-Type"),
		StorageClass: q.r.Header.Get("X-Amz-Storage-Class"),
		Owner:        q.userID,
		UserMetadata: userMetadata(q.r.Header),
	}
}

// setVersionHeader sets x-amz-version-id unless the bucket has never been
// versioned.
func (s *Server) setVersionHeader(ctx context.Context, w http.ResponseWriter, bucket string, rec *ObjectRecord) {
	if rec.IsNull {
		state, err := s.store.GetBucketVersioning(ctx, bucket)
		if err != nil || state == VersioningDisabled {
			return
		}
	}
	w.Header().Set("X-Amz-Version-Id", rec.PublicVersionID())
}

func (s *Server) setObjectHeaders(ctx context.Context, w http.ResponseWriter, bucket string, rec *ObjectRecord) {
	h := w.Header()
	h.Set("Content-Type", rec.ContentType)
	h.Set("Content-Length", strconv.FormatInt(rec.ContentLength, 10))
	h.Set("ETag", rec.ETag())
	h.Set("Last-Modified", rec.LastModified.UTC().Format(http.TimeFormat))
	if rec.StorageClass != "" {
		h.Set("X-Amz-Storage-Class", rec.StorageClass)
	}
	for k, v := range rec.UserMetadata {
		h.Set(k, v)
	}
	s.setVersionHeader(ctx, w, bucket, rec)
}

// failRead writes the error of a GET or HEAD. A delete marker answers 404
// when it is current and 405 when addressed by version id.
func (s *Server) failRead(q *request, rec *ObjectRecord, err error, withBody bool) {
	q.err = err
	if errors.Is(err, ErrDeleteMarker) && rec != nil {
		q.w.Header().Set("X-Amz-Delete-Marker", "true")
		s.setVersionHeader(q.r.Context(), q.w, q.bucket, rec)
		if q.query("versionId") != "" {
			if withBody {
				s.writeError(q.w, http.StatusMethodNotAllowed, "MethodNotAllowed", "The specified method is not allowed against this resource")
			} else {
				q.w.WriteHeader(http.StatusMethodNotAllowed)
			}
			return
		}
	}
	if !withBody {
		q.w.WriteHeader(toAPIError(err).status)
		return
	}
	s.fail(q, err)
}

// getObject handles GET /{bucket}/{key}.
func (s *Server) getObject(q *request) {
	if !s.authorize(q, "get", "objects") {
		return
	}
	reader, rec, err := s.store.GetObject(q.r.Context(), q.bucket, q.key, q.query("versionId"))
	if err != nil {
		s.failRead(q, rec, err, true)
		return
	}
	defer func() { _ = reader.Close() }()

	s.setObjectHeaders(q.r.Context(), q.w, q.bucket, rec)
	q.w.WriteHeader(http.StatusOK)

	n, err := io.Copy(q.w, reader)
	if err != nil {
		log.Error().Err(err).Str("bucket", q.bucket).Str("key", q.key).Msg("Failed to stream object")
	}
	if n > 0 {
		s.metrics.RecordDownload(n)
	}
}

// headObject handles HEAD /{bucket}/{key}.
func (s *Server) headObject(q *request) {
	if !s.authorize(q, "get", "objects") {
		return
	}
	rec, err := s.store.GetObjectRecord(q.r.Context(), q.bucket, q.key, q.query("versionId"))
	if err != nil {
		s.failRead(q, rec, err, false)
		return
	}
	s.setObjectHeaders(q.r.Context(), q.w, q.bucket, rec)
	q.w.WriteHeader(http.StatusOK)
}

// putObject handles PUT /{bucket}/{key}.
func (s *Server) putObject(q *request) {
	if !s.authorize(q, "put", "objects") {
		return
	}
	if q.r.Header.Get("X-Amz-Copy-Source") != "" {
		s.writeError(q.w, http.StatusNotImplemented, "NotImplemented", "Copy is not supported")
		return
	}

	res, err := s.store.PutObject(q.r.Context(), q.bucket, q.key, q.r.Body, q.r.ContentLength, putOptions(q))
	if err != nil {
		s.auditOp(q, "PutObject", "", err)
		s.fail(q, err)
		return
	}
	s.auditOp(q, "PutObject", res.VersionID, nil)

	q.w.Header().Set("ETag", res.Record.ETag())
	s.setVersionHeader(q.r.Context(), q.w, q.bucket, res.Record)
	q.w.WriteHeader(http.StatusOK)
	s.metrics.RecordUpload(res.Record.ContentLength)
}

// deleteObject handles DELETE /{bucket}/{key}.
func (s *Server) deleteObject(q *request) {
	if !s.authorize(q, "delete", "objects") {
		return
	}
	versionID := q.query("versionId")
	res, err := s.store.DeleteObject(q.r.Context(), q.bucket, q.key, versionID)
	s.auditOp(q, "DeleteObject", versionID, err)
	if err != nil {
		// S3 returns 204 even for non-existent objects on DELETE
		if errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrVersionNotFound) {
			q.w.WriteHeader(http.StatusNoContent)
			return
		}
		s.fail(q, err)
		return
	}

	if res.DeleteMarker {
		q.w.Header().Set("X-Amz-Delete-Marker", "true")
	}
	if res.VersionID != "" && (res.Action != DeleteRemoveNull || versionID != "") {
		q.w.Header().Set("X-Amz-Version-Id", res.VersionID)
	}
	q.w.WriteHeader(http.StatusNoContent)
}

// --- Multipart ---

// createMultipartUpload handles POST /{bucket}/{key}?uploads.
func (s *Server) createMultipartUpload(q *request) {
	if !s.authorize(q, "put", "objects") {
		return
	}
	up, err := s.store.CreateMultipartUpload(q.r.Context(), q.bucket, q.key, q.userID, putOptions(q))
	if err != nil {
		s.fail(q, err)
		return
	}
	s.writeXML(q.w, http.StatusOK, InitiateMultipartUploadResult{
		Bucket:   q.bucket,
		Key:      q.key,
		UploadID: up.UploadID,
	})
}

// uploadPart handles PUT /{bucket}/{key}?partNumber=N&uploadId=ID.
func (s *Server) uploadPart(q *request) {
	if !s.authorize(q, "put", "objects") {
		return
	}
	partNumber, err := strconv.Atoi(q.query("partNumber"))
	if err != nil {
		s.writeError(q.w, http.StatusBadRequest, "InvalidArgument", "Part number must be an integer")
		return
	}
	part, err := s.store.UploadPart(q.r.Context(), q.bucket, q.key, q.query("uploadId"), partNumber, q.r.Body, q.r.ContentLength)
	if err != nil {
		s.fail(q, err)
		return
	}
	q.w.Header().Set("ETag", `"`+part.ETag+`"`)
	q.w.WriteHeader(http.StatusOK)
	s.metrics.RecordUpload(part.Size)
}

// listParts handles GET /{bucket}/{key}?uploadId=ID.
func (s *Server) listParts(q *request) {
	if !s.authorize(q, "list", "objects") {
		return
	}
	uploadID := q.query("uploadId")
	parts, err := s.store.ListParts(q.r.Context(), q.bucket, q.key, uploadID)
	if err != nil {
		s.fail(q, err)
		return
	}
	resp := ListPartsResult{Bucket: q.bucket, Key: q.key, UploadID: uploadID}
	for _, p := range parts {
		resp.Parts = append(resp.Parts, PartInfo{
			PartNumber:   p.PartNumber,
			LastModified: p.LastModified.UTC().Format(iso8601),
			ETag:         `"` + p.ETag + `"`,
			Size:         p.Size,
		})
	}
	s.writeXML(q.w, http.StatusOK, resp)
}

// completeMultipartUpload handles POST /{bucket}/{key}?uploadId=ID.
func (s *Server) completeMultipartUpload(q *request) {
	if !s.authorize(q, "put", "objects") {
		return
	}
	var body CompleteMultipartUpload
	if err := xml.NewDecoder(io.LimitReader(q.r.Body, maxXMLBody)).Decode(&body); err != nil {
		s.writeError(q.w, http.StatusBadRequest, "MalformedXML", "The XML you provided was not well-formed")
		return
	}
	manifest := make([]CompletedPart, len(body.Parts))
	for i, p := range body.Parts {
		manifest[i] = CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	res, err := s.store.CompleteMultipartUpload(q.r.Context(), q.bucket, q.key, q.query("uploadId"), manifest)
	if err != nil {
		s.auditOp(q, "CompleteMultipartUpload", "", err)
		s.fail(q, err)
		return
	}
	s.auditOp(q, "CompleteMultipartUpload", res.VersionID, nil)

	s.setVersionHeader(q.r.Context(), q.w, q.bucket, res.Record)
	s.writeXML(q.w, http.StatusOK, CompleteMultipartUploadResult{
		Location: "/" + q.bucket + "/" + q.key,
		Bucket:   q.bucket,
		Key:      q.key,
		ETag:     res.Record.ETag(),
	})
}

// abortMultipartUpload handles DELETE /{bucket}/{key}?uploadId=ID.
func (s *Server) abortMultipartUpload(q *request) {
	if !s.authorize(q, "delete", "objects") {
		return
	}
	start := time.Now()
	locs, err := s.store.AbortMultipartUpload(q.r.Context(), q.bucket, q.key, q.query("uploadId"))
	s.auditOp(q, "AbortMultipartUpload", "", err)
	if err != nil {
		s.fail(q, err)
		return
	}
	log.Debug().Str("bucket", q.bucket).Str("key", q.key).Int("locations", len(locs)).
		Dur("elapsed", time.Since(start)).Msg("Multipart upload aborted")
	q.w.WriteHeader(http.StatusNoContent)
}
