package s3

import "errors"

// S3 error types.
var (
	ErrBucketExists       = errors.New("bucket already exists")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrBucketNotEmpty     = errors.New("bucket not empty")
	ErrObjectNotFound     = errors.New("object not found")
	ErrVersionNotFound    = errors.New("version not found")
	ErrUploadNotFound     = errors.New("upload not found")
	ErrDeleteMarker       = errors.New("object is a delete marker")
	ErrConflict           = errors.New("conflicting concurrent operation")
	ErrQuotaExceeded      = errors.New("storage quota exceeded")
	ErrInvalidState       = errors.New("operation not valid for bucket versioning state")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidPart        = errors.New("invalid part")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrAccessDenied       = errors.New("access denied")
)
