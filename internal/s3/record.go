package s3

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/versohq/verso/internal/backend"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ReplicationInfo is carried through unchanged; this package never interprets it.
type ReplicationInfo struct {
	Status   string               `json:"status,omitempty"`
	Role     string               `json:"role,omitempty"`
	Backends []ReplicationBackend `json:"backends,omitempty"`
}

// ReplicationBackend is the replication state for one destination.
type ReplicationBackend struct {
	Site      string `json:"site"`
	Status    string `json:"status"`
	VersionID string `json:"versionId,omitempty"`
}

// ObjectRecord is the metadata of one object version, delete marker or null version.
type ObjectRecord struct {
	Key            string             `json:"key"`
	VersionID      string             `json:"versionId"`
	IsNull         bool               `json:"isNull,omitempty"`
	IsDeleteMarker bool               `json:"isDeleteMarker,omitempty"`
	Locations      []backend.Location `json:"locations,omitempty"`
	ContentLength  int64              `json:"contentLength"`
	ContentMD5     string             `json:"contentMD5,omitempty"`
	ContentType    string             `json:"contentType,omitempty"`
	StorageClass   string             `json:"storageClass,omitempty"`
	Owner          string             `json:"owner,omitempty"`
	UserMetadata   map[string]string  `json:"userMetadata,omitempty"`
	Replication    ReplicationInfo    `json:"replicationInfo"`
	LastModified   time.Time          `json:"lastModified"`
}

// PublicVersionID is the id clients use to address the record.
func (r *ObjectRecord) PublicVersionID() string {
	if r.IsNull {
		return NullVersionID
	}
	return r.VersionID
}

// ETag returns the quoted entity tag.
func (r *ObjectRecord) ETag() string {
	if r.ContentMD5 == "" {
		return ""
	}
	return `"` + r.ContentMD5 + `"`
}

// hasData reports whether the record accounts for stored bytes.
func (r *ObjectRecord) hasData() bool {
	return !r.IsDeleteMarker && r.ContentLength > 0
}

// BucketRecord is the persisted configuration of a bucket.
type BucketRecord struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	CreatedAt  time.Time `json:"createdAt"`
	Versioning string    `json:"versioning,omitempty"`
	QuotaBytes int64     `json:"quotaBytes,omitempty"` // 0 = unlimited
}

// VersioningState returns the parsed versioning state.
func (b *BucketRecord) VersioningState() VersioningState {
	v, _ := ParseVersioningState(b.Versioning)
	return v
}

// keyHead guards all records of one key. Every write to the key rewrites
// it conditioned on its previous bytes, which serialises writers per key.
type keyHead struct {
	Rev     uint64 `json:"rev"`
	NullVID string `json:"nullVid,omitempty"`
}

// Key layout inside a bucket namespace.
const (
	objPrefix    = "o/"
	headPrefix   = "h/"
	refPrefix    = "r/"
	uploadPrefix = "u/"
	partPrefix   = "p/"
	sep          = "\x00"
)

// refValue is stored under reference entries; only their presence matters.
var refValue = []byte{1}

func objKey(key, vid string) string  { return objPrefix + key + sep + vid }
func objKeyPrefix(key string) string { return objPrefix + key + sep }
func headKey(key string) string      { return headPrefix + key }

// splitObjKey splits "o/<key>\x00<vid>".
func splitObjKey(k string) (key, vid string, ok bool) {
	rest := strings.TrimPrefix(k, objPrefix)
	i := strings.LastIndex(rest, sep)
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// refKeyPrefix is the prefix of all reference entries for one blob.
func refKeyPrefix(loc backend.Location) string {
	return refPrefix + loc.Backend + sep + loc.Key + sep
}

func recordRefKey(loc backend.Location, key, vid string) string {
	return refKeyPrefix(loc) + "o" + sep + key + sep + vid
}

func partRefKey(loc backend.Location, uploadID string, part int) string {
	return refKeyPrefix(loc) + "p" + sep + uploadID + sep + fmt.Sprintf("%05d", part)
}

func uploadKey(key, uploadID string) string { return uploadPrefix + key + sep + uploadID }

func splitUploadKey(k string) (key, uploadID string, ok bool) {
	rest := strings.TrimPrefix(k, uploadPrefix)
	i := strings.LastIndex(rest, sep)
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

func partKeyPrefix(uploadID string) string { return partPrefix + uploadID + "/" }

func partKey(uploadID string, part int) string {
	return fmt.Sprintf("%s%05d", partKeyPrefix(uploadID), part)
}

func encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func decodeRecord(data []byte) (*ObjectRecord, error) {
	var rec ObjectRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode object record: %w", err)
	}
	return &rec, nil
}

func decodeHead(data []byte) (*keyHead, error) {
	var h keyHead
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode key head: %w", err)
	}
	return &h, nil
}
