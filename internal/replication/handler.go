package replication

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/versohq/verso/internal/backend"
	"github.com/versohq/verso/internal/logging/audit"
	"github.com/versohq/verso/internal/s3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PathPrefix is where the handler is mounted.
const PathPrefix = "/_/replication/"

// Request headers.
const (
	HeaderCanonicalID = "X-Verso-Canonical-Id"
	HeaderContent     = "X-Verso-Replication-Content"
)

// ContentMetadata marks a metadata PUT that must keep the target's data.
const ContentMetadata = "METADATA"

// maxMetadataBody bounds JSON request bodies.
const maxMetadataBody = 4 << 20

// Config configures the ingestion handler.
type Config struct {
	Store  *s3.Store
	Secret []byte
	Audit  *audit.Logger
	Logger zerolog.Logger
}

// Handler serves the replication ingestion routes.
type Handler struct {
	store  *s3.Store
	secret []byte
	audit  *audit.Logger
	logger zerolog.Logger
}

// NewHandler creates an ingestion handler. Every request must carry a bearer
// token signed with cfg.Secret.
func NewHandler(cfg Config) *Handler {
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop()
	}
	return &Handler{
		store:  cfg.Store,
		secret: cfg.Secret,
		audit:  cfg.Audit,
		logger: cfg.Logger.With().Str("component", "replication").Logger(),
	}
}

// MetadataResponse is the body of a metadata GET. Body holds the record JSON.
type MetadataResponse struct {
	Body string `json:"Body"`
}

// PutMetadataResponse is the body of a metadata PUT.
type PutMetadataResponse struct {
	VersionID string `json:"versionId"`
}

// BatchDeleteRequest lists locations to remove from their backends.
type BatchDeleteRequest struct {
	Locations []backend.Location `json:"Locations"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// call carries the per-request state shared by route handlers.
type call struct {
	w           http.ResponseWriter
	r           *http.Request
	site        string
	canonicalID string
	bucket      string
	key         string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		h.audit.LogAuth("", "jwt", "denied", err.Error(), r.RemoteAddr)
		if errors.Is(err, ErrMissingToken) {
			h.jsonError(w, http.StatusUnauthorized, "AccessDenied", err.Error())
			return
		}
		h.jsonError(w, http.StatusForbidden, "AccessDenied", err.Error())
		return
	}

	c := &call{w: w, r: r, site: claims.Site, canonicalID: r.Header.Get(HeaderCanonicalID)}
	if c.canonicalID == "" {
		h.jsonError(w, http.StatusBadRequest, "BadRequest", "missing "+HeaderCanonicalID+" header")
		return
	}

	route, rest, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, PathPrefix), "/")
	if route == "batchdelete" {
		if r.Method != http.MethodPost {
			h.jsonError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
			return
		}
		h.batchDelete(c)
		return
	}

	var ok bool
	c.bucket, c.key, ok = strings.Cut(rest, "/")
	if !ok || c.bucket == "" || c.key == "" {
		h.jsonError(w, http.StatusBadRequest, "BadRequest", "path must name a bucket and key")
		return
	}

	h.logger.Debug().
		Str("method", r.Method).
		Str("route", route).
		Str("site", c.site).
		Str("bucket", c.bucket).
		Str("key", c.key).
		Msg("Replication request")

	switch {
	case route == "data" && r.Method == http.MethodPut:
		h.putData(c)
	case route == "metadata" && r.Method == http.MethodPut:
		h.putMetadata(c)
	case route == "metadata" && r.Method == http.MethodGet:
		h.getMetadata(c)
	case route == "data" || route == "metadata":
		h.jsonError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
	default:
		h.jsonError(w, http.StatusNotFound, "NotFound", "unknown replication route")
	}
}

func (h *Handler) authenticate(r *http.Request) (*Claims, error) {
	authHeader := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return nil, ErrMissingToken
	}
	return ValidateToken(h.secret, strings.TrimSpace(token))
}

// requireVersioned refuses buckets whose versioning was never enabled.
func (h *Handler) requireVersioned(ctx context.Context, bucket string) error {
	state, err := h.store.GetBucketVersioning(ctx, bucket)
	if err != nil {
		return err
	}
	if state == s3.VersioningDisabled {
		return s3.ErrInvalidState
	}
	return nil
}

func (h *Handler) putData(c *call) {
	ctx := c.r.Context()
	if err := h.requireVersioned(ctx, c.bucket); err != nil {
		h.fail(c, "PutData", "", err)
		return
	}

	locs, _, _, err := h.store.WriteData(ctx, c.bucket, c.r.Body, c.r.ContentLength)
	if err != nil {
		h.fail(c, "PutData", "", err)
		return
	}
	if locs == nil {
		locs = []backend.Location{}
	}
	h.audit.LogReplication(c.site, c.canonicalID, "PutData", c.bucket, c.key, "", "allowed", "")
	h.writeJSON(c.w, http.StatusOK, locs)
}

func (h *Handler) putMetadata(c *call) {
	ctx := c.r.Context()
	versionID := c.r.URL.Query().Get("versionId")
	if err := h.requireVersioned(ctx, c.bucket); err != nil {
		h.fail(c, "PutMetadata", versionID, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.r.Body, maxMetadataBody))
	if err != nil {
		h.jsonError(c.w, http.StatusBadRequest, "BadRequest", "failed to read body")
		return
	}
	var rec s3.ObjectRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		h.jsonError(c.w, http.StatusBadRequest, "MalformedPOSTRequest", "invalid object record")
		return
	}

	opts := s3.PutRecordOptions{
		VersionID:    versionID,
		MetadataOnly: c.r.Header.Get(HeaderContent) == ContentMetadata,
	}
	res, err := h.store.PutRecord(ctx, c.bucket, c.key, &rec, opts)
	if err != nil {
		h.fail(c, "PutMetadata", versionID, err)
		return
	}

	details := ""
	if opts.MetadataOnly {
		details = "metadata only"
	}
	h.audit.LogReplication(c.site, c.canonicalID, "PutMetadata", c.bucket, c.key, res.VersionID, "allowed", details)
	h.writeJSON(c.w, http.StatusOK, PutMetadataResponse{VersionID: res.VersionID})
}

func (h *Handler) getMetadata(c *call) {
	versionID := c.r.URL.Query().Get("versionId")
	rec, err := h.store.GetObjectRecord(c.r.Context(), c.bucket, c.key, versionID)
	// Delete markers are replicated like any other version.
	if err != nil && !(errors.Is(err, s3.ErrDeleteMarker) && rec != nil) {
		status, code := s3.ErrorStatus(err)
		h.jsonError(c.w, status, code, err.Error())
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		h.jsonError(c.w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	h.writeJSON(c.w, http.StatusOK, MetadataResponse{Body: string(data)})
}

func (h *Handler) batchDelete(c *call) {
	var req BatchDeleteRequest
	if err := json.NewDecoder(io.LimitReader(c.r.Body, maxMetadataBody)).Decode(&req); err != nil {
		h.jsonError(c.w, http.StatusBadRequest, "MalformedPOSTRequest", "invalid batch delete body")
		return
	}

	backends := h.store.Backends()
	deleted, skipped := 0, 0
	for _, loc := range req.Locations {
		err := backends.Delete(c.r.Context(), loc)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, backend.ErrNotFound), errors.Is(err, backend.ErrUnknownBackend):
			skipped++
		default:
			h.logger.Error().Err(err).Str("location", loc.ID()).Msg("Batch delete failed")
			h.audit.LogReplication(c.site, c.canonicalID, "BatchDelete", "", "", "", "failed", err.Error())
			h.jsonError(c.w, http.StatusServiceUnavailable, "ServiceUnavailable", "storage backend unavailable")
			return
		}
	}

	h.logger.Debug().Int("deleted", deleted).Int("skipped", skipped).Msg("Batch delete")
	h.audit.LogReplication(c.site, c.canonicalID, "BatchDelete", "", "", "", "allowed", "")
	c.w.WriteHeader(http.StatusOK)
}

func (h *Handler) fail(c *call, operation, versionID string, err error) {
	status, code := s3.ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("bucket", c.bucket).Str("key", c.key).Msg(operation + " failed")
	}
	h.audit.LogReplication(c.site, c.canonicalID, operation, c.bucket, c.key, versionID, "failed", err.Error())
	h.jsonError(c.w, status, code, err.Error())
}

func (h *Handler) jsonError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
