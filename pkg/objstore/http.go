package objstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tansucloud/tansucloud/pkg/etag"
	"github.com/tansucloud/tansucloud/pkg/log"
	"github.com/tansucloud/tansucloud/pkg/metrics"
	"github.com/tansucloud/tansucloud/pkg/problem"
	"github.com/tansucloud/tansucloud/pkg/tenant"
)

// Handler exposes the object store over HTTP. Tenancy comes from the
// X-Tansu-Tenant header set by the gateway; presigned requests carry their
// own signature instead.
type Handler struct {
	store       *Store
	presigner   *Presigner
	quota       *QuotaScanner
	transformer *Transformer
	compressor  *Compressor
	logger      zerolog.Logger
}

// HandlerOptions wires the optional collaborators.
type HandlerOptions struct {
	Presigner   *Presigner
	Quota       *QuotaScanner
	Transformer *Transformer
	Compressor  *Compressor
}

// NewHandler builds the storage HTTP handler.
func NewHandler(store *Store, opts HandlerOptions) *Handler {
	h := &Handler{
		store:       store,
		presigner:   opts.Presigner,
		quota:       opts.Quota,
		transformer: opts.Transformer,
		compressor:  opts.Compressor,
		logger:      log.WithComponent("objstore-http"),
	}
	if h.presigner == nil {
		h.presigner = NewPresigner("")
	}
	return h
}

// Router returns the chi router for the storage surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/buckets", h.handleListBuckets)
	r.Put("/buckets/{bucket}", h.handleCreateBucket)
	r.Delete("/buckets/{bucket}", h.handleDeleteBucket)
	r.Get("/buckets/{bucket}/objects", h.handleListObjects)

	object := func(r chi.Router) {
		r.Put("/buckets/{bucket}/objects/*", h.handlePutObject)
		r.Post("/buckets/{bucket}/objects/*", h.handlePostObject)
		r.Get("/buckets/{bucket}/objects/*", h.handleGetObject)
		r.Head("/buckets/{bucket}/objects/*", h.handleGetObject)
		r.Delete("/buckets/{bucket}/objects/*", h.handleDeleteObject)
	}
	if h.compressor != nil {
		r.Group(func(r chi.Router) {
			r.Use(h.compressor.Middleware)
			object(r)
		})
	} else {
		object(r)
	}

	r.Post("/presign", h.handlePresign)
	return r
}

func (h *Handler) count(op string, status int) {
	metrics.StorageRequests.WithLabelValues(op, strconv.Itoa(status)).Inc()
}

// requestTenant resolves the tenant for a request. A valid presigned
// signature authorizes on its own; otherwise the gateway header is
// required.
func (h *Handler) requestTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := tenant.Normalize(r.Header.Get(tenant.HeaderName))
	if id == "" {
		id = tenant.Normalize(r.URL.Query().Get("tenant"))
	}
	if id == "" {
		problem.Validation(w, "tenant is required", map[string]string{"tenant": "missing"})
		return "", false
	}

	if sig := r.URL.Query().Get("sig"); sig != "" {
		if !h.verifySignature(r, id, sig) {
			problem.Forbidden(w, "presigned signature is invalid or expired", r.URL.Path)
			return "", false
		}
	}
	return id, true
}

func (h *Handler) verifySignature(r *http.Request, tenantID, sig string) bool {
	q := r.URL.Query()
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return false
	}
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")

	if isTransformRequest(q) {
		width, _ := strconv.Atoi(q.Get("width"))
		height, _ := strconv.Atoi(q.Get("height"))
		quality, _ := strconv.Atoi(q.Get("quality"))
		return h.presigner.VerifyTransform(TransformSignature{
			Tenant:      tenantID,
			Bucket:      bucket,
			Key:         key,
			Width:       width,
			Height:      height,
			Format:      q.Get("format"),
			Quality:     quality,
			ExpiresUnix: expires,
		}, sig)
	}

	maxBytes, _ := strconv.ParseInt(q.Get("maxBytes"), 10, 64)
	return h.presigner.VerifyObject(ObjectSignature{
		Tenant:      tenantID,
		Method:      r.Method,
		Bucket:      bucket,
		Key:         key,
		ExpiresUnix: expires,
		MaxBytes:    maxBytes,
		ContentType: q.Get("contentType"),
	}, sig)
}

func isTransformRequest(q interface{ Get(string) string }) bool {
	return q.Get("width") != "" || q.Get("height") != "" || q.Get("format") != "" || q.Get("quality") != ""
}

func (h *Handler) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requestTenant(w, r)
	if !ok {
		return
	}
	buckets, err := h.store.ListBuckets(tenantID)
	if err != nil {
		h.fail(w, r, "list_buckets", err)
		return
	}
	h.count("list_buckets", http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]any{"buckets": buckets})
}

func (h *Handler) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requestTenant(w, r)
	if !ok {
		return
	}
	if err := h.store.CreateBucket(tenantID, chi.URLParam(r, "bucket")); err != nil {
		h.fail(w, r, "create_bucket", err)
		return
	}
	h.count("create_bucket", http.StatusCreated)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requestTenant(w, r)
	if !ok {
		return
	}
	bucket := chi.URLParam(r, "bucket")
	deleted, err := h.store.DeleteBucket(tenantID, bucket)
	if err != nil {
		h.fail(w, r, "delete_bucket", err)
		return
	}
	if !deleted {
		h.count("delete_bucket", http.StatusConflict)
		problem.Write(w, problem.Details{
			Type:   "https://tansu.cloud/problems/bucket-not-empty",
			Title:  "Bucket Not Empty",
			Status: http.StatusConflict,
			Detail: fmt.Sprintf("bucket %s still contains objects", bucket),
		})
		return
	}
	h.count("delete_bucket", http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListObjects(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requestTenant(w, r)
	if !ok {
		return
	}
	keys, err := h.store.List(tenantID, chi.URLParam(r, "bucket"), r.URL.Query().Get("prefix"))
	if err != nil {
		h.fail(w, r, "list_objects", err)
		return
	}
	h.count("list_objects", http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (h *Handler) handlePutObject(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requestTenant(w, r)
	if !ok {
		return
	}
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")
	q := r.URL.Query()

	if uploadID := q.Get("uploadId"); uploadID != "" {
		h.handleUploadPart(w, r, tenantID, bucket, key, uploadID)
		return
	}

	body := io.Reader(r.Body)
	if maxBytes, _ := strconv.ParseInt(q.Get("maxBytes"), 10, 64); maxBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, maxBytes)
	}

	if h.quota != nil {
		usage, err := h.quota.UsageFor(tenantID)
		if err != nil {
			h.fail(w, r, "put_object", err)
			return
		}
		incoming := r.ContentLength
		if incoming < 0 {
			incoming = 0
		}
		if v := h.quota.Quota().Evaluate(usage, incoming); v != nil {
			status := http.StatusInsufficientStorage
			if v.Constraint == "MaxObjectSizeBytes" {
				status = http.StatusRequestEntityTooLarge
			}
			h.count("put_object", status)
			problem.QuotaExceeded(w, status, v.Error())
			return
		}
	}

	var previous int64 = -1
	if existing, err := h.store.Head(tenantID, bucket, key); err == nil {
		previous = existing.Length
	}

	metadata := userMetadata(r.Header)
	info, err := h.store.Put(tenantID, bucket, key, body, r.Header.Get("Content-Type"), metadata)
	if err != nil {
		h.fail(w, r, "put_object", err)
		return
	}
	if h.quota != nil {
		if previous >= 0 {
			h.quota.Record(tenantID, info.Length-previous, 0)
		} else {
			h.quota.Record(tenantID, info.Length, 1)
		}
	}

	h.count("put_object", http.StatusCreated)
	w.Header().Set("ETag", info.ETag)
	writeJSON(w, http.StatusCreated, info)
}

// userMetadata extracts x-tansu-meta-* headers as object metadata.
func userMetadata(header http.Header) map[string]string {
	const prefix = "X-Tansu-Meta-"
	var meta map[string]string
	for name, values := range header {
		if !strings.HasPrefix(name, prefix) || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[strings.ToLower(strings.TrimPrefix(name, prefix))] = values[0]
	}
	return meta
}

// handlePostObject multiplexes multipart operations on the object URL:
// ?uploads initiates, ?uploadId=… completes.
func (h *Handler) handlePostObject(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requestTenant(w, r)
	if !ok {
		return
	}
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")
	q := r.URL.Query()

	if _, initiate := q["uploads"]; initiate {
		uploadID, err := h.store.InitiateMultipart(tenantID, bucket, key)
		if err != nil {
			h.fail(w, r, "initiate_upload", err)
			return
		}
		h.count("initiate_upload", http.StatusOK)
		writeJSON(w, http.StatusOK, map[string]string{"uploadId": uploadID})
		return
	}

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		problem.Validation(w, "uploadId or uploads is required", map[string]string{"uploadId": "missing"})
		return
	}

	var req struct {
		Parts       []int             `json:"parts"`
		ContentType string            `json:"contentType"`
		Metadata    map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Validation(w, "invalid completion body", map[string]string{"body": err.Error()})
		return
	}
	info, err := h.store.CompleteMultipart(tenantID, bucket, key, uploadID, req.Parts, req.ContentType, req.Metadata)
	if err != nil {
		h.fail(w, r, "complete_upload", err)
		return
	}
	if h.quota != nil {
		h.quota.Record(tenantID, info.Length, 1)
	}
	h.count("complete_upload", http.StatusOK)
	w.Header().Set("ETag", info.ETag)
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleUploadPart(w http.ResponseWriter, r *http.Request, tenantID, bucket, key, uploadID string) {
	partNumber, err := strconv.Atoi(r.URL.Query().Get("partNumber"))
	if err != nil {
		problem.Validation(w, "invalid part number", map[string]string{"partNumber": "must be an integer"})
		return
	}
	part, err := h.store.UploadPart(tenantID, bucket, key, uploadID, partNumber, r.Body)
	if err != nil {
		h.fail(w, r, "upload_part", err)
		return
	}
	h.count("upload_part", http.StatusOK)
	w.Header().Set("ETag", part.ETag)
	writeJSON(w, http.StatusOK, part)
}

func (h *Handler) handleGetObject(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requestTenant(w, r)
	if !ok {
		return
	}
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")
	q := r.URL.Query()

	if uploadID := q.Get("uploadId"); uploadID != "" {
		parts, err := h.store.ListParts(tenantID, bucket, key, uploadID)
		if err != nil {
			h.fail(w, r, "list_parts", err)
			return
		}
		h.count("list_parts", http.StatusOK)
		writeJSON(w, http.StatusOK, map[string]any{"parts": parts})
		return
	}

	if h.transformer != nil && isTransformRequest(q) {
		h.handleTransform(w, r, tenantID, bucket, key)
		return
	}

	info, err := h.store.Head(tenantID, bucket, key)
	if err != nil {
		h.fail(w, r, "get_object", err)
		return
	}

	if etag.Match(r.Header.Get("If-None-Match"), info.ETag) {
		h.count("get_object", http.StatusNotModified)
		w.Header().Set("ETag", info.ETag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	setObjectHeaders(w, info)
	if r.Method == http.MethodHead {
		h.count("head_object", http.StatusOK)
		w.WriteHeader(http.StatusOK)
		return
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		h.serveRange(w, r, tenantID, bucket, key, info, rangeHeader)
		return
	}

	body, _, err := h.store.Get(tenantID, bucket, key)
	if err != nil {
		h.fail(w, r, "get_object", err)
		return
	}
	defer body.Close()

	h.count("get_object", http.StatusOK)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn().Err(err).Str("bucket", bucket).Str("key", key).Msg("object stream interrupted")
	}
}

func setObjectHeaders(w http.ResponseWriter, info *ObjectInfo) {
	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("ETag", info.ETag)
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Length, 10))
	for k, v := range info.Metadata {
		w.Header().Set("X-Tansu-Meta-"+k, v)
	}
}

func (h *Handler) serveRange(w http.ResponseWriter, r *http.Request, tenantID, bucket, key string, info *ObjectInfo, rangeHeader string) {
	start, end, err := parseRange(rangeHeader, info.Length)
	if err != nil {
		h.count("get_object", http.StatusRequestedRangeNotSatisfiable)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Length))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	body, ranged, err := h.store.GetRange(tenantID, bucket, key, start, end)
	if err != nil {
		if errors.Is(err, ErrInvalidRange) {
			h.count("get_object", http.StatusRequestedRangeNotSatisfiable)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Length))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		h.fail(w, r, "get_object", err)
		return
	}
	defer body.Close()

	if end >= info.Length {
		end = info.Length - 1
	}
	h.count("get_object", http.StatusPartialContent)
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, info.Length))
	w.Header().Set("Content-Length", strconv.FormatInt(ranged.Length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn().Err(err).Str("bucket", bucket).Str("key", key).Msg("range stream interrupted")
	}
}

// parseRange handles a single "bytes=start-end" specifier; the end bound is
// optional.
func parseRange(header string, length int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("%w: %s", ErrInvalidRange, header)
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok || startStr == "" {
		return 0, 0, fmt.Errorf("%w: %s", ErrInvalidRange, header)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrInvalidRange, header)
	}
	end := length - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %s", ErrInvalidRange, header)
		}
	}
	return start, end, nil
}

func (h *Handler) handleTransform(w http.ResponseWriter, r *http.Request, tenantID, bucket, key string) {
	q := r.URL.Query()
	width, _ := strconv.Atoi(q.Get("width"))
	height, _ := strconv.Atoi(q.Get("height"))
	quality, _ := strconv.Atoi(q.Get("quality"))
	opts := TransformOptions{Width: width, Height: height, Format: q.Get("format"), Quality: quality}

	body, info, err := h.store.Get(tenantID, bucket, key)
	if err != nil {
		h.fail(w, r, "transform", err)
		return
	}
	src, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		h.fail(w, r, "transform", err)
		return
	}

	cacheKey := strings.Join([]string{tenantID, bucket, key, info.ETag}, "|")
	out, contentType, err := h.transformer.Transform(cacheKey, src, opts)
	if err != nil {
		h.fail(w, r, "transform", err)
		return
	}

	h.count("transform", http.StatusOK)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", etag.Weak(out))
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (h *Handler) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requestTenant(w, r)
	if !ok {
		return
	}
	bucket := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")

	if uploadID := r.URL.Query().Get("uploadId"); uploadID != "" {
		if err := h.store.AbortMultipart(tenantID, bucket, key, uploadID); err != nil {
			h.fail(w, r, "abort_upload", err)
			return
		}
		h.count("abort_upload", http.StatusNoContent)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var previous int64 = -1
	if info, err := h.store.Head(tenantID, bucket, key); err == nil {
		previous = info.Length
	}

	deleted, err := h.store.Delete(tenantID, bucket, key)
	if err != nil {
		h.fail(w, r, "delete_object", err)
		return
	}
	if !deleted {
		h.count("delete_object", http.StatusNotFound)
		problem.NotFound(w, fmt.Sprintf("object %s/%s does not exist", bucket, key))
		return
	}
	if h.quota != nil && previous >= 0 {
		h.quota.Record(tenantID, -previous, -1)
	}
	h.count("delete_object", http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}

// handlePresign issues a signature for an object or transform operation.
// The caller supplies tenancy through the gateway header like any other
// request.
func (h *Handler) handlePresign(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requestTenant(w, r)
	if !ok {
		return
	}

	var req struct {
		Method      string `json:"method"`
		Bucket      string `json:"bucket"`
		Key         string `json:"key"`
		ExpiresUnix int64  `json:"expiresUnix"`
		MaxBytes    int64  `json:"maxBytes"`
		ContentType string `json:"contentType"`
		Transform   bool   `json:"transform"`
		Width       int    `json:"width"`
		Height      int    `json:"height"`
		Format      string `json:"format"`
		Quality     int    `json:"quality"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Validation(w, "invalid presign body", map[string]string{"body": err.Error()})
		return
	}

	var sig string
	var err error
	if req.Transform {
		sig, err = h.presigner.SignTransform(TransformSignature{
			Tenant:      tenantID,
			Bucket:      req.Bucket,
			Key:         req.Key,
			Width:       req.Width,
			Height:      req.Height,
			Format:      req.Format,
			Quality:     req.Quality,
			ExpiresUnix: req.ExpiresUnix,
		})
	} else {
		sig, err = h.presigner.SignObject(ObjectSignature{
			Tenant:      tenantID,
			Method:      req.Method,
			Bucket:      req.Bucket,
			Key:         req.Key,
			ExpiresUnix: req.ExpiresUnix,
			MaxBytes:    req.MaxBytes,
			ContentType: req.ContentType,
		})
	}
	if err != nil {
		problem.Validation(w, err.Error(), nil)
		return
	}

	h.count("presign", http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]any{
		"signature": sig,
		"expires":   req.ExpiresUnix,
	})
}

// fail maps store errors onto problem responses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrBucketNotFound), errors.Is(err, ErrUploadNotFound):
		h.count(op, http.StatusNotFound)
		problem.NotFound(w, err.Error())
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrPartTooSmall),
		errors.Is(err, ErrPartTooLarge), errors.Is(err, ErrNoParts),
		errors.Is(err, ErrTransformBounds), errors.Is(err, ErrTransformFormat):
		h.count(op, http.StatusBadRequest)
		problem.Validation(w, err.Error(), nil)
	default:
		h.count(op, http.StatusInternalServerError)
		h.logger.Error().Err(err).Str("op", op).Str("path", r.URL.Path).Msg("storage operation failed")
		problem.Internal(w, r.Header.Get("X-Correlation-ID"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
