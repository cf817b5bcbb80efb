package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/objectvault/bleepstore/internal/auth"
	s3err "github.com/objectvault/bleepstore/internal/errors"
	"github.com/objectvault/bleepstore/internal/metadata"
	"github.com/objectvault/bleepstore/internal/storage"
	"github.com/objectvault/bleepstore/internal/xmlutil"
)

const minMultipartSize = 5 * 1024 * 1024
const maxPartNumber = 10000

// MultipartHandler serves multipart upload operations: create, upload
// part (including part-copy), complete, abort, and listings.
type MultipartHandler struct {
	meta          metadata.MetadataStore
	store         storage.StorageBackend
	ownerID       string
	ownerDisplay  string
	maxObjectSize int64
}

func NewMultipartHandler(meta metadata.MetadataStore, store storage.StorageBackend, ownerID, ownerDisplay string, maxObjectSize int64) *MultipartHandler {
	return &MultipartHandler{
		meta:          meta,
		store:         store,
		ownerID:       ownerID,
		ownerDisplay:  ownerDisplay,
		maxObjectSize: maxObjectSize,
	}
}

func (h *MultipartHandler) ready(w http.ResponseWriter, r *http.Request) bool {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return false
	}
	return true
}

func validPartNumber(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil && n >= 1 && n <= maxPartNumber
}

// requireUpload fetches the upload record, writing ErrNoSuchUpload if it's
// missing. The bool return reports whether the caller should continue.
func (h *MultipartHandler) requireUpload(w http.ResponseWriter, r *http.Request, bucketName, key, uploadID, op string) (*metadata.MultipartUploadRecord, bool) {
	ctx := r.Context()
	upload, err := h.meta.GetMultipartUpload(ctx, bucketName, key, uploadID)
	if err != nil {
		slog.Error(op+": upload lookup failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return nil, false
	}
	if upload == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return nil, false
	}
	return upload, true
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		slog.Error("create multipart upload: bucket lookup failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	// The SigV4 middleware stores the authenticated identity on the
	// context; fall back to the handler's configured identity when absent
	// (e.g. in tests that bypass auth).
	ownerID, ownerDisplay := h.ownerID, h.ownerDisplay
	if ctxOwner, ctxDisplay := auth.OwnerFromContext(ctx); ctxOwner != "" {
		ownerID, ownerDisplay = ctxOwner, ctxDisplay
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultObjectContentType
	}

	var aclJSON = defaultPrivateACL(ownerID, ownerDisplay)
	if cannedACL := r.Header.Get("x-amz-acl"); cannedACL != "" {
		aclJSON = aclToJSON(parseCannedACL(cannedACL, ownerID, ownerDisplay))
	}

	uploadID, err := h.meta.CreateMultipartUpload(ctx, &metadata.MultipartUploadRecord{
		Bucket:             bucketName,
		Key:                key,
		ContentType:        contentType,
		ContentEncoding:    r.Header.Get("Content-Encoding"),
		ContentLanguage:    r.Header.Get("Content-Language"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		CacheControl:       r.Header.Get("Cache-Control"),
		Expires:            r.Header.Get("Expires"),
		StorageClass:       "STANDARD",
		ACL:                aclJSON,
		UserMetadata:       extractUserMetadata(r),
		OwnerID:            ownerID,
		OwnerDisplay:       ownerDisplay,
		InitiatedAt:        time.Now().UTC(),
	})
	if err != nil {
		slog.Error("create multipart upload: metadata insert failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderInitiateMultipartUpload(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: uploadID,
	})
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID, and
// dispatches to uploadPartCopy when X-Amz-Copy-Source is present.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}

	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	if r.Header.Get("X-Amz-Copy-Source") != "" {
		h.uploadPartCopy(w, r, bucketName, key, q)
		return
	}

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	partNumber, ok := validPartNumber(q.Get("partNumber"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if h.maxObjectSize > 0 && r.ContentLength > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	ctx := r.Context()
	if _, ok := h.requireUpload(w, r, bucketName, key, uploadID, "upload part"); !ok {
		return
	}

	body := &io.LimitedReader{R: r.Body, N: math.MaxInt64}
	etag, err := h.store.PutPart(ctx, bucketName, key, uploadID, partNumber, body, r.ContentLength)
	if err != nil {
		slog.Error("upload part: storage write failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	// PutPart doesn't report bytes written, so a chunked/unsized request
	// takes its part size from the number of bytes read off the body.
	partSize := r.ContentLength
	if partSize < 0 {
		partSize = math.MaxInt64 - body.N
	}

	if err := h.meta.PutPart(ctx, &metadata.PartRecord{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         partSize,
		ETag:         etag,
		LastModified: time.Now().UTC(),
	}); err != nil {
		slog.Error("upload part: metadata insert failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// uploadPartCopy handles the X-Amz-Copy-Source variant of UploadPart,
// streaming (a range of) an existing object into a part.
func (h *MultipartHandler) uploadPartCopy(w http.ResponseWriter, r *http.Request, bucketName, key string, q url.Values) {
	ctx := r.Context()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	partNumber, ok := validPartNumber(q.Get("partNumber"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if _, ok := h.requireUpload(w, r, bucketName, key, uploadID, "upload part copy"); !ok {
		return
	}

	srcBucketRec, err := h.meta.GetBucket(ctx, srcBucket)
	if err != nil {
		slog.Error("upload part copy: source bucket lookup failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if srcBucketRec == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	srcObj, err := h.meta.GetObject(ctx, srcBucket, srcKey)
	if err != nil {
		slog.Error("upload part copy: source object lookup failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if srcObj == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	if proceed, precondErr := checkCopySourceConditionals(r, srcObj.ETag, srcObj.LastModified); !proceed {
		xmlutil.WriteErrorResponse(w, r, precondErr)
		return
	}

	reader, _, _, err := h.store.GetObject(ctx, srcBucket, srcKey)
	if err != nil {
		slog.Error("upload part copy: source read failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer reader.Close()

	partReader, partSize, err := sliceBySourceRange(reader, srcObj.Size, r.Header.Get("X-Amz-Copy-Source-Range"))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
		return
	}

	etag, err := h.store.PutPart(ctx, bucketName, key, uploadID, partNumber, partReader, -1)
	if err != nil {
		slog.Error("upload part copy: storage write failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	now := time.Now().UTC()
	if err := h.meta.PutPart(ctx, &metadata.PartRecord{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         partSize,
		ETag:         etag,
		LastModified: now,
	}); err != nil {
		slog.Error("upload part copy: metadata insert failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderCopyPartResult(w, &xmlutil.CopyPartResult{
		ETag:         etag,
		LastModified: xmlutil.FormatTimeS3(now),
	})
}

// sliceBySourceRange applies an optional X-Amz-Copy-Source-Range header to
// reader, seeking/discarding up to the range start. Returns the resulting
// reader and the number of bytes it will yield.
func sliceBySourceRange(reader io.Reader, sourceSize int64, rangeHeader string) (io.Reader, int64, error) {
	if rangeHeader == "" {
		return reader, sourceSize, nil
	}

	start, end, err := parseRange(rangeHeader, sourceSize)
	if err != nil {
		return nil, 0, err
	}

	if seeker, ok := reader.(io.ReadSeeker); ok {
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return nil, 0, err
		}
	} else if _, err := io.CopyN(io.Discard, reader, start); err != nil {
		return nil, 0, err
	}

	rangeLen := end - start + 1
	return io.LimitReader(reader, rangeLen), rangeLen, nil
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=ID:
// validates part order, ETags, and the 5 MiB minimum-size rule on every
// part but the last, then assembles storage and commits metadata in one
// transactional step.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	upload, ok := h.requireUpload(w, r, bucketName, key, uploadID, "complete multipart upload")
	if !ok {
		return
	}

	parts, err := parseCompleteMultipartXML(r.Body)
	if err != nil {
		slog.Error("complete multipart upload: XML parse failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(parts) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	for i := 1; i < len(parts); i++ {
		if parts[i].PartNumber <= parts[i-1].PartNumber {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPartOrder)
			return
		}
	}

	partNumbers := make([]int, len(parts))
	for i, p := range parts {
		partNumbers[i] = p.PartNumber
	}

	storedParts, err := h.meta.GetPartsForCompletion(ctx, uploadID, partNumbers)
	if err != nil {
		slog.Error("complete multipart upload: part lookup failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	storedMap := make(map[int]metadata.PartRecord, len(storedParts))
	for _, sp := range storedParts {
		storedMap[sp.PartNumber] = sp
	}

	totalSize, errResp := validateCompletionParts(parts, storedMap)
	if errResp != nil {
		xmlutil.WriteErrorResponse(w, r, errResp)
		return
	}

	compositeETag, err := h.store.AssembleParts(ctx, bucketName, key, uploadID, partNumbers)
	if err != nil {
		slog.Error("complete multipart upload: assembly failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	obj := &metadata.ObjectRecord{
		Bucket:             bucketName,
		Key:                key,
		Size:               totalSize,
		ETag:               compositeETag,
		ContentType:        upload.ContentType,
		ContentEncoding:    upload.ContentEncoding,
		ContentLanguage:    upload.ContentLanguage,
		ContentDisposition: upload.ContentDisposition,
		CacheControl:       upload.CacheControl,
		Expires:            upload.Expires,
		StorageClass:       upload.StorageClass,
		ACL:                upload.ACL,
		UserMetadata:       upload.UserMetadata,
		LastModified:       time.Now().UTC(),
	}

	if err := h.meta.CompleteMultipartUpload(ctx, bucketName, key, uploadID, obj); err != nil {
		slog.Error("complete multipart upload: metadata commit failed", "error", err)
		if delErr := h.store.DeleteObject(ctx, bucketName, key); delErr != nil {
			slog.Error("complete multipart upload: storage undo failed", "error", delErr)
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderCompleteMultipartUpload(w, &xmlutil.CompleteMultipartUploadResult{
		Location: fmt.Sprintf("/%s/%s", bucketName, key),
		Bucket:   bucketName,
		Key:      key,
		ETag:     compositeETag,
	})
}

// validateCompletionParts checks that every requested part was actually
// uploaded, its ETag matches, and (all but the last) meets the minimum
// part size. Returns the assembled object's total size.
func validateCompletionParts(parts []CompletePart, storedMap map[int]metadata.PartRecord) (int64, *s3err.S3Error) {
	var totalSize int64
	for i, p := range parts {
		stored, ok := storedMap[p.PartNumber]
		if !ok {
			return 0, s3err.ErrInvalidPart
		}
		if normalizeETag(p.ETag) != normalizeETag(stored.ETag) {
			return 0, s3err.ErrInvalidPart
		}
		if i < len(parts)-1 && stored.Size < minMultipartSize {
			return 0, s3err.ErrEntityTooSmall
		}
		totalSize += stored.Size
	}
	return totalSize, nil
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=ID.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if _, ok := h.requireUpload(w, r, bucketName, key, uploadID, "abort multipart upload"); !ok {
		return
	}

	if err := h.store.DeleteParts(ctx, bucketName, key, uploadID); err != nil {
		// Metadata deletion below is authoritative; an orphaned part file
		// is harmless and swept by the backend's own cleanup.
		slog.Error("abort multipart upload: storage cleanup failed", "error", err)
	}

	if err := h.meta.AbortMultipartUpload(ctx, bucketName, key, uploadID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("abort multipart upload: metadata delete failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		slog.Error("list multipart uploads: bucket lookup failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	keyMarker := q.Get("key-marker")
	uploadIDMarker := q.Get("upload-id-marker")
	maxUploads := parseMaxCount(q, "max-uploads", 1000)

	listResult, err := h.meta.ListMultipartUploads(ctx, bucketName, metadata.ListUploadsOptions{
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		Prefix:         q.Get("prefix"),
		Delimiter:      q.Get("delimiter"),
		MaxUploads:     maxUploads,
	})
	if err != nil {
		slog.Error("list multipart uploads failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:             bucketName,
		KeyMarker:          keyMarker,
		UploadIDMarker:     uploadIDMarker,
		MaxUploads:         maxUploads,
		IsTruncated:        listResult.IsTruncated,
		NextKeyMarker:      listResult.NextKeyMarker,
		NextUploadIDMarker: listResult.NextUploadIDMarker,
	}
	for _, u := range listResult.Uploads {
		owner := xmlutil.Owner{ID: u.OwnerID, DisplayName: u.OwnerDisplay}
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:       u.Key,
			UploadID:  u.UploadID,
			Initiator: owner,
			Owner:     owner,
			Initiated: xmlutil.FormatTimeS3(u.InitiatedAt),
		})
	}
	for _, cp := range listResult.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{Prefix: cp})
	}

	xmlutil.RenderListMultipartUploads(w, result)
}

// ListParts handles GET /{bucket}/{object}?uploadId=ID.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if _, ok := h.requireUpload(w, r, bucketName, key, uploadID, "list parts"); !ok {
		return
	}

	partNumberMarker := 0
	if pm := q.Get("part-number-marker"); pm != "" {
		if parsed, err := strconv.Atoi(pm); err == nil {
			partNumberMarker = parsed
		}
	}
	maxParts := parseMaxCount(q, "max-parts", 1000)

	listResult, err := h.meta.ListParts(ctx, uploadID, metadata.ListPartsOptions{
		PartNumberMarker: partNumberMarker,
		MaxParts:         maxParts,
	})
	if err != nil {
		slog.Error("list parts failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListPartsResult{
		Bucket:               bucketName,
		Key:                  key,
		UploadID:             uploadID,
		PartNumberMarker:     partNumberMarker,
		NextPartNumberMarker: listResult.NextPartNumberMarker,
		MaxParts:             maxParts,
		IsTruncated:          listResult.IsTruncated,
	}
	for _, p := range listResult.Parts {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}

	xmlutil.RenderListParts(w, result)
}

func parseMaxCount(q url.Values, param string, def int) int {
	if v := q.Get(param); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return def
}
